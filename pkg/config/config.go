package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	Database  DatabaseConfig
	Source    SourceConfig
	Redis     RedisConfig
	Server    ServerConfig
	Curation  CurationConfig
	Cache     CacheConfig
	Edition   EditionConfig
	Logging   LoggingConfig
	Telemetry TelemetryConfig
}

// DatabaseConfig holds the local store configuration
type DatabaseConfig struct {
	Path string
}

// SourceConfig holds remote feed source configuration
type SourceConfig struct {
	URL          string
	SelfDID      string
	SelfHandle   string
	MaxParallel  int
	MinSpacingMS int
	MaxAttempts  int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL     string
	Enabled bool
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int
	Host string
}

// CurationConfig holds the filter and statistics configuration
type CurationConfig struct {
	Secret             string
	ViewsPerDay        float64
	IntervalHours      int
	RetentionDays      int
	LookbackDays       int
	PageSize           int
	VarFactor          float64
	AmpMin             float64
	AmpMax             float64
	BoostAmplification bool
}

// CacheConfig holds feed cache tuning knobs
type CacheConfig struct {
	CleanupDebounceSec int
	IntegritySample    int
	LookbackMaxBatches int
}

// EditionConfig holds the digest edition schedule
type EditionConfig struct {
	Times    []string // "HH:MM" times of day at which editions flush
	Sections string   // section layout text, one section per line
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Enabled           bool
	JaegerURL         string
	PrometheusEnabled bool
	PrometheusPort    int
	ServiceName       string
}

// Load loads configuration from environment variables and config file
func Load() (*Config, error) {
	// Set defaults
	setDefaults()

	// Load from environment
	viper.SetEnvPrefix("SKY")
	viper.AutomaticEnv()

	// Load from config file if exists
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.curator")
	viper.AddConfigPath("/etc/curator")

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found; this is OK if we have env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Path: getString("database_path", "curator.db"),
		},
		Source: SourceConfig{
			URL:          getString("source_url", "https://bsky.social"),
			SelfDID:      getString("self_did", ""),
			SelfHandle:   getString("self_handle", ""),
			MaxParallel:  getInt("source_max_parallel", 3),
			MinSpacingMS: getInt("source_min_spacing_ms", 100),
			MaxAttempts:  getInt("source_max_attempts", 4),
		},
		Redis: RedisConfig{
			URL:     getString("redis_url", ""),
			Enabled: getString("redis_url", "") != "",
		},
		Server: ServerConfig{
			Port: getInt("http_server_port", 8080),
			Host: getString("http_server_host", "0.0.0.0"),
		},
		Curation: CurationConfig{
			Secret:             getString("curation_secret", ""),
			ViewsPerDay:        getFloat("views_per_day", 200),
			IntervalHours:      getInt("interval_hours", 6),
			RetentionDays:      getInt("retention_days", 14),
			LookbackDays:       getInt("lookback_days", 3),
			PageSize:           getInt("page_size", 30),
			VarFactor:          getFloat("var_factor", 1.5),
			AmpMin:             getFloat("amp_min", 0.125),
			AmpMax:             getFloat("amp_max", 8.0),
			BoostAmplification: getBool("boost_amplification", false),
		},
		Cache: CacheConfig{
			CleanupDebounceSec: getInt("cleanup_debounce_sec", 30),
			IntegritySample:    getInt("integrity_sample", 32),
			LookbackMaxBatches: getInt("lookback_max_batches", 40),
		},
		Edition: EditionConfig{
			Times:    getStringSlice("edition_times", nil),
			Sections: getString("edition_sections", ""),
		},
		Logging: LoggingConfig{
			Level:  getString("log_level", "INFO"),
			Format: getString("log_format", "json"),
		},
		Telemetry: TelemetryConfig{
			Enabled:           getBool("telemetry_enabled", false),
			JaegerURL:         getString("jaeger_url", ""),
			PrometheusEnabled: getBool("prometheus_enabled", false),
			PrometheusPort:    getInt("prometheus_port", 9090),
			ServiceName:       getString("service_name", "curator"),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults() {
	viper.SetDefault("database_path", "curator.db")
	viper.SetDefault("source_url", "https://bsky.social")
	viper.SetDefault("http_server_port", 8080)
	viper.SetDefault("http_server_host", "0.0.0.0")
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("log_format", "json")
	viper.SetDefault("views_per_day", 200)
	viper.SetDefault("interval_hours", 6)
	viper.SetDefault("retention_days", 14)
	viper.SetDefault("lookback_days", 3)
	viper.SetDefault("page_size", 30)
	viper.SetDefault("source_max_parallel", 3)
	viper.SetDefault("telemetry_enabled", false)
	viper.SetDefault("service_name", "curator")
}

func getString(key, defaultValue string) string {
	if viper.IsSet(key) {
		return viper.GetString(key)
	}
	// Also check environment variable directly
	if val := os.Getenv("SKY_" + toEnvKey(key)); val != "" {
		return val
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if viper.IsSet(key) {
		return viper.GetInt(key)
	}
	if val := os.Getenv("SKY_" + toEnvKey(key)); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if viper.IsSet(key) {
		return viper.GetFloat64(key)
	}
	if val := os.Getenv("SKY_" + toEnvKey(key)); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if viper.IsSet(key) {
		return viper.GetBool(key)
	}
	if val := os.Getenv("SKY_" + toEnvKey(key)); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultValue
}

func getStringSlice(key string, defaultValue []string) []string {
	if viper.IsSet(key) {
		return viper.GetStringSlice(key)
	}
	if val := os.Getenv("SKY_" + toEnvKey(key)); val != "" {
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

func toEnvKey(key string) string {
	// Convert snake_case to UPPER_SNAKE_CASE
	result := ""
	for _, r := range key {
		if r == '-' || r == '_' {
			result += "_"
		} else {
			result += strings.ToUpper(string(r))
		}
	}
	return result
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database_path is required")
	}
	if c.Source.URL == "" {
		return fmt.Errorf("source_url is required")
	}
	if c.Curation.IntervalHours <= 0 || 24%c.Curation.IntervalHours != 0 {
		return fmt.Errorf("interval_hours must be a positive divisor of 24, got %d", c.Curation.IntervalHours)
	}
	if c.Curation.ViewsPerDay <= 0 {
		return fmt.Errorf("views_per_day must be positive")
	}
	if c.Curation.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive")
	}
	if c.Curation.RetentionDays <= 0 {
		return fmt.Errorf("retention_days must be positive")
	}
	if c.Curation.LookbackDays <= 0 || c.Curation.LookbackDays > c.Curation.RetentionDays {
		return fmt.Errorf("lookback_days must be positive and within retention_days")
	}
	if c.Curation.AmpMin <= 0 || c.Curation.AmpMax < c.Curation.AmpMin {
		return fmt.Errorf("amp bounds invalid: [%v, %v]", c.Curation.AmpMin, c.Curation.AmpMax)
	}
	if c.Source.MaxParallel <= 0 || c.Source.MaxParallel > 16 {
		return fmt.Errorf("source_max_parallel must be between 1 and 16")
	}
	for _, t := range c.Edition.Times {
		if _, _, err := ParseEditionTime(t); err != nil {
			return err
		}
	}
	return nil
}

// ParseEditionTime parses an "HH:MM" edition time
func ParseEditionTime(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid edition time %q, want HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("invalid edition hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("invalid edition minute in %q", s)
	}
	return hour, minute, nil
}

// EditionSections parses the section layout text into section names
func (c *EditionConfig) EditionSections() []string {
	var sections []string
	for _, line := range strings.Split(c.Sections, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sections = append(sections, line)
	}
	return sections
}
