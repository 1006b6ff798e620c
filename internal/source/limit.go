package source

import (
	"sync"
	"time"
)

// LimitState is the shared "currently rate limited" flag. The access layer
// sets it when the server pushes back; unrelated periodic tasks check it so
// they can skip themselves instead of compounding the limit.
type LimitState struct {
	mu    sync.Mutex
	until time.Time
}

// NewLimitState creates a clear limit state
func NewLimitState() *LimitState {
	return &LimitState{}
}

// IsLimited reports whether the limit is currently in effect
func (s *LimitState) IsLimited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.until)
}

// LimitFor marks the state limited for the given duration. A shorter
// duration never shrinks an existing limit.
func (s *LimitState) LimitFor(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	until := time.Now().Add(d)
	if until.After(s.until) {
		s.until = until
	}
}

// Remaining returns how long the limit still holds, zero when clear
func (s *LimitState) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := time.Until(s.until)
	if d < 0 {
		return 0
	}
	return d
}

// Clear drops the limit immediately
func (s *LimitState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.until = time.Time{}
}
