// Package sampler maps a secret and a namespaced key to a stable
// pseudo-random value in [0, 1). The mapping is a keyed hash, so the same
// inputs yield the same output within and across process runs, which makes
// re-curation idempotent.
package sampler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
)

// Sample returns a deterministic value in [0, 1) for the given secret and
// key parts. Parts are joined with ':' to form the namespaced key.
func Sample(secret string, parts ...string) (float64, error) {
	if secret == "" {
		return 0, fmt.Errorf("sampler: secret must not be empty")
	}
	if len(parts) == 0 {
		return 0, fmt.Errorf("sampler: at least one key part is required")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(parts, ":")))
	sum := mac.Sum(nil)

	// Keep 53 bits so the division is exact and the result stays below 1.
	n := binary.BigEndian.Uint64(sum[:8]) >> 11
	return float64(n) / float64(1<<53), nil
}
