package sampler

import (
	"fmt"
	"testing"
)

func TestSampleDeterminism(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		parts  []string
	}{
		{
			name:   "single part",
			secret: "s3cret",
			parts:  []string{"at://did:plc:abc/app.bsky.feed.post/3l3qo"},
		},
		{
			name:   "namespaced key",
			secret: "s3cret",
			parts:  []string{"filter", "did:plc:self", "at://did:plc:abc/app.bsky.feed.post/3l3qo"},
		},
		{
			name:   "empty part is still a key",
			secret: "s3cret",
			parts:  []string{""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, err := Sample(tt.secret, tt.parts...)
			if err != nil {
				t.Fatalf("Sample() error: %v", err)
			}
			for i := 0; i < 10; i++ {
				again, err := Sample(tt.secret, tt.parts...)
				if err != nil {
					t.Fatalf("Sample() error: %v", err)
				}
				if again != first {
					t.Fatalf("Sample() not deterministic: %v != %v", again, first)
				}
			}
			if first < 0 || first >= 1 {
				t.Errorf("Sample() = %v, want value in [0, 1)", first)
			}
		})
	}
}

func TestSampleDistinctKeys(t *testing.T) {
	a, _ := Sample("secret", "filter", "self", "post-1")
	b, _ := Sample("secret", "filter", "self", "post-2")
	c, _ := Sample("other-secret", "filter", "self", "post-1")

	if a == b {
		t.Error("different keys should not collide")
	}
	if a == c {
		t.Error("different secrets should not collide")
	}
}

func TestSampleValidation(t *testing.T) {
	if _, err := Sample("", "key"); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := Sample("secret"); err == nil {
		t.Error("expected error for missing key parts")
	}
}

func TestSampleUniformity(t *testing.T) {
	// Rough uniformity check: mean of many draws should sit near 0.5.
	const n = 2000
	var sum float64
	for i := 0; i < n; i++ {
		v, err := Sample("uniform-secret", "post", fmt.Sprintf("%d", i))
		if err != nil {
			t.Fatalf("Sample() error: %v", err)
		}
		sum += v
	}
	mean := sum / n
	if mean < 0.45 || mean > 0.55 {
		t.Errorf("mean of %d samples = %v, want near 0.5", n, mean)
	}
}
