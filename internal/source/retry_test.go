package source

import (
	"testing"
	"time"
)

func TestDelayFloorsAndCap(t *testing.T) {
	p := DefaultRetryPolicy()
	p.JitterFraction = 0 // deterministic

	tests := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{"first attempt floored to 5s", 0, 5 * time.Second},
		{"second attempt floored to 10s", 1, 10 * time.Second},
		{"third attempt floored to 30s", 2, 30 * time.Second},
		{"later attempts keep the last floor", 3, 30 * time.Second},
		{"exponential growth capped at 60s", 8, 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Delay(tt.attempt, 0); got != tt.want {
				t.Errorf("Delay(%d, 0) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestDelayServerHintWins(t *testing.T) {
	p := DefaultRetryPolicy()

	// The hint plus margin may exceed the cap
	got := p.Delay(0, 90*time.Second)
	if got != 91*time.Second {
		t.Errorf("Delay with 90s hint = %v, want 91s", got)
	}

	got = p.Delay(5, 2*time.Second)
	if got != 3*time.Second {
		t.Errorf("Delay with 2s hint = %v, want 3s regardless of attempt", got)
	}
}

func TestDelayJitterBounds(t *testing.T) {
	p := DefaultRetryPolicy()

	for i := 0; i < 200; i++ {
		d := p.Delay(0, 0)
		if d < 4*time.Second || d > 6*time.Second {
			t.Fatalf("jittered delay %v outside ±20%% of the 5s floor", d)
		}
	}
}

func TestDelayJitterNeverExceedsCap(t *testing.T) {
	p := DefaultRetryPolicy()

	// At the cap the jitter can only widen downward
	for i := 0; i < 200; i++ {
		if d := p.Delay(8, 0); d > p.Cap {
			t.Fatalf("jittered delay %v exceeds the %v cap", d, p.Cap)
		}
	}
}

func TestLimitStateNeverShrinks(t *testing.T) {
	s := NewLimitState()

	if s.IsLimited() {
		t.Fatal("fresh state reports limited")
	}

	s.LimitFor(time.Minute)
	if !s.IsLimited() {
		t.Fatal("state not limited after LimitFor")
	}
	long := s.Remaining()

	// A shorter limit must not shorten the window
	s.LimitFor(time.Second)
	if s.Remaining() < long-100*time.Millisecond {
		t.Errorf("Remaining shrank from %v to %v", long, s.Remaining())
	}

	// A longer one extends it
	s.LimitFor(2 * time.Minute)
	if s.Remaining() <= time.Minute {
		t.Errorf("Remaining = %v after extending to 2m", s.Remaining())
	}

	s.Clear()
	if s.IsLimited() {
		t.Error("state limited after Clear")
	}
	if s.Remaining() != 0 {
		t.Errorf("Remaining = %v after Clear, want 0", s.Remaining())
	}
}
