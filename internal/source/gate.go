package source

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/skylimit/curator/pkg/config"
	"github.com/skylimit/curator/pkg/logging"
)

// Gate is the bounded-concurrency request queue wrapping every remote
// call: fixed max parallelism, fixed minimum inter-request spacing, and
// retries driven by the shared limit state and retry policy.
type Gate struct {
	sem         *semaphore.Weighted
	spacing     *rate.Limiter
	state       *LimitState
	policy      RetryPolicy
	maxAttempts int
	logger      *zap.Logger
}

// NewGate creates a request gate from source configuration
func NewGate(cfg *config.SourceConfig, state *LimitState) *Gate {
	spacing := rate.NewLimiter(rate.Every(time.Duration(cfg.MinSpacingMS)*time.Millisecond), 1)
	return &Gate{
		sem:         semaphore.NewWeighted(int64(cfg.MaxParallel)),
		spacing:     spacing,
		state:       state,
		policy:      DefaultRetryPolicy(),
		maxAttempts: cfg.MaxAttempts,
		logger:      logging.WithComponent("source-gate"),
	}
}

// State exposes the shared limit state to pollers
func (g *Gate) State() *LimitState {
	return g.state
}

// Do runs one remote call through the gate, retrying transient and
// rate-limit failures per policy. The error surfaces only after retries
// exhaust.
func (g *Gate) Do(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	var lastErr error
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		// Honor an active limit before touching the wire
		if wait := g.state.Remaining(); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
		}
		if err := g.spacing.Wait(ctx); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var rle *RateLimitError
		switch {
		case errors.As(err, &rle):
			delay := g.policy.Delay(attempt, rle.RetryAfter)
			g.state.LimitFor(delay)
			g.logger.Warn("Rate limited",
				zap.String("call", name),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay))
		case IsRetryable(err):
			delay := g.policy.Delay(attempt, 0)
			g.logger.Warn("Transient failure",
				zap.String("call", name),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.Error(err))
			if err := sleepCtx(ctx, delay); err != nil {
				return err
			}
		default:
			return err
		}
	}
	return lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
