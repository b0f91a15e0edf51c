package retry

import (
	"context"
	"math/rand"
	"time"

	"bizmsg/internal/constants"
	"bizmsg/internal/models"
)

// BackoffConfig describes an exponential backoff schedule.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Jitter       bool
}

// DefaultBackoffConfig is the schedule used for startup operations such as opening the store.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   constants.DefaultBackoffMultiplier,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// FromQueueConfig converts the per-message retry settings into a schedule. A zero
// InitialDelay means messages become eligible again on the very next drain.
func FromQueueConfig(cfg models.RetryBackoffConfig) BackoffConfig {
	bc := BackoffConfig{
		InitialDelay: time.Duration(cfg.InitialDelayMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		Multiplier:   cfg.Multiplier,
		MaxAttempts:  1,
		Jitter:       cfg.Jitter,
	}
	if bc.Multiplier < 1 {
		bc.Multiplier = constants.DefaultBackoffMultiplier
	}
	if bc.MaxDelay <= 0 {
		bc.MaxDelay = time.Duration(constants.DefaultRetryBackoffMaxMs) * time.Millisecond
	}
	return bc
}

// Backoff computes delays for an exponential schedule with optional ±25% jitter.
type Backoff struct {
	config BackoffConfig
}

func NewBackoff(config BackoffConfig) *Backoff {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	return &Backoff{config: config}
}

// Enabled reports whether the schedule produces any delay at all.
func (b *Backoff) Enabled() bool {
	return b != nil && b.config.InitialDelay > 0
}

// Retry runs operation until it succeeds or MaxAttempts is reached.
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate is Retry, stopping early on errors isRetryable rejects.
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == b.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Delay(attempt)):
		}
	}

	return lastErr
}

// Delay returns the wait after the given 1-based failed attempt.
func (b *Backoff) Delay(attempt int) time.Duration {
	if !b.Enabled() {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.config.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= b.config.Multiplier
		if delay > float64(b.config.MaxDelay) {
			break
		}
	}
	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	if b.config.Jitter {
		jitter := delay * 0.25
		delay += (rand.Float64() - 0.5) * 2 * jitter
		if delay < float64(b.config.InitialDelay)/2 {
			delay = float64(b.config.InitialDelay) / 2
		}
		if delay > float64(b.config.MaxDelay) {
			delay = float64(b.config.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// NextAttemptAt returns when a message that just failed its attempt-th send may be
// retried, or nil when the schedule is disabled.
func (b *Backoff) NextAttemptAt(now time.Time, attempt int) *time.Time {
	if !b.Enabled() {
		return nil
	}
	at := now.Add(b.Delay(attempt))
	return &at
}
