package protect

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrMaxSetupAttempts is returned when the setup retry budget is spent.
var ErrMaxSetupAttempts = errors.New("maximum setup attempts reached")

// BackoffConfig controls the delay between setup retries.
type BackoffConfig struct {
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the wait.
	MaxDelay time.Duration
	// Factor multiplies the wait after each retry.
	Factor float64
	// MaxAttempts limits the retries; Wait returns ErrMaxSetupAttempts once
	// they are spent (0 = unlimited).
	MaxAttempts int
}

// DefaultBackoffConfig returns the setup retry defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 30 * time.Second,
		MaxDelay:     10 * time.Minute,
		Factor:       2.0,
	}
}

// Backoff schedules setup retries with exponential delays.
type Backoff struct {
	config   BackoffConfig
	mu       sync.Mutex
	attempts int
	next     time.Duration
}

// NewBackoff creates a Backoff.
func NewBackoff(config BackoffConfig) *Backoff {
	if config.Factor < 1 {
		config.Factor = 1
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	return &Backoff{config: config, next: config.InitialDelay}
}

// Attempts returns how many waits have started.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// NextDelay returns the wait the next call to Wait will use.
func (b *Backoff) NextDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// Wait sleeps for the current delay and grows the next one. It returns the
// context error when ctx ends first.
func (b *Backoff) Wait(ctx context.Context) error {
	b.mu.Lock()
	if b.config.MaxAttempts > 0 && b.attempts >= b.config.MaxAttempts {
		b.mu.Unlock()
		return ErrMaxSetupAttempts
	}
	b.attempts++
	wait := b.next
	b.next = min(time.Duration(float64(b.next)*b.config.Factor), b.config.MaxDelay)
	b.mu.Unlock()

	return sleep(ctx, wait)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
