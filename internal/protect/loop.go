package protect

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/zorak1103/nest-protect/internal/logging"
	"github.com/zorak1103/nest-protect/internal/nest"
)

// ErrAuthFailed means the stored credentials were rejected and the user has
// to log in again.
var ErrAuthFailed = errors.New("authentication failed")

// Vendor is the subset of the API client the update loop and the
// integration use.
type Vendor interface {
	GetInitialSnapshot(ctx context.Context, accessToken, userID string) (*nest.Snapshot, error)
	Subscribe(ctx context.Context, accessToken, userID, transportURL string, known []nest.Bucket) ([]nest.Bucket, error)
	WriteObjects(ctx context.Context, accessToken, userID, transportURL string, ops []nest.MergeOp) (map[string]any, error)
}

// Sessions is the subset of the session manager the loop uses.
type Sessions interface {
	EnsureSession(ctx context.Context) (*nest.Session, error)
	ForceRefresh(ctx context.Context) (*nest.Session, error)
}

// LoopConfig configures the update loop.
type LoopConfig struct {
	// ServiceCooldown is the wait after a 502, 504 or empty response
	// (default: 2 minutes).
	ServiceCooldown time.Duration
	// UnknownCooldown is the wait after an unclassified failure
	// (default: 5 minutes).
	UnknownCooldown time.Duration
	// OnUpdate is called after every successful cycle with the changed
	// device buckets.
	OnUpdate func(changed []nest.Bucket)
	// OnAuthFailed is called once when the loop stops on bad credentials.
	OnAuthFailed func(err error)
	Logger       *logging.Logger
}

// DefaultLoopConfig returns the loop defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		ServiceCooldown: 2 * time.Minute,
		UnknownCooldown: 5 * time.Minute,
	}
}

// Loop keeps the registry in sync with the vendor through long-poll
// subscribe calls. One subscribe is in flight at a time.
type Loop struct {
	vendor       Vendor
	sessions     Sessions
	registry     *Registry
	dispatcher   *Dispatcher
	transportURL string
	config       LoopConfig
	logger       *logging.Logger

	mu       sync.Mutex
	baseline []nest.Bucket
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	cycles   int
}

// NewLoop creates a loop that starts from baseline, usually the buckets of
// the initial snapshot.
func NewLoop(vendor Vendor, sessions Sessions, registry *Registry, dispatcher *Dispatcher, transportURL string, baseline []nest.Bucket, config LoopConfig) *Loop {
	defaults := DefaultLoopConfig()
	if config.ServiceCooldown <= 0 {
		config.ServiceCooldown = defaults.ServiceCooldown
	}
	if config.UnknownCooldown <= 0 {
		config.UnknownCooldown = defaults.UnknownCooldown
	}
	if config.Logger == nil {
		config.Logger = logging.Discard()
	}

	return &Loop{
		vendor:       vendor,
		sessions:     sessions,
		registry:     registry,
		dispatcher:   dispatcher,
		transportURL: transportURL,
		config:       config,
		logger:       config.Logger,
		baseline:     append([]nest.Bucket(nil), baseline...),
	}
}

// Start runs the loop in a goroutine. Calling Start twice is a no-op.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		err := l.Run(ctx)
		l.mu.Lock()
		l.err = err
		close(l.done)
		l.mu.Unlock()
	}()
}

// Stop cancels the loop and waits for it to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Done is closed when a started loop exits. It is nil before Start.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

// Err returns the terminal error after Done is closed: nil on
// cancellation, ErrAuthFailed on rejected credentials.
func (l *Loop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Baseline returns a copy of the current subscribe baseline.
func (l *Loop) Baseline() []nest.Bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]nest.Bucket(nil), l.baseline...)
}

// Cycles returns the number of successful subscribe cycles.
func (l *Loop) Cycles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cycles
}

// Run blocks until ctx ends (returning nil) or the credentials are rejected
// (returning an error wrapping ErrAuthFailed).
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Update loop started", "transport_url", l.transportURL)
	defer l.logger.Info("Update loop stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		err := l.cycle(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		if stop := l.handleFailure(ctx, err); stop != nil {
			if l.config.OnAuthFailed != nil {
				l.config.OnAuthFailed(stop)
			}
			return stop
		}
	}
}

// cycle runs one subscribe and applies its result.
func (l *Loop) cycle(ctx context.Context) error {
	session, err := l.sessions.EnsureSession(ctx)
	if err != nil {
		return err
	}

	baseline := l.Baseline()
	l.logger.Debug("Subscribing", "objects", len(baseline))

	updates, err := l.vendor.Subscribe(ctx, session.AccessToken, session.UserID, l.transportURL, baseline)
	if err != nil {
		return err
	}

	changed := l.registry.Apply(updates)
	for _, b := range changed {
		l.dispatcher.Send(b)
	}

	l.mu.Lock()
	l.baseline = OverlayBaseline(l.baseline, updates)
	l.cycles++
	l.mu.Unlock()

	l.logger.Debug("Subscribe cycle finished", "objects", len(updates), "devices", len(changed))
	if l.config.OnUpdate != nil && len(changed) > 0 {
		l.config.OnUpdate(changed)
	}
	return nil
}

// handleFailure applies the retry policy for err. It returns a non-nil
// error only when the loop must stop. A NotAuthenticated failure gets one
// forced refresh; a refresh that is itself rejected as NotAuthenticated
// cools down instead of refreshing again.
func (l *Loop) handleFailure(ctx context.Context, err error) error {
	if nest.KindOf(err) != nest.KindNotAuthenticated {
		return l.retryAfter(ctx, err)
	}

	l.logger.Debug("Session expired, refreshing", "error", err)
	_, refreshErr := l.sessions.ForceRefresh(ctx)
	if refreshErr == nil || ctx.Err() != nil {
		return nil
	}
	if nest.KindOf(refreshErr) == nest.KindNotAuthenticated {
		l.logger.Warn("Session refresh rejected, cooling down", "error", refreshErr, "wait", l.config.UnknownCooldown)
		_ = sleep(ctx, l.config.UnknownCooldown)
		return nil
	}
	return l.retryAfter(ctx, refreshErr)
}

// retryAfter handles every kind except NotAuthenticated, which it treats
// like an unclassified failure.
func (l *Loop) retryAfter(ctx context.Context, err error) error {
	switch kind := nest.KindOf(err); kind {
	case nest.KindTransport:
		l.logger.Debug("Subscriber connection lost, retrying", "error", err)
		return nil

	case nest.KindServiceUnavailable:
		l.logger.Warn("Vendor service unavailable, cooling down", "error", err, "wait", l.config.ServiceCooldown)
		_ = sleep(ctx, l.config.ServiceCooldown)
		return nil

	case nest.KindBadCredentials:
		l.logger.Error("Credentials rejected, stopping updates", "error", err)
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)

	default:
		l.logger.Error("Unexpected subscribe failure", "error", err, "kind", kind.String(), "transport_url", l.transportURL, "wait", l.config.UnknownCooldown)
		_ = sleep(ctx, l.config.UnknownCooldown)
		return nil
	}
}
