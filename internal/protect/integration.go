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

// ErrNotReady means setup failed for a reason that may go away; retry later.
var ErrNotReady = errors.New("integration not ready")

// Options configures one account.
type Options struct {
	// Environment is the vendor deployment. Zero means production.
	Environment nest.Environment
	// Endpoints overrides the token and auth proxy URLs (tests).
	Endpoints        nest.Endpoints
	Credentials      nest.Credentials
	RequestTimeout   time.Duration
	SubscribeTimeout time.Duration
	ServiceCooldown  time.Duration
	UnknownCooldown  time.Duration
	// OnUpdate and OnAuthFailed are forwarded to the update loop.
	OnUpdate     func(changed []nest.Bucket)
	OnAuthFailed func(err error)
	Logger       *logging.Logger
}

func (o Options) clientConfig() nest.ClientConfig {
	return nest.ClientConfig{
		Environment:      o.Environment,
		Endpoints:        o.Endpoints,
		RequestTimeout:   o.RequestTimeout,
		SubscribeTimeout: o.SubscribeTimeout,
		Logger:           o.logger().Component("nest"),
	}
}

func (o Options) logger() *logging.Logger {
	if o.Logger == nil {
		return logging.Discard()
	}
	return o.Logger
}

// AccountInfo identifies a validated account.
type AccountInfo struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Title  string `json:"title"`
}

// Integration is a set-up account: its client, session, registry, loop and
// dispatcher.
type Integration struct {
	client     *nest.Client
	sessions   *nest.SessionManager
	registry   *Registry
	dispatcher *Dispatcher
	loop       *Loop
	logger     *logging.Logger

	mu           sync.RWMutex
	transportURL string
	userID       string
}

// Setup authenticates, loads the initial snapshot and fills the registry.
// Errors wrap ErrAuthFailed when the credentials were rejected and
// ErrNotReady otherwise. The update loop is not started.
func Setup(ctx context.Context, opts Options) (*Integration, error) {
	logger := opts.logger()
	client := nest.NewClient(opts.clientConfig())
	sessions := nest.NewSessionManager(client, opts.Credentials, logger.Component("session"))

	session, err := sessions.EnsureSession(ctx)
	if err != nil {
		return nil, classifySetupError(err)
	}

	snapshot, err := client.GetInitialSnapshot(ctx, session.AccessToken, session.UserID)
	if err != nil {
		return nil, classifySetupError(err)
	}

	registry := NewRegistry()
	registry.Apply(snapshot.Buckets)
	dispatcher := NewDispatcher()

	in := &Integration{
		client:       client,
		sessions:     sessions,
		registry:     registry,
		dispatcher:   dispatcher,
		logger:       logger,
		transportURL: snapshot.TransportURL(),
		userID:       session.UserID,
	}
	in.loop = NewLoop(client, sessions, registry, dispatcher, snapshot.TransportURL(), snapshot.Buckets, LoopConfig{
		ServiceCooldown: opts.ServiceCooldown,
		UnknownCooldown: opts.UnknownCooldown,
		OnUpdate:        opts.OnUpdate,
		OnAuthFailed:    opts.OnAuthFailed,
		Logger:          logger.Component("loop"),
	})

	logger.Info("Account set up", "userid", session.UserID, "devices", len(registry.Devices()), "buckets", len(snapshot.Buckets))
	return in, nil
}

func classifySetupError(err error) error {
	if nest.IsBadCredentials(err) {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return fmt.Errorf("%w: %w", ErrNotReady, err)
}

// Start launches the update loop.
func (in *Integration) Start(ctx context.Context) {
	in.loop.Start(ctx)
}

// Unload stops the update loop, waits for it and closes the dispatcher.
func (in *Integration) Unload() {
	in.loop.Stop()
	in.dispatcher.Close()
	in.logger.Info("Account unloaded")
}

// Done is closed when the update loop exits.
func (in *Integration) Done() <-chan struct{} {
	return in.loop.Done()
}

// Err returns the terminal loop error.
func (in *Integration) Err() error {
	return in.loop.Err()
}

// Registry returns the device registry.
func (in *Integration) Registry() *Registry {
	return in.registry
}

// Dispatcher returns the notification dispatcher.
func (in *Integration) Dispatcher() *Dispatcher {
	return in.dispatcher
}

// UserID returns the vendor user id of the account.
func (in *Integration) UserID() string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.userID
}

// WriteValue merges values into the bucket named by objectKey. A 401 forces
// one session refresh and one retry.
func (in *Integration) WriteValue(ctx context.Context, objectKey string, values map[string]any) error {
	ops := []nest.MergeOp{nest.NewMergeOp(objectKey, values)}

	session, err := in.sessions.EnsureSession(ctx)
	if err != nil {
		return fmt.Errorf("writing %s: %w", objectKey, err)
	}

	in.mu.RLock()
	transportURL := in.transportURL
	in.mu.RUnlock()

	_, err = in.client.WriteObjects(ctx, session.AccessToken, session.UserID, transportURL, ops)
	if nest.KindOf(err) == nest.KindNotAuthenticated {
		in.logger.Debug("Write rejected with 401, refreshing session", "object_key", objectKey)
		session, err = in.sessions.ForceRefresh(ctx)
		if err != nil {
			return fmt.Errorf("writing %s: %w", objectKey, err)
		}
		_, err = in.client.WriteObjects(ctx, session.AccessToken, session.UserID, transportURL, ops)
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", objectKey, err)
	}

	in.logger.Info("Value written", "object_key", objectKey, "keys", len(values))
	return nil
}

// Snapshot fetches a fresh app-launch snapshot.
func (in *Integration) Snapshot(ctx context.Context) (*nest.Snapshot, error) {
	session, err := in.sessions.EnsureSession(ctx)
	if err != nil {
		return nil, err
	}
	return in.client.GetInitialSnapshot(ctx, session.AccessToken, session.UserID)
}

// ValidateCredentials runs the login flow without keeping any state and
// returns the account identity.
func ValidateCredentials(ctx context.Context, opts Options) (AccountInfo, error) {
	client := nest.NewClient(opts.clientConfig())
	sessions := nest.NewSessionManager(client, opts.Credentials, opts.logger().Component("session"))

	session, err := sessions.EnsureSession(ctx)
	if err != nil {
		return AccountInfo{}, classifySetupError(err)
	}
	snapshot, err := client.GetInitialSnapshot(ctx, session.AccessToken, session.UserID)
	if err != nil {
		return AccountInfo{}, classifySetupError(err)
	}

	email := ""
	for _, b := range snapshot.Buckets {
		if b.ObjectKey == "user."+session.UserID {
			if v, ok := b.Value["email"].(string); ok {
				email = v
			}
			break
		}
	}

	return AccountInfo{UserID: session.UserID, Email: email, Title: EntryTitle(email)}, nil
}
