package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zorak1103/nest-protect/internal/config"
	"github.com/zorak1103/nest-protect/internal/entity"
	"github.com/zorak1103/nest-protect/internal/logging"
	"github.com/zorak1103/nest-protect/internal/mqtt"
	"github.com/zorak1103/nest-protect/internal/nest"
	"github.com/zorak1103/nest-protect/internal/protect"
	"github.com/zorak1103/nest-protect/internal/server"
	"github.com/zorak1103/nest-protect/internal/store"
	"github.com/zorak1103/nest-protect/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// daemon runs one account and the surfaces that expose it.
type daemon struct {
	cfg       *config.Config
	endpoints nest.Endpoints
	logger    *logging.Logger
	store     *store.Store
	entry     protect.Entry

	entities  *entity.Registry
	server    *server.Server
	publisher *mqtt.Publisher
	recorder  *telemetry.Recorder
}

func newDaemon(cfg *config.Config, endpoints nest.Endpoints, st *store.Store, entry protect.Entry, logger *logging.Logger) *daemon {
	entities := entity.NewRegistry()
	return &daemon{
		cfg:       cfg,
		endpoints: endpoints,
		logger:    logger,
		store:     st,
		entry:     entry,
		entities:  entities,
		server:    server.NewServer(entities, cfg.Server.Port, logger.Component("server")),
	}
}

// run serves the HTTP API and supervises the account until ctx ends.
func (d *daemon) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(d.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return d.server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return d.runAccount(gctx)
	})

	return g.Wait()
}

// runAccount sets up the account with retries, wires the publishers and
// blocks until ctx ends or the credentials are rejected. A rejected account
// stays in auth_failed so /health reports it until the next login.
func (d *daemon) runAccount(ctx context.Context) error {
	opts, err := d.options()
	if err != nil {
		d.setState(ctx, protect.StateSetupError)
		return err
	}

	in, err := d.setup(ctx, opts)
	switch {
	case errors.Is(err, protect.ErrAuthFailed):
		d.logger.Error("Credentials rejected, run 'nest-protect login' to re-authenticate", "error", err)
		return nil
	case errors.Is(err, protect.ErrMaxSetupAttempts):
		d.logger.Error("Setup abandoned, restart to try again", "attempts", d.cfg.Updates.SetupMaxAttempts, "error", err)
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	d.entities.Sync(in.Registry().Devices(), in.Registry().Areas())
	d.logger.Info("Entities registered", "count", d.entities.Count())
	d.entities.LogRegistered(d.logger)

	broker := d.startMQTT(in)
	influx := d.startTelemetry(ctx, in)

	d.server.SetIntegration(in)
	d.setState(ctx, protect.StateLoaded)
	in.Start(ctx)

	select {
	case <-ctx.Done():
	case <-in.Done():
	}

	d.server.SetIntegration(nil)
	in.Unload()
	if d.publisher != nil {
		d.publisher.Close()
		broker.Close()
	}
	if influx != nil {
		d.recorder.Flush()
		influx.Close()
	}

	if err := in.Err(); errors.Is(err, protect.ErrAuthFailed) {
		d.logger.Error("Credentials rejected, run 'nest-protect login' to re-authenticate", "error", err)
		return nil
	}
	d.setState(context.Background(), protect.StateNotLoaded)
	return nil
}

// setup retries protect.Setup with exponential backoff until it succeeds,
// the credentials are rejected, the retry budget is spent or ctx ends.
func (d *daemon) setup(ctx context.Context, opts protect.Options) (*protect.Integration, error) {
	bc := protect.DefaultBackoffConfig()
	bc.InitialDelay = d.cfg.Updates.SetupInitialDelay
	bc.MaxDelay = d.cfg.Updates.SetupMaxDelay
	bc.MaxAttempts = d.cfg.Updates.SetupMaxAttempts
	backoff := protect.NewBackoff(bc)

	for {
		in, err := protect.Setup(ctx, opts)
		if err == nil {
			return in, nil
		}
		if errors.Is(err, protect.ErrAuthFailed) {
			d.setState(ctx, protect.StateAuthFailed)
			return nil, err
		}

		d.setState(ctx, protect.StateSetupRetry)
		d.logger.Warn("Setup failed, retrying", "error", err, "attempt", backoff.Attempts()+1, "retry_in", backoff.NextDelay())
		if waitErr := backoff.Wait(ctx); waitErr != nil {
			if errors.Is(waitErr, protect.ErrMaxSetupAttempts) {
				d.setState(ctx, protect.StateSetupError)
				return nil, fmt.Errorf("%w: %w", waitErr, err)
			}
			return nil, fmt.Errorf("setup: %w", err)
		}
	}
}

func (d *daemon) options() (protect.Options, error) {
	env, err := nest.LookupEnvironment(d.entry.AccountType, d.cfg.Nest.Host, d.cfg.Nest.ClientID)
	if err != nil {
		return protect.Options{}, err
	}
	return protect.Options{
		Environment:      env,
		Endpoints:        d.endpoints,
		Credentials:      d.entry.Credentials,
		RequestTimeout:   d.cfg.Nest.RequestTimeout,
		SubscribeTimeout: d.cfg.Nest.SubscribeTimeout,
		ServiceCooldown:  d.cfg.Updates.ServiceCooldown,
		UnknownCooldown:  d.cfg.Updates.UnknownCooldown,
		OnUpdate:         d.onUpdate,
		OnAuthFailed: func(error) {
			d.setState(context.Background(), protect.StateAuthFailed)
		},
		Logger: d.logger,
	}, nil
}

func (d *daemon) startMQTT(in *protect.Integration) mqtt.Broker {
	if !d.cfg.MQTT.Enabled {
		return nil
	}
	logger := d.logger.Component("mqtt")
	publisher := mqtt.NewPublisher(mqtt.Options{
		DiscoveryPrefix: d.cfg.MQTT.DiscoveryPrefix,
		BaseTopic:       d.cfg.MQTT.BaseTopic,
		QoS:             byte(d.cfg.MQTT.QoS),
	}, d.entities, in.Registry(), in, logger)

	broker, err := mqtt.Dial(d.cfg.MQTT, publisher.AvailabilityTopic(), publisher.OnConnect, logger)
	if err != nil {
		logger.Error("MQTT disabled, broker connection failed", "broker", d.cfg.MQTT.Broker, "error", err)
		return nil
	}
	d.publisher = publisher
	return broker
}

func (d *daemon) startTelemetry(ctx context.Context, in *protect.Integration) *telemetry.Client {
	if !d.cfg.Influx.Enabled {
		return nil
	}
	logger := d.logger.Component("influx")
	client, err := telemetry.Connect(ctx, d.cfg.Influx, logger)
	if err != nil {
		logger.Error("Telemetry disabled", "url", d.cfg.Influx.URL, "error", err)
		return nil
	}
	d.recorder = telemetry.NewRecorder(client, logger)
	for _, b := range in.Registry().Devices() {
		d.recorder.Record(b, d.entities.ForObject(b.ObjectKey))
	}
	return client
}

// onUpdate runs on the loop goroutine after every cycle that changed devices.
func (d *daemon) onUpdate(changed []nest.Bucket) {
	in := d.server.Integration()
	if in == nil {
		return
	}

	added, removed := d.entities.Sync(in.Registry().Devices(), in.Registry().Areas())
	if len(added) > 0 || len(removed) > 0 {
		d.logger.Info("Entities changed", "added", len(added), "removed", len(removed))
	}

	if d.publisher != nil {
		d.publisher.Remove(removed)
		d.publisher.Discover(added)
		for _, b := range changed {
			d.publisher.PublishDevice(b)
		}
	}
	if d.recorder != nil {
		for _, b := range changed {
			d.recorder.Record(b, d.entities.ForObject(b.ObjectKey))
		}
	}
}

// setState reports state on /health and persists it on stored entries.
func (d *daemon) setState(ctx context.Context, state protect.EntryState) {
	d.server.SetState(state)
	if d.entry.ID == "" || d.store == nil {
		return
	}
	if err := d.store.SetEntryState(ctx, d.entry.ID, state); err != nil {
		d.logger.Warn("Failed to persist entry state", "entry_id", d.entry.ID, "state", state, "error", err)
	}
}
