// Package app builds the long-lived components shared by the CLI commands
// and the HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/api/option"

	"github.com/lehigh-university-libraries/ephemera/internal/batch"
	"github.com/lehigh-university-libraries/ephemera/internal/cataloging"
	"github.com/lehigh-university-libraries/ephemera/internal/cloudsync"
	"github.com/lehigh-university-libraries/ephemera/internal/config"
	"github.com/lehigh-university-libraries/ephemera/internal/images"
	"github.com/lehigh-university-libraries/ephemera/internal/mirror"
	"github.com/lehigh-university-libraries/ephemera/internal/providers"
	"github.com/lehigh-university-libraries/ephemera/internal/storage"
	"github.com/lehigh-university-libraries/ephemera/internal/store"
)

// App holds the wired components. Mirror and Sync are nil when no cloud
// backend is configured.
type App struct {
	Settings  *config.Settings
	Store     *store.Store
	Processor *batch.Processor
	Progress  *storage.ProgressStore
	Cataloger *cataloging.Service
	Fetcher   *images.Fetcher
	Mirror    *mirror.Mirror
	Sync      *cloudsync.Orchestrator
	Registry  *prometheus.Registry

	logger *slog.Logger
}

type options struct {
	provider providers.Provider
	remote   mirror.Remote
	logger   *slog.Logger
	storeOpt []store.Option
	batchOpt []batch.Option
	cloudOpt []option.ClientOption
}

type Option func(*options)

// WithProvider replaces the provider built from settings.
func WithProvider(p providers.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithRemote replaces the remote built from settings and enables the mirror.
func WithRemote(r mirror.Remote) Option {
	return func(o *options) { o.remote = r }
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithStoreOptions passes extra options to store.Open.
func WithStoreOptions(opts ...store.Option) Option {
	return func(o *options) { o.storeOpt = append(o.storeOpt, opts...) }
}

// WithFirestoreOptions passes extra client options to the Firestore remote,
// for instance a token source for a signed-in user.
func WithFirestoreOptions(opts ...option.ClientOption) Option {
	return func(o *options) { o.cloudOpt = append(o.cloudOpt, opts...) }
}

// WithBatchOptions passes extra options to the processor.
func WithBatchOptions(opts ...batch.Option) Option {
	return func(o *options) { o.batchOpt = append(o.batchOpt, opts...) }
}

// New opens the store and wires the processor, mirror and orchestrator.
func New(ctx context.Context, s *config.Settings, opts ...Option) (*App, error) {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		Settings: s,
		Progress: storage.New(),
		Fetcher:  images.NewFetcher(),
		Registry: prometheus.NewRegistry(),
		logger:   o.logger,
	}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	provider := o.provider
	if provider == nil {
		p, err := cataloging.NewProvider(s.ProviderSettings())
		if err != nil {
			return nil, err
		}
		provider = p
	}
	a.Cataloger = cataloging.NewService(provider, s.Provider.Model,
		cataloging.WithTimeout(s.Provider.Timeout),
		cataloging.WithTemperature(s.Provider.Temperature),
		cataloging.WithLogger(o.logger),
	)

	storeOpts := append([]store.Option{store.WithLogger(o.logger)}, o.storeOpt...)
	st, err := store.Open(ctx, s.Storage.Path, storeOpts...)
	if err != nil {
		return nil, err
	}
	a.Store = st

	remote := o.remote
	if remote == nil && s.CloudEnabled() {
		remote, err = newRemote(ctx, s, o.cloudOpt)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	batchMetrics, err := batch.NewMetrics(a.Registry)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	batchOpts := []batch.Option{
		batch.WithLogger(o.logger),
		batch.WithMetrics(batchMetrics),
		batch.WithObserver(a.Progress.Observe),
		batch.WithDelay(s.Batch.Delay),
	}

	if remote != nil {
		mirrorMetrics, err := mirror.NewMetrics(a.Registry)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		a.Mirror = mirror.New(remote,
			mirror.WithLogger(o.logger),
			mirror.WithMetrics(mirrorMetrics),
			mirror.WithQueueSize(s.Cloud.QueueSize),
			mirror.WithMaxPayload(s.Cloud.MaxDocumentBytes),
			mirror.WithPushTimeout(s.Cloud.PushTimeout),
			mirror.WithOfflineState(mirror.NewOfflineState(s.Cloud.OfflineAfter)),
		)
		batchOpts = append(batchOpts, batch.WithMirror(a.Mirror))
	}

	a.Processor = batch.NewProcessor(st, a.Cataloger, append(batchOpts, o.batchOpt...)...)

	if a.Mirror != nil {
		a.Sync = cloudsync.New(st, a.Mirror, a.Processor,
			cloudsync.WithLogger(o.logger),
			cloudsync.WithPushConcurrency(s.Cloud.PushConcurrency),
		)
	}
	return a, nil
}

func newRemote(ctx context.Context, s *config.Settings, extra []option.ClientOption) (mirror.Remote, error) {
	switch s.Cloud.Backend {
	case "memory":
		return mirror.NewMemoryRemote(), nil
	case "firestore":
		var opts []option.ClientOption
		if s.Cloud.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(s.Cloud.CredentialsFile))
		}
		opts = append(opts, extra...)
		return mirror.NewFirestoreRemote(ctx, s.Cloud.ProjectID, s.Cloud.Database, opts...)
	default:
		return nil, fmt.Errorf("unknown cloud backend %q", s.Cloud.Backend)
	}
}

// Start launches the mirror worker, marks the store ready and signs in the
// configured user, pulling on the way.
func (a *App) Start(ctx context.Context) error {
	if a.Sync == nil {
		return nil
	}
	a.Mirror.Start(ctx)
	a.Sync.MarkReady()

	if a.Settings.Cloud.UserID == "" {
		return nil
	}
	res, err := a.Sync.SignIn(ctx, cloudsync.Identity{UserID: a.Settings.Cloud.UserID})
	if err != nil {
		a.logger.Warn("Initial cloud pull failed, continuing offline", "user_id", a.Settings.Cloud.UserID, "err", err)
		return nil
	}
	if res != nil {
		a.logger.Info("Pulled from cloud", "batches", res.Batches, "inventory", res.Inventory, "bootstrapped", res.Bootstrapped)
	}
	return nil
}

// Close waits for batch runs, drains the mirror queue and closes the store.
func (a *App) Close() error {
	a.Processor.Wait()
	if a.Mirror != nil {
		a.Mirror.Close()
	}
	return a.Store.Close()
}
