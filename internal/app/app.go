// Package app wires the client components together from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pushlab/pushlab/internal/config"
	"github.com/pushlab/pushlab/internal/credential"
	"github.com/pushlab/pushlab/internal/gateway"
	"github.com/pushlab/pushlab/internal/preferences"
	"github.com/pushlab/pushlab/internal/provider/resilience"
	"github.com/pushlab/pushlab/internal/registration"
	"github.com/pushlab/pushlab/internal/session"
	"github.com/pushlab/pushlab/internal/telemetry"
	"github.com/pushlab/pushlab/internal/worker"
)

// ServiceName identifies the client in logs and telemetry.
const ServiceName = "pushlab-cli"

// ErrClosed is returned when the app is used after Close.
var ErrClosed = errors.New("app closed")

// Options holds the inputs to New.
type Options struct {
	Config  *config.Config
	Logger  zerolog.Logger
	Version string

	// Transport overrides the HTTP round tripper (optional).
	Transport http.RoundTripper
}

// App is a fully wired client.
type App struct {
	Config       *config.Config
	Logger       zerolog.Logger
	Telemetry    *telemetry.Provider
	Credentials  credential.Store
	Preferences  *preferences.Store
	Gateway      *gateway.Client
	Session      *session.Manager
	Registration *registration.Workflow

	pushTokens chan string
	runDone    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// New builds every component and starts the push token consumer.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	log := opts.Logger

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    ServiceName,
		ServiceVersion: opts.Version,
		Environment:    string(cfg.Environment()),
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	creds, err := openCredentials(cfg)
	if err != nil {
		_ = tp.Shutdown(ctx) //nolint:errcheck // best effort cleanup
		return nil, err
	}

	prefs, err := preferences.Open(cfg.PreferencesPath())
	if err != nil {
		_ = tp.Shutdown(ctx) //nolint:errcheck // best effort cleanup
		return nil, fmt.Errorf("opening preferences: %w", err)
	}

	httpConfig := gateway.HTTPClientConfig()
	httpConfig.Timeout = cfg.HTTPTimeout
	httpConfig.Transport = opts.Transport

	api := gateway.NewClient(gateway.ClientConfig{
		BaseURL:    cfg.APIBaseURL,
		Tokens:     creds,
		HTTPClient: resilience.NewClient(httpConfig),
		UserAgent:  ServiceName + "/" + opts.Version,
		Logger:     log,
		Tracer:     tp.Tracer,
		Meter:      tp.Meter,
	})

	workflow, err := registration.New(registration.Config{
		API:         api,
		Credentials: creds,
		Preferences: prefs,
		DeviceName:  cfg.DeviceName,
		BundleID:    cfg.BundleID,
		Environment: cfg.Environment(),
		Tasks:       worker.NewTaskSet(worker.TaskSetConfig{Logger: log, Timeout: cfg.HTTPTimeout}),
		Logger:      log,
	})
	if err != nil {
		_ = tp.Shutdown(ctx) //nolint:errcheck // best effort cleanup
		return nil, err
	}

	manager, err := session.NewManager(ctx, session.ManagerConfig{
		API:       api,
		Store:     creds,
		Registrar: workflow,
		Logger:    log,
	})
	if err != nil {
		_ = tp.Shutdown(ctx) //nolint:errcheck // best effort cleanup
		return nil, err
	}

	a := &App{
		Config:       cfg,
		Logger:       log,
		Telemetry:    tp,
		Credentials:  creds,
		Preferences:  prefs,
		Gateway:      api,
		Session:      manager,
		Registration: workflow,
		pushTokens:   make(chan string),
		runDone:      make(chan struct{}),
	}

	go func() {
		defer close(a.runDone)
		workflow.Run(context.Background(), a.pushTokens)
	}()

	log.Debug().
		Str("api", cfg.APIBaseURL).
		Str("data_dir", cfg.DataDir).
		Stringer("session", manager.State()).
		Msg("client ready")

	return a, nil
}

func openCredentials(cfg *config.Config) (*credential.FileStore, error) {
	var (
		key []byte
		err error
	)
	if cfg.StoreKey != "" {
		key, err = credential.ParseKey(cfg.StoreKey)
	} else {
		key, err = credential.LoadOrCreateKey(cfg.KeyPath())
	}
	if err != nil {
		return nil, fmt.Errorf("loading credential key: %w", err)
	}

	store, err := credential.NewFileStore(cfg.CredentialPath(), key)
	if err != nil {
		return nil, fmt.Errorf("opening credential store: %w", err)
	}
	return store, nil
}

// SubmitPushToken delivers a platform push token to the registration
// workflow, the way the platform callback would.
func (a *App) SubmitPushToken(ctx context.Context, token string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ErrClosed
	}

	select {
	case a.pushTokens <- token:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the push token consumer, waits for pending registrations and
// flushes telemetry. If ctx expires, pending registrations are cancelled.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.pushTokens)
	a.mu.Unlock()

	<-a.runDone

	var errs []error
	if err := a.Registration.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("waiting for registrations: %w", err))
	}
	if err := a.Telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutting down telemetry: %w", err))
	}
	return errors.Join(errs...)
}
