// Package registration keeps the backend's device record in step with the
// local push token and tag list.
//
// Every trigger (new push token, new session, tag change) that passes the
// preconditions submits one upsert on a background task. Triggers are not
// merged or ordered, failures are logged and never retried.
package registration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/pushlab/pushlab/internal/api/models"
	"github.com/pushlab/pushlab/internal/credential"
	"github.com/pushlab/pushlab/internal/preferences"
	"github.com/pushlab/pushlab/internal/worker"
)

// DefaultBundleID is reported when no bundle id is configured.
const DefaultBundleID = "com.pushlab.app"

// ErrEmptyPushToken is returned by HandlePushToken for a blank token.
var ErrEmptyPushToken = errors.New("push token must not be empty")

// DeviceAPI submits device registrations to the backend.
type DeviceAPI interface {
	RegisterDevice(ctx context.Context, reg models.DeviceRegistration) error
}

// Config holds the workflow's collaborators.
type Config struct {
	API         DeviceAPI
	Credentials credential.Store
	Preferences *preferences.Store

	// DeviceName is the human readable name sent with each registration.
	DeviceName string

	// BundleID defaults to DefaultBundleID.
	BundleID string

	// Environment defaults to sandbox.
	Environment models.Environment

	// Tasks runs the upserts. If nil, the workflow owns a fresh task set.
	Tasks *worker.TaskSet

	Logger zerolog.Logger
}

// Workflow registers this installation with the backend.
type Workflow struct {
	api         DeviceAPI
	credentials credential.Store
	prefs       *preferences.Store
	deviceName  string
	bundleID    string
	environment models.Environment
	tasks       *worker.TaskSet
	logger      zerolog.Logger
}

// New creates a registration workflow.
func New(cfg Config) (*Workflow, error) {
	if cfg.API == nil {
		return nil, errors.New("registration: device API is required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("registration: credential store is required")
	}
	if cfg.Preferences == nil {
		return nil, errors.New("registration: preference store is required")
	}

	bundleID := cfg.BundleID
	if bundleID == "" {
		bundleID = DefaultBundleID
	}
	environment := cfg.Environment
	if environment == "" {
		environment = models.EnvironmentSandbox
	}
	if !environment.Valid() {
		return nil, fmt.Errorf("registration: unknown APNs environment %q", environment)
	}

	logger := cfg.Logger.With().Str("component", "registration").Logger()

	tasks := cfg.Tasks
	if tasks == nil {
		tasks = worker.NewTaskSet(worker.TaskSetConfig{Logger: cfg.Logger})
	}

	return &Workflow{
		api:         cfg.API,
		credentials: cfg.Credentials,
		prefs:       cfg.Preferences,
		deviceName:  cfg.DeviceName,
		bundleID:    bundleID,
		environment: environment,
		tasks:       tasks,
		logger:      logger,
	}, nil
}

// Trigger submits a registration if a session token exists and a push token
// is pending. Returns true when a task was started.
func (w *Workflow) Trigger(ctx context.Context) bool {
	if !credential.HasToken(ctx, w.credentials) {
		w.logger.Debug().Msg("no session, skipping registration")
		return false
	}

	pushToken, ok := w.prefs.PushToken()
	if !ok {
		w.logger.Debug().Msg("no push token yet, skipping registration")
		return false
	}

	identifier, err := w.prefs.DeviceIdentifier()
	if err != nil {
		w.logger.Error().Err(err).Msg("device identifier unavailable")
		return false
	}

	// Snapshot now so each task carries the state of its own trigger.
	reg := models.DeviceRegistration{
		DeviceName:       w.deviceName,
		DeviceIdentifier: identifier,
		DeviceToken:      pushToken,
		BundleID:         w.bundleID,
		Environment:      w.environment,
		Tags:             w.prefs.Tags(),
	}

	return w.tasks.Go("register device", func(ctx context.Context) error {
		if err := w.api.RegisterDevice(ctx, reg); err != nil {
			return fmt.Errorf("registering device %s: %w", reg.DeviceIdentifier, err)
		}
		w.logger.Info().
			Str("device_identifier", reg.DeviceIdentifier).
			Strs("tags", reg.Tags).
			Msg("device registered")
		return nil
	})
}

// HandlePushToken records a push token delivered by the platform and
// triggers a registration.
func (w *Workflow) HandlePushToken(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrEmptyPushToken
	}
	if err := w.prefs.SetPushToken(token); err != nil {
		return err
	}
	w.Trigger(ctx)
	return nil
}

// Run consumes push tokens until ctx is done or tokens is closed.
func (w *Workflow) Run(ctx context.Context, tokens <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case token, ok := <-tokens:
			if !ok {
				return
			}
			if err := w.HandlePushToken(ctx, token); err != nil {
				w.logger.Warn().Err(err).Msg("ignoring push token")
			}
		}
	}
}

// Tags returns the locally requested device tags.
func (w *Workflow) Tags() []string {
	return w.prefs.Tags()
}

// AddTag adds a tag locally and triggers a registration if the list changed.
func (w *Workflow) AddTag(ctx context.Context, tag string) error {
	changed, err := w.prefs.AddTag(tag)
	if err != nil {
		return err
	}
	if changed {
		w.Trigger(ctx)
	}
	return nil
}

// RemoveTag removes a tag locally and triggers a registration if the list changed.
func (w *Workflow) RemoveTag(ctx context.Context, tag string) error {
	changed, err := w.prefs.RemoveTag(tag)
	if err != nil {
		return err
	}
	if changed {
		w.Trigger(ctx)
	}
	return nil
}

// Wait blocks until every registration started so far has finished.
func (w *Workflow) Wait() {
	w.tasks.Wait()
}

// Stats reports task counters for submitted registrations.
func (w *Workflow) Stats() worker.TaskStats {
	return w.tasks.Stats()
}

// Close stops accepting triggers and waits for in-flight registrations,
// cancelling them if ctx expires first.
func (w *Workflow) Close(ctx context.Context) error {
	err := w.tasks.Shutdown(ctx)
	if errors.Is(err, worker.ErrClosed) {
		return nil
	}
	return err
}
