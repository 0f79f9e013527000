package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushlab/pushlab/internal/api/models"
	"github.com/pushlab/pushlab/internal/apitest"
	"github.com/pushlab/pushlab/internal/app"
	"github.com/pushlab/pushlab/internal/config"
	"github.com/pushlab/pushlab/internal/credential"
	"github.com/pushlab/pushlab/internal/gateway"
	"github.com/pushlab/pushlab/internal/session"
)

func testConfig(t *testing.T, baseURL, dataDir string) *config.Config {
	t.Helper()
	return &config.Config{
		APIBaseURL:      baseURL,
		BundleID:        "com.pushlab.test",
		APNsEnvironment: "sandbox",
		DeviceName:      "Test Phone",
		DataDir:         dataDir,
		HTTPTimeout:     5 * time.Second,
		PageSize:        50,
		LogLevel:        "info",
		LogFormat:       config.LogFormatJSON,
	}
}

func startApp(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), app.Options{
		Config:  cfg,
		Logger:  zerolog.Nop(),
		Version: "test",
	})
	require.NoError(t, err)
	return a
}

func TestApp_EndToEnd(t *testing.T) {
	server := apitest.NewServer(apitest.Config{Logger: zerolog.Nop()})
	defer server.Close()

	user, err := server.CreateUser("alice", "alice@example.com", "s3cret")
	require.NoError(t, err)

	cfg := testConfig(t, server.URL(), t.TempDir())
	ctx := context.Background()

	a := startApp(t, cfg)
	assert.False(t, a.Session.Authenticated())

	// A push token before login is remembered but not sent.
	require.NoError(t, a.SubmitPushToken(ctx, "a1b2c3"))
	require.Eventually(t, func() bool {
		_, ok := a.Preferences.PushToken()
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, server.RequestsTo(http.MethodPost, "/api/v1/devices"))

	_, err = a.Session.Login(ctx, "alice", "s3cret")
	require.NoError(t, err)
	a.Registration.Wait()

	identifier, err := a.Preferences.DeviceIdentifier()
	require.NoError(t, err)

	state, ok := server.Device(user.ID, identifier)
	require.True(t, ok, "login registers the device")
	assert.Equal(t, "Test Phone", state.Device.DeviceName)
	assert.Equal(t, "a1b2c3", state.PushToken)
	assert.Equal(t, "com.pushlab.test", state.BundleID)
	assert.Equal(t, models.EnvironmentSandbox, state.Environment)

	require.NoError(t, a.Registration.AddTag(ctx, "vip"))
	a.Registration.Wait()
	state, _ = server.Device(user.ID, identifier)
	assert.Equal(t, []string{"vip"}, state.Device.Tags)

	devices, err := a.Gateway.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.True(t, devices[0].HasTag("vip"))

	require.NoError(t, a.Close(ctx))
	assert.ErrorIs(t, a.SubmitPushToken(ctx, "late"), app.ErrClosed)
	assert.NoError(t, a.Close(ctx))

	// A restart restores the session from the sealed credential file.
	restarted := startApp(t, cfg)
	defer restarted.Close(ctx)

	assert.Equal(t, session.Authenticated, restarted.Session.State())
	assert.Nil(t, restarted.Session.CurrentUser())
	assert.Equal(t, []string{"vip"}, restarted.Registration.Tags())

	restarted.Session.Logout(ctx)
	_, err = restarted.Gateway.ListDevices(ctx)
	assert.ErrorIs(t, err, gateway.ErrUnauthorized)
	assert.False(t, credential.HasToken(ctx, restarted.Credentials))
}

func TestApp_PushTokenAfterLoginRegisters(t *testing.T) {
	server := apitest.NewServer(apitest.Config{Logger: zerolog.Nop()})
	defer server.Close()

	ctx := context.Background()
	a := startApp(t, testConfig(t, server.URL(), t.TempDir()))

	created, err := a.Session.Register(ctx, "bob", "bob@example.com", "pw")
	require.NoError(t, err)

	// No push token yet: registration is a no-op.
	assert.Empty(t, server.RequestsTo(http.MethodPost, "/api/v1/devices"))

	require.NoError(t, a.SubmitPushToken(ctx, "tok-1"))
	require.NoError(t, a.Close(ctx))

	posts := server.RequestsTo(http.MethodPost, "/api/v1/devices")
	require.Len(t, posts, 1)

	var body map[string]any
	require.NoError(t, json.Unmarshal(posts[0].Body, &body))
	assert.Equal(t, "tok-1", body["device_token"])
	assert.Len(t, server.Devices(created.ID), 1)
}

func TestApp_FailedLoginPersistsNothing(t *testing.T) {
	server := apitest.NewServer(apitest.Config{Logger: zerolog.Nop()})
	defer server.Close()

	ctx := context.Background()
	cfg := testConfig(t, server.URL(), t.TempDir())
	a := startApp(t, cfg)
	defer a.Close(ctx)

	_, err := a.Session.Login(ctx, "ghost", "nope")
	assert.ErrorIs(t, err, session.ErrAuthenticationFailed)
	assert.ErrorIs(t, err, gateway.ErrUnauthorized)
	assert.False(t, a.Session.Authenticated())

	_, statErr := os.Stat(cfg.CredentialPath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := app.New(context.Background(), app.Options{})
	assert.Error(t, err)
}

func TestNew_InvalidStoreKey(t *testing.T) {
	cfg := testConfig(t, "http://localhost:1", t.TempDir())
	cfg.StoreKey = "abcd"

	_, err := app.New(context.Background(), app.Options{Config: cfg, Logger: zerolog.Nop()})
	assert.ErrorIs(t, err, credential.ErrInvalidKey)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := app.NewLogger(&buf, config.LogFormatJSON, zerolog.InfoLevel, app.ServiceName, "1.2.3")

	log.Debug().Msg("hidden")
	log.Info().Str("k", "v").Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "pushlab-cli", entry["service"])
	assert.Equal(t, "1.2.3", entry["version"])
	assert.Equal(t, "v", entry["k"])
}
