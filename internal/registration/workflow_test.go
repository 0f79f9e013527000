package registration_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushlab/pushlab/internal/api/models"
	"github.com/pushlab/pushlab/internal/credential"
	"github.com/pushlab/pushlab/internal/preferences"
	"github.com/pushlab/pushlab/internal/registration"
)

type fakeDeviceAPI struct {
	mu    sync.Mutex
	calls []models.DeviceRegistration
	err   error
	gate  chan struct{}
}

func (f *fakeDeviceAPI) RegisterDevice(_ context.Context, reg models.DeviceRegistration) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, reg)
	return f.err
}

func (f *fakeDeviceAPI) Calls() []models.DeviceRegistration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.DeviceRegistration(nil), f.calls...)
}

type fixture struct {
	api      *fakeDeviceAPI
	creds    *credential.MemoryStore
	prefs    *preferences.Store
	workflow *registration.Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		api:   &fakeDeviceAPI{},
		creds: credential.NewMemoryStore(),
		prefs: preferences.NewMemory(),
	}

	w, err := registration.New(registration.Config{
		API:         f.api,
		Credentials: f.creds,
		Preferences: f.prefs,
		DeviceName:  "Test Phone",
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	f.workflow = w

	t.Cleanup(func() {
		_ = w.Close(context.Background())
	})
	return f
}

func (f *fixture) login(t *testing.T) {
	t.Helper()
	require.NoError(t, f.creds.Save(context.Background(), "session-token"))
}

func TestWorkflow_NoSessionIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.workflow.HandlePushToken(ctx, "a1b2"))
	require.NoError(t, f.workflow.AddTag(ctx, "vip"))
	assert.False(t, f.workflow.Trigger(ctx))
	f.workflow.Wait()

	assert.Empty(t, f.api.Calls())
	assert.Zero(t, f.workflow.Stats().Started)

	// State is still recorded for the next session.
	token, ok := f.prefs.PushToken()
	assert.True(t, ok)
	assert.Equal(t, "a1b2", token)
	assert.Equal(t, []string{"vip"}, f.workflow.Tags())
}

func TestWorkflow_NoPushTokenIsNoop(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	assert.False(t, f.workflow.Trigger(context.Background()))
	f.workflow.Wait()
	assert.Empty(t, f.api.Calls())
}

func TestWorkflow_PushTokenTriggersRegistration(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	ctx := context.Background()

	require.NoError(t, f.prefs.SetTags([]string{"beta"}))
	require.NoError(t, f.workflow.HandlePushToken(ctx, " a1b2 "))
	f.workflow.Wait()

	calls := f.api.Calls()
	require.Len(t, calls, 1)

	identifier, err := f.prefs.DeviceIdentifier()
	require.NoError(t, err)

	assert.Equal(t, models.DeviceRegistration{
		DeviceName:       "Test Phone",
		DeviceIdentifier: identifier,
		DeviceToken:      "a1b2",
		BundleID:         registration.DefaultBundleID,
		Environment:      models.EnvironmentSandbox,
		Tags:             []string{"beta"},
	}, calls[0])
}

func TestWorkflow_EmptyPushToken(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.workflow.HandlePushToken(context.Background(), "  "), registration.ErrEmptyPushToken)
}

func TestWorkflow_TagChangesTriggerEach(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	ctx := context.Background()
	require.NoError(t, f.prefs.SetPushToken("a1b2"))

	require.NoError(t, f.workflow.AddTag(ctx, "vip"))
	require.NoError(t, f.workflow.AddTag(ctx, "vip")) // unchanged
	require.NoError(t, f.workflow.AddTag(ctx, "beta"))
	require.NoError(t, f.workflow.RemoveTag(ctx, "vip"))
	require.NoError(t, f.workflow.RemoveTag(ctx, "missing")) // unchanged
	f.workflow.Wait()

	calls := f.api.Calls()
	require.Len(t, calls, 3)

	var tagSets [][]string
	for _, c := range calls {
		tagSets = append(tagSets, c.Tags)
	}
	assert.ElementsMatch(t, [][]string{{"vip"}, {"vip", "beta"}, {"beta"}}, tagSets)
	assert.Equal(t, []string{"beta"}, f.workflow.Tags())
}

func TestWorkflow_ConcurrentTriggersAreIndependent(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	ctx := context.Background()
	require.NoError(t, f.prefs.SetPushToken("a1b2"))

	f.api.gate = make(chan struct{})

	require.NoError(t, f.workflow.AddTag(ctx, "one"))
	require.NoError(t, f.workflow.AddTag(ctx, "two"))

	// Both tasks are in flight before either request completes.
	assert.Eventually(t, func() bool {
		return f.workflow.Stats().Running == 2
	}, time.Second, 5*time.Millisecond)

	close(f.api.gate)
	f.workflow.Wait()

	assert.Len(t, f.api.Calls(), 2)
	assert.Equal(t, int64(2), f.workflow.Stats().Succeeded)
}

func TestWorkflow_FailuresAreSwallowed(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	f.api.err = errors.New("backend down")

	require.NoError(t, f.workflow.HandlePushToken(context.Background(), "a1b2"))
	f.workflow.Wait()

	assert.Len(t, f.api.Calls(), 1, "no retry")
	stats := f.workflow.Stats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Contains(t, stats.LastError, "backend down")
}

func TestWorkflow_Run(t *testing.T) {
	f := newFixture(t)
	f.login(t)

	tokens := make(chan string)
	done := make(chan struct{})
	go func() {
		f.workflow.Run(context.Background(), tokens)
		close(done)
	}()

	tokens <- "first"
	tokens <- ""
	tokens <- "second"
	close(tokens)
	<-done
	f.workflow.Wait()

	calls := f.api.Calls()
	require.Len(t, calls, 2)
	var pushTokens []string
	for _, c := range calls {
		pushTokens = append(pushTokens, c.DeviceToken)
	}
	assert.ElementsMatch(t, []string{"first", "second"}, pushTokens)

	token, _ := f.prefs.PushToken()
	assert.Equal(t, "second", token)
}

func TestWorkflow_RunStopsOnCancel(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.workflow.Run(ctx, make(chan string))
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorkflow_CloseRejectsLateTriggers(t *testing.T) {
	f := newFixture(t)
	f.login(t)
	require.NoError(t, f.prefs.SetPushToken("a1b2"))

	require.NoError(t, f.workflow.Close(context.Background()))
	assert.False(t, f.workflow.Trigger(context.Background()))
	assert.NoError(t, f.workflow.Close(context.Background()))
}

func TestNew_Validation(t *testing.T) {
	_, err := registration.New(registration.Config{})
	assert.Error(t, err)

	_, err = registration.New(registration.Config{
		API:         &fakeDeviceAPI{},
		Credentials: credential.NewMemoryStore(),
		Preferences: preferences.NewMemory(),
		Environment: "staging",
	})
	assert.Error(t, err)
}
