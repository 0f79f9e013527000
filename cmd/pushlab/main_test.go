package main

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushlab/pushlab/internal/api/models"
	"github.com/pushlab/pushlab/internal/apitest"
)

type result struct {
	code   int
	stdout string
	stderr string
}

func setupEnv(t *testing.T, baseURL string) {
	t.Helper()
	t.Setenv("PUSHLAB_API_BASE_URL", baseURL)
	t.Setenv("PUSHLAB_DATA_DIR", t.TempDir())
	t.Setenv("PUSHLAB_DEVICE_NAME", "CLI Phone")
	t.Setenv("PUSHLAB_LOG_FORMAT", "json")
	t.Setenv("PUSHLAB_LOG_LEVEL", "error")
	t.Setenv("PUSHLAB_HTTP_TIMEOUT", "5s")
}

func runCLI(t *testing.T, stdin string, args ...string) result {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return result{code: code, stdout: stdout.String(), stderr: stderr.String()}
}

func TestRun_Version(t *testing.T) {
	res := runCLI(t, "", "-version")
	assert.Equal(t, 0, res.code)
	assert.Contains(t, res.stdout, "pushlab dev")
}

func TestRun_UsageErrors(t *testing.T) {
	server := apitest.NewServer(apitest.Config{Logger: zerolog.Nop()})
	defer server.Close()
	setupEnv(t, server.URL())

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no command", nil, "Usage: pushlab"},
		{"unknown command", []string{"frobnicate"}, `unknown command "frobnicate"`},
		{"missing notification id", []string{"notification"}, "usage: pushlab notification <id>"},
		{"bad devices subcommand", []string{"devices", "explode"}, "usage: pushlab devices"},
		{"tags add without tag", []string{"tags", "add"}, "usage: pushlab tags"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runCLI(t, "", tt.args...)
			assert.Equal(t, 2, res.code)
			assert.Contains(t, res.stderr, tt.want)
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	setupEnv(t, "http://localhost:1")
	t.Setenv("PUSHLAB_APNS_ENVIRONMENT", "staging")

	res := runCLI(t, "", "status")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "configuration")
}

func TestRun_SessionLifecycle(t *testing.T) {
	server := apitest.NewServer(apitest.Config{Logger: zerolog.Nop()})
	defer server.Close()
	setupEnv(t, server.URL())

	res := runCLI(t, "", "status")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "unauthenticated")

	res = runCLI(t, "", "register", "-username", "alice", "-email", "alice@example.com", "-password", "pw")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Account alice created")

	// The push token arrives after sign-in and registers the device.
	res = runCLI(t, "", "push-token", "feedbeef")
	require.Equal(t, 0, res.code, res.stderr)

	res = runCLI(t, "", "devices", "list")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "CLI Phone")

	res = runCLI(t, "", "tags", "add", "beta")
	require.Equal(t, 0, res.code, res.stderr)

	res = runCLI(t, "", "tags")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Equal(t, "beta\n", res.stdout)

	res = runCLI(t, "", "devices")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "beta")

	res = runCLI(t, "", "status")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "authenticated")
	assert.Contains(t, res.stdout, "Push token:  yes")

	res = runCLI(t, "", "logout")
	require.Equal(t, 0, res.code, res.stderr)

	res = runCLI(t, "", "devices", "list")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "not signed in")
}

func TestRun_LoginPrompts(t *testing.T) {
	server := apitest.NewServer(apitest.Config{Logger: zerolog.Nop()})
	defer server.Close()
	setupEnv(t, server.URL())

	_, err := server.CreateUser("bob", "bob@example.com", "hunter2")
	require.NoError(t, err)

	res := runCLI(t, "bob\n", "login", "-password", "hunter2")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Username: ")
	assert.Contains(t, res.stdout, "Signed in as bob")

	res = runCLI(t, "", "login", "-username", "bob", "-password", "wrong")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "authentication failed")
}

func TestRun_NotificationsAndAPIKey(t *testing.T) {
	server := apitest.NewServer(apitest.Config{Logger: zerolog.Nop()})
	defer server.Close()
	setupEnv(t, server.URL())

	user, err := server.CreateUser("carol", "carol@example.com", "pw")
	require.NoError(t, err)

	res := runCLI(t, "", "notifications")
	require.Equal(t, 1, res.code)

	res = runCLI(t, "", "login", "-username", "carol", "-password", "pw")
	require.Equal(t, 0, res.code, res.stderr)

	res = runCLI(t, "", "notifications")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "No notifications")

	title := "Deploy finished"
	n := server.AddNotification(user.ID, models.PushNotification{Title: &title, Body: "build 42 is live"})

	res = runCLI(t, "", "notifications", "-limit", "10")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "Deploy finished")

	res = runCLI(t, "", "notification", n.ID)
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "build 42 is live")
	assert.Contains(t, res.stdout, "Deliveries:")

	res = runCLI(t, "", "apikey")
	require.Equal(t, 0, res.code, res.stderr)
	assert.True(t, strings.HasPrefix(res.stdout, "pk_"))
}

func TestRun_Health(t *testing.T) {
	server := apitest.NewServer(apitest.Config{Logger: zerolog.Nop()})
	defer server.Close()
	setupEnv(t, server.URL())

	res := runCLI(t, "", "health")
	require.Equal(t, 0, res.code, res.stderr)
	assert.Contains(t, res.stdout, "status=ok")

	server.SetHealthy(false)
	res = runCLI(t, "", "health")
	assert.Equal(t, 1, res.code)
}

func TestRun_OtherAccountsDeviceIsForbidden(t *testing.T) {
	server := apitest.NewServer(apitest.Config{Logger: zerolog.Nop()})
	defer server.Close()
	setupEnv(t, server.URL())

	alice, err := server.CreateUser("alice", "alice@example.com", "pw")
	require.NoError(t, err)

	res := runCLI(t, "", "login", "-username", "alice", "-password", "pw")
	require.Equal(t, 0, res.code, res.stderr)
	res = runCLI(t, "", "push-token", "feedbeef")
	require.Equal(t, 0, res.code, res.stderr)

	devices := server.Devices(alice.ID)
	require.Len(t, devices, 1)

	res = runCLI(t, "", "register", "-username", "bob", "-email", "bob@example.com", "-password", "pw")
	require.Equal(t, 0, res.code, res.stderr)

	res = runCLI(t, "", "devices", "get", devices[0].ID)
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "access denied")
	assert.NotContains(t, res.stderr, "not signed in")

	// The session survives the refusal.
	res = runCLI(t, "", "status")
	require.Equal(t, 0, res.code, res.stderr)
	assert.NotContains(t, res.stdout, "unauthenticated")
}

func TestRun_NotificationsRejectsOutOfRangeLimit(t *testing.T) {
	server := apitest.NewServer(apitest.Config{Logger: zerolog.Nop()})
	defer server.Close()
	setupEnv(t, server.URL())

	_, err := server.CreateUser("dave", "dave@example.com", "pw")
	require.NoError(t, err)
	res := runCLI(t, "", "login", "-username", "dave", "-password", "pw")
	require.Equal(t, 0, res.code, res.stderr)

	res = runCLI(t, "", "notifications", "-limit", "500")
	assert.Equal(t, 1, res.code)
	assert.Contains(t, res.stderr, "limit must be between 1 and 100")
	assert.Empty(t, server.RequestsTo(http.MethodGet, "/api/v1/notifications"))
}
