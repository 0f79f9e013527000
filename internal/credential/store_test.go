package credential_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushlab/pushlab/internal/credential"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, credential.KeySize)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := credential.NewMemoryStore()

	_, err := store.Get(ctx)
	assert.ErrorIs(t, err, credential.ErrNotFound)
	assert.False(t, credential.HasToken(ctx, store))

	require.NoError(t, store.Save(ctx, "tok-1"))
	token, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token)
	assert.True(t, credential.HasToken(ctx, store))

	assert.ErrorIs(t, store.Save(ctx, ""), credential.ErrEmptyToken)

	require.NoError(t, store.Delete(ctx))
	require.NoError(t, store.Delete(ctx), "deleting twice is fine")
	_, err = store.Get(ctx)
	assert.ErrorIs(t, err, credential.ErrNotFound)
}

func TestFileStore_RoundTripAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "session.token")

	store, err := credential.NewFileStore(path, testKey(1))
	require.NoError(t, err)

	_, err = store.Get(ctx)
	assert.ErrorIs(t, err, credential.ErrNotFound)

	require.NoError(t, store.Save(ctx, "eyJhbGciOi.session"))

	// A new instance simulates a process restart.
	reopened, err := credential.NewFileStore(path, testKey(1))
	require.NoError(t, err)

	token, err := reopened.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "eyJhbGciOi.session", token)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadOrCreateKey_RefusesExposedKeyFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes are not enforced on windows")
	}

	path := filepath.Join(t.TempDir(), "store.key")
	_, err := credential.LoadOrCreateKey(path)
	require.NoError(t, err)

	require.NoError(t, os.Chmod(path, 0o644))
	_, err = credential.LoadOrCreateKey(path)
	assert.ErrorIs(t, err, credential.ErrKeyFileExposed)

	require.NoError(t, os.Chmod(path, 0o600))
	_, err = credential.LoadOrCreateKey(path)
	assert.NoError(t, err)
}

func TestFileStore_TokenNotStoredInPlaintext(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.token")

	store, err := credential.NewFileStore(path, testKey(2))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "very-secret-token"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "very-secret-token")
}

func TestFileStore_WrongKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.token")

	store, err := credential.NewFileStore(path, testKey(3))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, "token"))

	other, err := credential.NewFileStore(path, testKey(4))
	require.NoError(t, err)

	_, err = other.Get(ctx)
	assert.ErrorIs(t, err, credential.ErrDecryptFailed)
}

func TestFileStore_CorruptFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.token")
	require.NoError(t, os.WriteFile(path, []byte("plain text token"), 0o600))

	store, err := credential.NewFileStore(path, testKey(5))
	require.NoError(t, err)

	_, err = store.Get(ctx)
	assert.ErrorIs(t, err, credential.ErrCorruptStore)
}

func TestFileStore_Delete(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "session.token")

	store, err := credential.NewFileStore(path, testKey(6))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx), "deleting a missing file is fine")
	require.NoError(t, store.Save(ctx, "token"))
	require.NoError(t, store.Delete(ctx))

	_, err = store.Get(ctx)
	assert.ErrorIs(t, err, credential.ErrNotFound)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestNewFileStore_InvalidKey(t *testing.T) {
	_, err := credential.NewFileStore(filepath.Join(t.TempDir(), "t"), []byte("short"))
	assert.ErrorIs(t, err, credential.ErrInvalidKey)
}

func TestParseKey(t *testing.T) {
	key, err := credential.ParseKey("  " + string(bytes.Repeat([]byte("ab"), 32)) + "\n")
	require.NoError(t, err)
	assert.Len(t, key, credential.KeySize)

	_, err = credential.ParseKey("abcd")
	assert.ErrorIs(t, err, credential.ErrInvalidKey)

	_, err = credential.ParseKey("zz")
	assert.Error(t, err)
}

func TestLoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "master.key")

	first, err := credential.LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Len(t, first, credential.KeySize)

	second, err := credential.LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Equal(t, first, second, "an existing key file is reused")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
