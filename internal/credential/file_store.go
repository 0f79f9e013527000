package credential

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the required length of the master key in bytes.
const KeySize = 32

const (
	saltSize = 16
	hkdfInfo = "pushlab-session-token"
)

// fileMagic prefixes every sealed token file so a foreign file is rejected
// before decryption is attempted.
var fileMagic = []byte("PLK1")

// FileStore errors.
var (
	ErrInvalidKey     = errors.New("master key must be 32 bytes")
	ErrCorruptStore   = errors.New("credential file is corrupt")
	ErrDecryptFailed  = errors.New("credential file cannot be decrypted with this key")
	ErrKeyFileExposed = errors.New("master key file is readable by other users")
)

// FileStore seals the token with AES-256-GCM in a file readable only by the
// current user. Each write derives a fresh key from the master key and a
// random salt using HKDF-SHA256.
type FileStore struct {
	mu        sync.Mutex
	path      string
	masterKey []byte
}

// NewFileStore creates a store backed by the file at path.
// The parent directory is created with mode 0700 if needed.
func NewFileStore(path string, masterKey []byte) (*FileStore, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidKey
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating credential directory: %w", err)
	}

	key := make([]byte, KeySize)
	copy(key, masterKey)

	return &FileStore{path: path, masterKey: key}, nil
}

// Path returns the location of the sealed token file.
func (s *FileStore) Path() string {
	return s.path
}

// Get decrypts and returns the stored token.
func (s *FileStore) Get(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("reading credential file: %w", err)
	}

	plain, err := s.open(blob)
	if err != nil {
		return "", err
	}
	if len(plain) == 0 {
		return "", ErrNotFound
	}
	return string(plain), nil
}

// Save seals the token and atomically replaces the file.
func (s *FileStore) Save(_ context.Context, token string) error {
	if token == "" {
		return ErrEmptyToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := s.seal([]byte(token))
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".token-*")
	if err != nil {
		return fmt.Errorf("creating temp credential file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op once renamed

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("restricting credential file: %w", err)
	}
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("writing credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing credential file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing credential file: %w", err)
	}
	return nil
}

// Delete removes the token file.
func (s *FileStore) Delete(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing credential file: %w", err)
	}
	return nil
}

func (s *FileStore) seal(plain []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	aead, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	header := make([]byte, 0, len(fileMagic)+saltSize)
	header = append(header, fileMagic...)
	header = append(header, salt...)

	out := make([]byte, 0, len(header)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	// The magic and salt are authenticated as associated data.
	return aead.Seal(out, nonce, plain, header), nil
}

func (s *FileStore) open(blob []byte) ([]byte, error) {
	if len(blob) < len(fileMagic)+saltSize || !bytes.Equal(blob[:len(fileMagic)], fileMagic) {
		return nil, ErrCorruptStore
	}

	header := blob[:len(fileMagic)+saltSize]
	salt := header[len(fileMagic):]

	aead, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	rest := blob[len(header):]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCorruptStore
	}

	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

func (s *FileStore) aead(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, s.masterKey, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// ParseKey decodes a hex-encoded master key.
func ParseKey(h string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(h))
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}
	if len(b) != KeySize {
		return nil, ErrInvalidKey
	}
	return b, nil
}

// LoadOrCreateKey reads a hex master key from path, generating and persisting
// a new random key with mode 0600 when the file does not exist. An existing
// key file that grants group or other access is refused.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if err := checkKeyFileMode(path); err != nil {
			return nil, err
		}
		return ParseKey(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading master key: %w", err)
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("writing master key: %w", err)
	}
	return key, nil
}

func checkKeyFileMode(path string) error {
	// Windows reports synthetic permission bits.
	if runtime.GOOS == "windows" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking master key: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("%w: %s has mode %04o, want 0600", ErrKeyFileExposed, path, info.Mode().Perm())
	}
	return nil
}
