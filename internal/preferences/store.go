// Package preferences stores the small amount of non-secret client state:
// the device tag list, the pending push token and the per-install device
// identifier.
package preferences

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Store errors.
var (
	ErrEmptyTag = errors.New("tag must not be empty")
)

// data is the on-disk layout of the preference file.
type data struct {
	DeviceTags       []string `json:"device_tags"`
	PushToken        string   `json:"device_token,omitempty"`
	DeviceIdentifier string   `json:"device_identifier,omitempty"`
}

// Store is a JSON-file backed preference store. A Store opened with an empty
// path keeps everything in memory.
type Store struct {
	mu   sync.RWMutex
	path string
	data data
}

// Open loads the preference file at path, starting empty when it does not exist.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("reading preferences: %w", err)
	}

	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("decoding preferences: %w", err)
	}
	return s, nil
}

// NewMemory returns a store that is never written to disk.
func NewMemory() *Store {
	return &Store{}
}

// Tags returns a copy of the device tag list.
func (s *Store) Tags() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.data.DeviceTags))
	copy(out, s.data.DeviceTags)
	return out
}

// AddTag appends tag unless it is already present.
// Returns true when the list changed.
func (s *Store) AddTag(tag string) (bool, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return false, ErrEmptyTag
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.data.DeviceTags {
		if t == tag {
			return false, nil
		}
	}

	prev := s.data.DeviceTags
	s.data.DeviceTags = append(append([]string(nil), prev...), tag)
	if err := s.persist(); err != nil {
		s.data.DeviceTags = prev
		return false, err
	}
	return true, nil
}

// RemoveTag removes every occurrence of tag.
// Returns true when the list changed.
func (s *Store) RemoveTag(tag string) (bool, error) {
	tag = strings.TrimSpace(tag)

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.data.DeviceTags
	kept := make([]string, 0, len(prev))
	for _, t := range prev {
		if t != tag {
			kept = append(kept, t)
		}
	}
	if len(kept) == len(prev) {
		return false, nil
	}

	s.data.DeviceTags = kept
	if err := s.persist(); err != nil {
		s.data.DeviceTags = prev
		return false, err
	}
	return true, nil
}

// SetTags replaces the tag list, dropping blanks and duplicates.
func (s *Store) SetTags(tags []string) error {
	seen := make(map[string]struct{}, len(tags))
	clean := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		clean = append(clean, t)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.data.DeviceTags
	s.data.DeviceTags = clean
	if err := s.persist(); err != nil {
		s.data.DeviceTags = prev
		return err
	}
	return nil
}

// PushToken returns the most recent push token delivered by the platform.
func (s *Store) PushToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.PushToken, s.data.PushToken != ""
}

// SetPushToken records the push token delivered by the platform.
func (s *Store) SetPushToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.data.PushToken
	s.data.PushToken = token
	if err := s.persist(); err != nil {
		s.data.PushToken = prev
		return err
	}
	return nil
}

// DeviceIdentifier returns the stable per-install identifier, generating and
// persisting a random one on first use.
func (s *Store) DeviceIdentifier() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.DeviceIdentifier != "" {
		return s.data.DeviceIdentifier, nil
	}

	s.data.DeviceIdentifier = strings.ToUpper(uuid.NewString())
	if err := s.persist(); err != nil {
		s.data.DeviceIdentifier = ""
		return "", err
	}
	return s.data.DeviceIdentifier, nil
}

// persist writes the current state atomically. Caller holds s.mu.
func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding preferences: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating preferences directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".prefs-*")
	if err != nil {
		return fmt.Errorf("creating temp preferences file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck // no-op once renamed

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing preferences: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing preferences: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing preferences: %w", err)
	}
	return nil
}
