package apitest

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pushlab/pushlab/internal/api/models"
)

// Store errors.
var (
	ErrUserExists         = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserInactive       = errors.New("user account is inactive")
	ErrUserNotFound       = errors.New("user not found")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrNotFound           = errors.New("notification not found")
	ErrForbidden          = errors.New("forbidden")
)

type userRecord struct {
	user         models.User
	passwordHash []byte
}

// deviceRecord is a device plus the token fields the API never returns.
type deviceRecord struct {
	device      models.Device
	pushToken   string
	bundleID    string
	environment models.Environment
}

// DeviceState is the full server-side view of a device registration.
type DeviceState struct {
	Device      models.Device
	PushToken   string
	BundleID    string
	Environment models.Environment
}

type notificationRecord struct {
	notification models.PushNotification
	deliveries   []models.NotificationDelivery
}

// memoryStore holds users, devices and notifications.
type memoryStore struct {
	mu sync.RWMutex

	users      map[string]*userRecord // keyed by user ID
	byUsername map[string]string      // username -> user ID

	devices      map[string]*deviceRecord // keyed by device ID
	byIdentifier map[deviceKey]string     // (user, identifier) -> device ID

	notifications map[string]*notificationRecord

	now        func() time.Time
	bcryptCost int
}

type deviceKey struct {
	userID     string
	identifier string
}

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{
		users:         make(map[string]*userRecord),
		byUsername:    make(map[string]string),
		devices:       make(map[string]*deviceRecord),
		byIdentifier:  make(map[deviceKey]string),
		notifications: make(map[string]*notificationRecord),
		now:           now,
		bcryptCost:    bcrypt.MinCost,
	}
}

func (s *memoryStore) createUser(username, email, password string) (models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return models.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byUsername[username]; ok {
		return models.User{}, ErrUserExists
	}

	apiKey := "pk_" + randomID(24)
	user := models.User{
		ID:        uuid.NewString(),
		Username:  username,
		Email:     email,
		APIKey:    &apiKey,
		CreatedAt: s.now().UTC(),
		IsActive:  true,
	}
	s.users[user.ID] = &userRecord{user: user, passwordHash: hash}
	s.byUsername[username] = user.ID
	return copyUser(user), nil
}

func (s *memoryStore) authenticate(username, password string) (models.User, error) {
	s.mu.RLock()
	id, ok := s.byUsername[username]
	var rec userRecord
	if ok {
		rec = *s.users[id]
	}
	s.mu.RUnlock()

	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(rec.passwordHash, []byte(password)); err != nil {
		return models.User{}, ErrInvalidCredentials
	}
	if !rec.user.IsActive {
		return models.User{}, ErrUserInactive
	}
	return copyUser(rec.user), nil
}

func (s *memoryStore) activeUser(id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.users[id]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	if !rec.user.IsActive {
		return models.User{}, ErrUserInactive
	}
	return copyUser(rec.user), nil
}

func (s *memoryStore) setActive(id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[id]
	if !ok {
		return ErrUserNotFound
	}
	rec.user.IsActive = active
	return nil
}

func (s *memoryStore) rotateAPIKey(id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.users[id]
	if !ok {
		return "", ErrUserNotFound
	}
	key := "pk_" + randomID(24)
	rec.user.APIKey = &key
	return key, nil
}

// upsertDevice creates or updates the device keyed by (user, identifier).
// Returns true if a new device was created.
func (s *memoryStore) upsertDevice(userID string, reg models.DeviceRegistration) (models.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	tags := reg.Tags
	if tags == nil {
		tags = []string{}
	}

	key := deviceKey{userID: userID, identifier: reg.DeviceIdentifier}
	if id, ok := s.byIdentifier[key]; ok {
		rec := s.devices[id]
		rec.device.DeviceName = reg.DeviceName
		rec.device.Tags = append([]string{}, tags...)
		rec.device.UpdatedAt = now
		rec.device.LastSeenAt = &now
		rec.pushToken = reg.DeviceToken
		rec.bundleID = reg.BundleID
		rec.environment = reg.Environment
		return copyDevice(rec.device), false
	}

	rec := &deviceRecord{
		device: models.Device{
			ID:               uuid.NewString(),
			UserID:           userID,
			DeviceName:       reg.DeviceName,
			DeviceIdentifier: reg.DeviceIdentifier,
			Tags:             append([]string{}, tags...),
			CreatedAt:        now,
			UpdatedAt:        now,
			LastSeenAt:       &now,
		},
		pushToken:   reg.DeviceToken,
		bundleID:    reg.BundleID,
		environment: reg.Environment,
	}
	s.devices[rec.device.ID] = rec
	s.byIdentifier[key] = rec.device.ID
	return copyDevice(rec.device), true
}

func (s *memoryStore) device(userID, id string) (models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, err := s.ownedDevice(userID, id)
	if err != nil {
		return models.Device{}, err
	}
	return copyDevice(rec.device), nil
}

// ownedDevice looks up a device and checks it belongs to userID.
// The caller must hold s.mu.
func (s *memoryStore) ownedDevice(userID, id string) (*deviceRecord, error) {
	rec, ok := s.devices[id]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if rec.device.UserID != userID {
		return nil, ErrForbidden
	}
	return rec, nil
}

func (s *memoryStore) deviceState(userID, identifier string) (DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byIdentifier[deviceKey{userID: userID, identifier: identifier}]
	if !ok {
		return DeviceState{}, false
	}
	rec := s.devices[id]
	return DeviceState{
		Device:      copyDevice(rec.device),
		PushToken:   rec.pushToken,
		BundleID:    rec.bundleID,
		Environment: rec.environment,
	}, true
}

// listDevices returns the user's devices, oldest first.
func (s *memoryStore) listDevices(userID string) []models.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]models.Device, 0)
	for _, rec := range s.devices {
		if rec.device.UserID == userID {
			items = append(items, copyDevice(rec.device))
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

func (s *memoryStore) patchDevice(userID, id string, patch models.DevicePatch) (models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.ownedDevice(userID, id)
	if err != nil {
		return models.Device{}, err
	}

	if patch.DeviceName != nil {
		rec.device.DeviceName = *patch.DeviceName
	}
	if patch.Tags != nil {
		rec.device.Tags = append([]string{}, (*patch.Tags)...)
	}
	rec.device.UpdatedAt = s.now().UTC()
	return copyDevice(rec.device), nil
}

func (s *memoryStore) updateDeviceToken(userID, id string, update models.DeviceTokenUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.ownedDevice(userID, id)
	if err != nil {
		return err
	}
	rec.pushToken = update.DeviceToken
	rec.environment = update.Environment
	rec.bundleID = update.BundleID
	rec.device.UpdatedAt = s.now().UTC()
	return nil
}

func (s *memoryStore) deleteDevice(userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.ownedDevice(userID, id)
	if err != nil {
		return err
	}
	delete(s.byIdentifier, deviceKey{userID: userID, identifier: rec.device.DeviceIdentifier})
	delete(s.devices, id)
	return nil
}

func (s *memoryStore) addNotification(n models.PushNotification, deliveries []models.NotificationDelivery) models.PushNotification {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now().UTC()
	}
	if n.Status == "" {
		n.Status = models.NotificationQueued
	}
	s.notifications[n.ID] = &notificationRecord{
		notification: n,
		deliveries:   append([]models.NotificationDelivery(nil), deliveries...),
	}
	return n
}

// listNotifications returns one page of the user's notifications, newest first.
func (s *memoryStore) listNotifications(userID string, page models.Page) []models.PushNotification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]models.PushNotification, 0)
	for _, rec := range s.notifications {
		if rec.notification.UserID == userID {
			items = append(items, rec.notification)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	if page.Offset >= len(items) {
		return []models.PushNotification{}
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}

func (s *memoryStore) notification(userID, id string) (models.NotificationDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.notifications[id]
	if !ok {
		return models.NotificationDetail{}, ErrNotFound
	}
	if rec.notification.UserID != userID {
		return models.NotificationDetail{}, ErrForbidden
	}
	deliveries := append([]models.NotificationDelivery{}, rec.deliveries...)
	return models.NotificationDetail{Notification: rec.notification, Deliveries: deliveries}, nil
}

// copyUser returns u with its pointer fields detached.
func copyUser(u models.User) models.User {
	if u.APIKey != nil {
		key := *u.APIKey
		u.APIKey = &key
	}
	return u
}

// copyDevice returns d with its slice and pointer fields detached.
func copyDevice(d models.Device) models.Device {
	d.Tags = append([]string{}, d.Tags...)
	if d.LastSeenAt != nil {
		seen := *d.LastSeenAt
		d.LastSeenAt = &seen
	}
	return d
}
