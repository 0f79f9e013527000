// Package session owns the client's authentication state.
//
// The Manager is the only writer of the credential store. After every
// completed Login, Register or Logout the state is Authenticated exactly
// when the store holds a token. Concurrent calls are not serialized against
// each other; whichever completes last wins.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pushlab/pushlab/internal/api/models"
	"github.com/pushlab/pushlab/internal/credential"
)

// ErrAuthenticationFailed is returned by Login and Register. The underlying
// gateway or store error stays reachable through errors.Is and errors.As.
var ErrAuthenticationFailed = errors.New("authentication failed")

// State is the authentication state.
type State int

const (
	Unauthenticated State = iota
	Authenticated
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	default:
		return "unauthenticated"
	}
}

// Snapshot is a copy of the manager's state at one point in time.
type Snapshot struct {
	State State

	// User is nil when unauthenticated, and also after a restart until the
	// next successful login.
	User *models.User
}

// Authenticated reports whether the snapshot holds a session.
func (s Snapshot) Authenticated() bool {
	return s.State == Authenticated
}

// AuthAPI is the part of the gateway the manager needs.
type AuthAPI interface {
	Login(ctx context.Context, username, password string) (*models.AuthResponse, error)
	Register(ctx context.Context, username, email, password string) (*models.AuthResponse, error)
}

// Registrar is notified after a session is established.
type Registrar interface {
	Trigger(ctx context.Context) bool
}

// ManagerConfig holds the manager's collaborators.
type ManagerConfig struct {
	API   AuthAPI
	Store credential.Store

	// Registrar is optional.
	Registrar Registrar

	Logger zerolog.Logger
}

// Manager tracks who is signed in.
type Manager struct {
	api       AuthAPI
	store     credential.Store
	registrar Registrar
	logger    zerolog.Logger

	mu    sync.RWMutex
	state State
	user  *models.User

	// notifyMu orders observer callbacks with the transitions that caused them.
	notifyMu    sync.Mutex
	subscribers map[int]func(Snapshot)
	nextSubID   int
}

// NewManager creates a manager whose initial state reflects whether the
// credential store already holds a token. The token is not validated.
func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	if cfg.API == nil {
		return nil, errors.New("session: auth API is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: credential store is required")
	}

	m := &Manager{
		api:         cfg.API,
		store:       cfg.Store,
		registrar:   cfg.Registrar,
		logger:      cfg.Logger.With().Str("component", "session").Logger(),
		subscribers: make(map[int]func(Snapshot)),
	}

	_, err := cfg.Store.Get(ctx)
	switch {
	case err == nil:
		m.state = Authenticated
	case errors.Is(err, credential.ErrNotFound):
		m.state = Unauthenticated
	default:
		m.logger.Warn().Err(err).Msg("stored session unreadable, starting signed out")
		m.state = Unauthenticated
	}

	m.logger.Debug().Stringer("state", m.state).Msg("session restored")
	return m, nil
}

// Login authenticates with username and password.
func (m *Manager) Login(ctx context.Context, username, password string) (*models.User, error) {
	resp, err := m.api.Login(ctx, username, password)
	if err != nil {
		m.logger.Warn().Err(err).Str("username", username).Msg("login failed")
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	return m.establish(ctx, resp)
}

// Register creates an account and signs in with it.
func (m *Manager) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	resp, err := m.api.Register(ctx, username, email, password)
	if err != nil {
		m.logger.Warn().Err(err).Str("username", username).Msg("registration failed")
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	return m.establish(ctx, resp)
}

func (m *Manager) establish(ctx context.Context, resp *models.AuthResponse) (*models.User, error) {
	if resp == nil || resp.Token == "" {
		m.logger.Warn().Msg("authentication response carried no token")
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, credential.ErrEmptyToken)
	}

	user := resp.User

	m.mu.Lock()
	if err := m.store.Save(ctx, resp.Token); err != nil {
		m.mu.Unlock()
		m.logger.Error().Err(err).Msg("saving session token")
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}
	m.state = Authenticated
	m.user = &user
	m.publishLocked()

	m.logger.Info().Str("user_id", user.ID).Str("username", user.Username).Msg("signed in")

	if m.registrar != nil {
		m.registrar.Trigger(ctx)
	}

	out := user
	return &out, nil
}

// Logout forgets the session. A store failure is logged, not returned.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	if err := m.store.Delete(ctx); err != nil {
		m.logger.Error().Err(err).Msg("deleting session token")
	}
	m.state = Unauthenticated
	m.user = nil
	m.publishLocked()

	m.logger.Info().Msg("signed out")
}

// publishLocked releases m.mu and delivers the new snapshot to observers.
// Caller holds m.mu.
func (m *Manager) publishLocked() {
	snap := m.snapshotLocked()

	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	for _, fn := range m.subscribers {
		fn(snap)
	}
}

// Snapshot returns the current state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{State: m.state}
	if m.user != nil {
		u := *m.user
		snap.User = &u
	}
	return snap
}

// State returns the current authentication state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Authenticated reports whether a session exists.
func (m *Manager) Authenticated() bool {
	return m.State() == Authenticated
}

// CurrentUser returns a copy of the signed-in user, or nil.
func (m *Manager) CurrentUser() *models.User {
	return m.Snapshot().User
}

// Subscribe registers fn to receive every state change. Callbacks run on the
// goroutine that caused the change and must not call back into the
// manager's mutating methods or Subscribe. The returned func removes the
// subscription.
func (m *Manager) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	m.notifyMu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn
	m.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.notifyMu.Lock()
			delete(m.subscribers, id)
			m.notifyMu.Unlock()
		})
	}
}
