// Package apitest provides an in-process PushLab backend for tests.
//
// The server implements the HTTP API the client talks to: account
// registration and login with signed session tokens, device upserts keyed by
// (user, device identifier), device management and a paginated notification
// history. Every request is recorded, and failures can be injected per route.
package apitest

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/pushlab/pushlab/internal/api/models"
)

// Config holds configuration for a test server.
type Config struct {
	Logger zerolog.Logger

	// SigningKey signs session tokens. A random key is used when empty.
	SigningKey string

	// TokenExpiry defaults to SessionTokenExpiry.
	TokenExpiry time.Duration

	// Now overrides the clock (optional).
	Now func() time.Time

	// RateLimit throttles clients when RequestLimit is positive.
	RateLimit RateLimitConfig
}

// RateLimitConfig bounds requests per client address within a window.
type RateLimitConfig struct {
	RequestLimit int
	WindowLength time.Duration
}

// Request is one recorded HTTP request.
type Request struct {
	Method        string
	Path          string
	Query         url.Values
	Authorization string
	TraceParent   string
	Body          []byte
	ReceivedAt    time.Time
}

type failure struct {
	status    int
	remaining int // negative means until cleared
}

// Server is a fake PushLab backend.
type Server struct {
	router *chi.Mux
	http   *httptest.Server
	store  *memoryStore
	tokens *tokenIssuer
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	requests []Request
	failures map[string]*failure

	healthy   bool
	rateLimit RateLimitConfig
}

// New creates a server without starting a listener. Use it as an http.Handler.
func New(cfg Config) *Server {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	key := cfg.SigningKey
	if key == "" {
		key = randomID(32)
	}

	s := &Server{
		router:   chi.NewRouter(),
		store:    newMemoryStore(now),
		tokens:   newTokenIssuer(key, "pushlab-apitest", "pushlab-client", cfg.TokenExpiry),
		logger:   cfg.Logger.With().Str("component", "apitest").Logger(),
		now:      now,
		failures: make(map[string]*failure),
		healthy:  true,
	}
	if cfg.RateLimit.RequestLimit > 0 {
		s.rateLimit = cfg.RateLimit
		if s.rateLimit.WindowLength <= 0 {
			s.rateLimit.WindowLength = time.Minute
		}
	}
	s.tokens.now = now
	s.routes()
	return s
}

// NewServer creates a server listening on a loopback address.
// Callers must Close it.
func NewServer(cfg Config) *Server {
	s := New(cfg)
	s.http = httptest.NewServer(s.router)
	return s
}

func (s *Server) routes() {
	r := s.router

	r.Use(requestID)
	r.Use(recovery(s.logger))
	r.Use(requestLogger(s.logger))
	r.Use(s.record)
	if s.rateLimit.RequestLimit > 0 {
		r.Use(rateLimit(s.rateLimit))
	}
	r.Use(s.inject)

	r.Get("/health", s.handleHealth)

	r.Post("/api/v1/auth/register", s.handleRegister)
	r.Post("/api/v1/auth/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/api/v1/auth/apikey", s.handleAPIKey)

		r.Post("/api/v1/devices", s.handleRegisterDevice)
		r.Get("/api/v1/devices", s.handleListDevices)
		r.Get("/api/v1/devices/{id}", s.handleGetDevice)
		r.Put("/api/v1/devices/{id}", s.handleUpdateDevice)
		r.Delete("/api/v1/devices/{id}", s.handleDeleteDevice)
		r.Put("/api/v1/devices/{id}/token", s.handleUpdateDeviceToken)

		r.Get("/api/v1/notifications", s.handleListNotifications)
		r.Get("/api/v1/notifications/{id}", s.handleGetNotification)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// URL returns the base URL of a server created with NewServer.
func (s *Server) URL() string {
	if s.http == nil {
		return ""
	}
	return s.http.URL
}

// Close stops the listener, if any.
func (s *Server) Close() {
	if s.http != nil {
		s.http.Close()
	}
}

// CreateUser adds an account directly, bypassing the API.
func (s *Server) CreateUser(username, email, password string) (models.User, error) {
	return s.store.createUser(username, email, password)
}

// Deactivate disables an account; its tokens stop working.
func (s *Server) Deactivate(userID string) error {
	return s.store.setActive(userID, false)
}

// IssueToken signs a session token for userID.
func (s *Server) IssueToken(userID, username string) (string, error) {
	return s.tokens.Issue(userID, username)
}

// Device returns the stored registration for (userID, identifier).
func (s *Server) Device(userID, identifier string) (DeviceState, bool) {
	return s.store.deviceState(userID, identifier)
}

// Devices returns every device of userID.
func (s *Server) Devices(userID string) []models.Device {
	return s.store.listDevices(userID)
}

// AddNotification stores a notification in userID's history. Missing ID,
// CreatedAt and Status are filled in.
func (s *Server) AddNotification(userID string, n models.PushNotification, deliveries ...models.NotificationDelivery) models.PushNotification {
	n.UserID = userID
	return s.store.addNotification(n, deliveries)
}

// SetHealthy controls the database field of the health endpoint.
func (s *Server) SetHealthy(healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = healthy
}

// Fail makes every request to method+path answer with status until
// ClearFailures is called.
func (s *Server) Fail(method, path string, status int) {
	s.setFailure(method, path, status, -1)
}

// FailN makes the next n requests to method+path answer with status.
func (s *Server) FailN(method, path string, status, n int) {
	s.setFailure(method, path, status, n)
}

// ClearFailures removes all injected failures.
func (s *Server) ClearFailures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = make(map[string]*failure)
}

func (s *Server) setFailure(method, path string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = &failure{status: status, remaining: n}
}

func (s *Server) takeFailure(method, path string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := method + " " + path
	f, ok := s.failures[key]
	if !ok {
		return 0, false
	}
	if f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(s.failures, key)
		}
	}
	return f.status, true
}

// Requests returns a copy of every request received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestsTo returns the recorded requests matching method and path.
func (s *Server) RequestsTo(method, path string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Request
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}
