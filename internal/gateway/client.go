// Package gateway is a typed client for the PushLab HTTP API.
//
// The client is stateless: it holds no session, does not retry and does not
// cache. Calls that require authentication read the bearer token from a
// TokenSource on every request and fail with ErrUnauthorized, without any
// network I/O, when no token is available.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/pushlab/pushlab/internal/api/models"
	"github.com/pushlab/pushlab/internal/provider/resilience"
	"github.com/pushlab/pushlab/internal/telemetry"
)

const (
	// ProviderName identifies the API in logs and circuit breaker state.
	ProviderName = "pushlab-api"

	// DefaultBaseURL is used when no base URL is configured.
	DefaultBaseURL = "http://localhost:8080"

	// maxDrainBytes bounds how much of an unwanted body is read before closing.
	maxDrainBytes = 64 << 10
)

// Argument errors, returned before any request is built.
var (
	ErrMissingID  = errors.New("id must not be empty")
	ErrEmptyPatch = errors.New("device patch has no fields set")
)

// TokenSource yields the current session token.
type TokenSource interface {
	Get(ctx context.Context) (string, error)
}

// ClientConfig holds configuration for the API client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://push.example.com".
	BaseURL string

	// Tokens supplies the bearer token for authenticated calls.
	Tokens TokenSource

	// HTTPClient is the transport (optional).
	// If nil, uses a resilient client with defaults.
	HTTPClient *resilience.Client

	// UserAgent is sent with every request (optional).
	UserAgent string

	// Logger for client operations.
	Logger zerolog.Logger

	// Tracer and Meter default to the global OpenTelemetry providers.
	Tracer trace.Tracer
	Meter  metric.Meter
}

// HTTPClientConfig returns the transport settings for API calls: a single
// attempt and a breaker that records outcomes but never opens, so every call
// reaches the network.
func HTTPClientConfig() resilience.ClientConfig {
	cfg := resilience.DefaultClientConfig(ProviderName)
	cb := resilience.DefaultCircuitBreakerConfig(ProviderName)
	cb.ReadyToTrip = resilience.NeverTrip
	cfg.CircuitBreaker = &cb
	cfg.MaxRetries = 0
	return cfg
}

// Client is a PushLab API client.
type Client struct {
	baseURL    string
	tokens     TokenSource
	httpClient *resilience.Client
	userAgent  string
	logger     zerolog.Logger
	tracer     trace.Tracer
	requests   metric.Int64Counter
	duration   metric.Float64Histogram
}

// NewClient creates a new API client.
func NewClient(cfg ClientConfig) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = resilience.NewClient(HTTPClientConfig())
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "pushlab-client"
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(telemetry.InstrumentationName)
	}
	meter := cfg.Meter
	if meter == nil {
		meter = otel.Meter(telemetry.InstrumentationName)
	}

	c := &Client{
		baseURL:    baseURL,
		tokens:     cfg.Tokens,
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     cfg.Logger.With().Str("component", "gateway").Logger(),
		tracer:     tracer,
	}

	var err error
	c.requests, err = meter.Int64Counter("pushlab.gateway.requests",
		metric.WithDescription("API calls by operation and outcome"))
	if err != nil {
		c.logger.Warn().Err(err).Msg("request counter unavailable")
	}
	c.duration, err = meter.Float64Histogram("pushlab.gateway.duration",
		metric.WithDescription("API call latency"),
		metric.WithUnit("s"))
	if err != nil {
		c.logger.Warn().Err(err).Msg("duration histogram unavailable")
	}

	return c
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// TransportHealth reports the circuit breaker state of the underlying transport.
func (c *Client) TransportHealth() *resilience.Health {
	return c.httpClient.Health()
}

// Register creates an account and returns the session token and user.
func (c *Client) Register(ctx context.Context, username, email, password string) (*models.AuthResponse, error) {
	var out models.AuthResponse
	err := c.do(ctx, call{
		op:     "register",
		method: http.MethodPost,
		path:   "/api/v1/auth/register",
		body:   models.RegisterRequest{Username: username, Email: email, Password: password},
		expect: []int{http.StatusCreated},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Login authenticates with username and password. Any status other than
// 200 is reported as ErrUnauthorized.
func (c *Client) Login(ctx context.Context, username, password string) (*models.AuthResponse, error) {
	var out models.AuthResponse
	err := c.do(ctx, call{
		op:         "login",
		method:     http.MethodPost,
		path:       "/api/v1/auth/login",
		body:       models.LoginRequest{Username: username, Password: password},
		expect:     []int{http.StatusOK},
		unexpected: unauthorized,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RegenerateAPIKey asks the backend for a new API key for the current user.
func (c *Client) RegenerateAPIKey(ctx context.Context) (string, error) {
	var out models.APIKeyResponse
	err := c.do(ctx, call{
		op:     "regenerate api key",
		method: http.MethodGet,
		path:   "/api/v1/auth/apikey",
		auth:   true,
		expect: []int{http.StatusOK},
	}, &out)
	if err != nil {
		return "", err
	}
	return out.APIKey, nil
}

// RegisterDevice upserts this installation keyed by (user, device identifier).
// The response body is ignored.
func (c *Client) RegisterDevice(ctx context.Context, reg models.DeviceRegistration) error {
	if reg.Tags == nil {
		reg.Tags = []string{}
	}
	return c.do(ctx, call{
		op:     "register device",
		method: http.MethodPost,
		path:   "/api/v1/devices",
		body:   reg,
		auth:   true,
		expect: []int{http.StatusOK, http.StatusCreated},
	}, nil)
}

// ListDevices returns every device registered by the current user.
func (c *Client) ListDevices(ctx context.Context) ([]models.Device, error) {
	var out []models.Device
	err := c.do(ctx, call{
		op:     "list devices",
		method: http.MethodGet,
		path:   "/api/v1/devices",
		auth:   true,
		expect: []int{http.StatusOK},
	}, &out)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.Device{}
	}
	return out, nil
}

// GetDevice fetches a single device.
func (c *Client) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	if id == "" {
		return nil, ErrMissingID
	}

	var out models.Device
	err := c.do(ctx, call{
		op:     "get device",
		method: http.MethodGet,
		path:   "/api/v1/devices/" + url.PathEscape(id),
		auth:   true,
		expect: []int{http.StatusOK},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateDevice applies a partial update to a device.
func (c *Client) UpdateDevice(ctx context.Context, id string, patch models.DevicePatch) error {
	if id == "" {
		return ErrMissingID
	}
	if patch.Empty() {
		return ErrEmptyPatch
	}

	return c.do(ctx, call{
		op:     "update device",
		method: http.MethodPut,
		path:   "/api/v1/devices/" + url.PathEscape(id),
		body:   patch,
		auth:   true,
		expect: []int{http.StatusOK, http.StatusNoContent},
	}, nil)
}

// UpdateDeviceToken rotates the push token of an existing device.
func (c *Client) UpdateDeviceToken(ctx context.Context, id string, update models.DeviceTokenUpdate) error {
	if id == "" {
		return ErrMissingID
	}

	return c.do(ctx, call{
		op:     "update device token",
		method: http.MethodPut,
		path:   "/api/v1/devices/" + url.PathEscape(id) + "/token",
		body:   update,
		auth:   true,
		expect: []int{http.StatusOK, http.StatusNoContent},
	}, nil)
}

// DeleteDevice removes a device registration.
func (c *Client) DeleteDevice(ctx context.Context, id string) error {
	if id == "" {
		return ErrMissingID
	}

	return c.do(ctx, call{
		op:     "delete device",
		method: http.MethodDelete,
		path:   "/api/v1/devices/" + url.PathEscape(id),
		auth:   true,
		expect: []int{http.StatusOK, http.StatusNoContent},
	}, nil)
}

// ListNotifications returns one page of the notification history, newest first.
// A zero limit means the default; an out-of-range page fails with
// models.ErrInvalidPage before any request is made.
func (c *Client) ListNotifications(ctx context.Context, page models.Page) ([]models.PushNotification, error) {
	page = page.Normalize()
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(page.Limit))
	query.Set("offset", strconv.Itoa(page.Offset))

	var out []models.PushNotification
	err := c.do(ctx, call{
		op:     "list notifications",
		method: http.MethodGet,
		path:   "/api/v1/notifications",
		query:  query,
		auth:   true,
		expect: []int{http.StatusOK},
	}, &out)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []models.PushNotification{}
	}
	return out, nil
}

// GetNotification fetches a notification with its delivery attempts.
func (c *Client) GetNotification(ctx context.Context, id string) (*models.NotificationDetail, error) {
	if id == "" {
		return nil, ErrMissingID
	}

	var out models.NotificationDetail
	err := c.do(ctx, call{
		op:     "get notification",
		method: http.MethodGet,
		path:   "/api/v1/notifications/" + url.PathEscape(id),
		auth:   true,
		expect: []int{http.StatusOK},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Health queries the unauthenticated backend health endpoint.
func (c *Client) Health(ctx context.Context) (*models.Health, error) {
	var out models.Health
	err := c.do(ctx, call{
		op:     "health",
		method: http.MethodGet,
		path:   "/health",
		expect: []int{http.StatusOK},
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// call describes one API request.
type call struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	auth   bool
	expect []int

	// unexpected maps a status outside expect (other than 401) to an
	// error. Defaults to ErrInvalidResponse.
	unexpected func(op string, status int) *Error
}

func (c *Client) do(ctx context.Context, cl call, out any) error {
	ctx, span := c.tracer.Start(ctx, "gateway."+strings.ReplaceAll(cl.op, " ", "_"),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", cl.method),
			attribute.String("url.path", cl.path),
		),
	)
	defer span.End()

	start := time.Now()
	status, err := c.roundTrip(ctx, cl, out)
	elapsed := time.Since(start)

	if status != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.record(ctx, cl.op, err, elapsed)

	c.logger.Debug().
		Str("op", cl.op).
		Str("method", cl.method).
		Str("path", cl.path).
		Int("status", status).
		Dur("duration", elapsed).
		Err(err).
		Msg("api call")

	return err
}

func (c *Client) roundTrip(ctx context.Context, cl call, out any) (int, error) {
	var token string
	if cl.auth {
		if c.tokens == nil {
			return 0, unauthorized(cl.op, 0)
		}
		t, err := c.tokens.Get(ctx)
		if err != nil || t == "" {
			return 0, &Error{Op: cl.op, Kind: ErrUnauthorized, Err: err}
		}
		token = t
	}

	body := io.Reader(http.NoBody)
	if cl.body != nil {
		data, err := json.Marshal(cl.body)
		if err != nil {
			return 0, fmt.Errorf("%s: encoding request: %w", cl.op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, cl.method, c.endpoint(cl.path, cl.query), body)
	if err != nil {
		return 0, fmt.Errorf("%s: creating request: %w", cl.op, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if cl.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, networkError(cl.op, err)
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	if !expected(status, cl.expect) {
		drain(resp.Body)
		// 403 means the resource belongs to someone else, not a bad token.
		if status == http.StatusUnauthorized {
			return status, unauthorized(cl.op, status)
		}
		if cl.unexpected != nil {
			return status, cl.unexpected(cl.op, status)
		}
		return status, invalidResponse(cl.op, status)
	}

	if out == nil {
		drain(resp.Body)
		return status, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return status, decodeError(cl.op, status, err)
	}
	return status, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) record(ctx context.Context, op string, err error, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome(err)),
	)
	if c.requests != nil {
		c.requests.Add(ctx, 1, attrs)
	}
	if c.duration != nil {
		c.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, ErrNetwork):
		return "network"
	case errors.Is(err, ErrDecode):
		return "decode"
	default:
		return "error"
	}
}

func expected(status int, want []int) bool {
	for _, s := range want {
		if status == s {
			return true
		}
	}
	return false
}

func drain(r io.Reader) {
	_, _ = io.Copy(io.Discard, io.LimitReader(r, maxDrainBytes)) //nolint:errcheck // best effort
}
