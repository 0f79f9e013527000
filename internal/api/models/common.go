// Package models provides the request and response records exchanged with the
// PushLab HTTP API. Field names follow the API's snake_case JSON schema.
package models

import (
	"errors"
	"fmt"
)

// ErrInvalidPage is returned for a page outside the range the API accepts.
var ErrInvalidPage = errors.New("invalid page")

// Environment is the APNs environment a device token was issued for.
type Environment string

const (
	EnvironmentSandbox    Environment = "sandbox"
	EnvironmentProduction Environment = "production"
)

// Valid reports whether e is a known APNs environment.
func (e Environment) Valid() bool {
	return e == EnvironmentSandbox || e == EnvironmentProduction
}

// Page selects a window of a paginated listing.
type Page struct {
	Limit  int
	Offset int
}

// Pagination defaults used by the API when no explicit values are given.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// Normalize fills in the default limit when none was given.
func (p Page) Normalize() Page {
	if p.Limit == 0 {
		p.Limit = DefaultPageLimit
	}
	return p
}

// Validate rejects pages the API would not honor. The backend silently falls
// back to its default for an out-of-range limit, so the caller is told here.
func (p Page) Validate() error {
	if p.Limit < 1 || p.Limit > MaxPageLimit {
		return fmt.Errorf("%w: limit must be between 1 and %d, got %d", ErrInvalidPage, MaxPageLimit, p.Limit)
	}
	if p.Offset < 0 {
		return fmt.Errorf("%w: offset must not be negative, got %d", ErrInvalidPage, p.Offset)
	}
	return nil
}

// Health is the response body of the backend health check.
type Health struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

// OK reports whether the backend considers itself fully healthy.
func (h *Health) OK() bool {
	return h.Status == "ok"
}
