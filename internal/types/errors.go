// Package types provides shared types and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Browser pool errors
	ErrBrowserPoolClosed  = errors.New("browser pool is closed")
	ErrBrowserPoolTimeout = errors.New("timeout waiting for browser from pool")
	ErrBrowserUnhealthy   = errors.New("browser is unhealthy")

	// Session errors
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionAlreadyExists = errors.New("session already exists")
	ErrTooManySessions      = errors.New("maximum number of sessions reached")
	ErrSessionPageNil       = errors.New("session page is nil or has been closed")
	ErrSessionInUse         = errors.New("session is currently in use")

	// Run errors
	ErrNavigation    = errors.New("navigation failed")
	ErrUnknownScript = errors.New("unknown script")
	ErrNoScripts     = errors.New("no script applies to this page")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidURL     = errors.New("invalid URL")
	ErrURLRequired    = errors.New("url or html is required")

	ErrContextCanceled = errors.New("operation canceled")
)

// PoolError provides detailed information about browser pool failures.
type PoolError struct {
	Operation string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PoolError) Unwrap() error {
	return e.Err
}

// NewPoolAcquireError creates an error for pool acquire failures.
func NewPoolAcquireError(reason string, err error) *PoolError {
	return &PoolError{
		Operation: "acquire",
		Message:   "Failed to acquire browser from pool: " + reason,
		Err:       err,
	}
}

// RunError describes a page run that could not start or complete.
// Automation failures on a loaded page are reported as outcomes instead.
type RunError struct {
	URL     string
	Stage   string // "navigate", "prepare", "scripts"
	Message string
	Err     error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *RunError) Unwrap() error {
	return e.Err
}

// NewNavigationError creates an error for a page that failed to load.
func NewNavigationError(url string, err error) *RunError {
	return &RunError{
		URL:     url,
		Stage:   "navigate",
		Message: "Failed to load page: " + err.Error(),
		Err:     errors.Join(ErrNavigation, err),
	}
}

// NewUnknownScriptError creates an error for a script name that does not exist.
func NewUnknownScriptError(name string) *RunError {
	return &RunError{
		Stage:   "scripts",
		Message: "Unknown script: " + name,
		Err:     ErrUnknownScript,
	}
}
