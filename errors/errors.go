// Package errors provides error handling for Buntime.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := spawn(); err != nil {
//	    return errors.Wrap(err, "failed to spawn worker")
//	}
//
//	// Check error kinds
//	if errors.Is(err, errors.ErrAppNotFound) {
//	    // respond 404
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll
	Mark      = crdb.Mark
)

// Assertions
var (
	AssertionFailedf = crdb.AssertionFailedf
)

// Runtime error kinds. Every layer wraps failures around one of these
// sentinels; the dispatcher is the single place that maps a kind to an
// HTTP status. Use errors.Is() to classify, errors.Wrap() to add context
// while preserving the kind.
var (
	// ErrAppNotFound indicates the resolver found no app version matching
	// the requested name and range.
	ErrAppNotFound = New("app not found")

	// ErrAppUnavailable indicates worker creation failed after admission
	// (spawn failure, handshake timeout, invalid entrypoint).
	ErrAppUnavailable = New("app unavailable")

	// ErrPoolExhausted indicates the request deadline elapsed while
	// waiting for a pool slot.
	ErrPoolExhausted = New("pool exhausted")

	// ErrPoolShutdown indicates the pool is draining or stopped and no
	// longer admits requests.
	ErrPoolShutdown = New("pool shut down")

	// ErrWorkerCrash indicates the child process died mid-request.
	ErrWorkerCrash = New("worker crashed")

	// ErrWorkerTimeout indicates an in-flight request exceeded the
	// configured worker timeout.
	ErrWorkerTimeout = New("worker timed out")

	// ErrPluginRejected indicates a plugin's request hook produced the
	// response itself, short-circuiting dispatch.
	ErrPluginRejected = New("plugin rejected request")

	// ErrInvalidManifest indicates an app or plugin manifest failed
	// validation at install time.
	ErrInvalidManifest = New("invalid manifest")

	// ErrInvalidConfig indicates the runtime configuration failed
	// validation at boot or patch time.
	ErrInvalidConfig = New("invalid config")

	// ErrLeaseReleased indicates a lease was released more than once.
	ErrLeaseReleased = New("lease already released")
)

// Kind returns the stable machine-readable code for a runtime error, or
// "Internal" when the error carries no recognised kind. The code appears
// in error response bodies and must not change between releases.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case Is(err, ErrAppNotFound):
		return "AppNotFound"
	case Is(err, ErrAppUnavailable):
		return "AppUnavailable"
	case Is(err, ErrPoolExhausted):
		return "PoolExhausted"
	case Is(err, ErrPoolShutdown):
		return "PoolShutdown"
	case Is(err, ErrWorkerCrash):
		return "WorkerCrash"
	case Is(err, ErrWorkerTimeout):
		return "WorkerTimeout"
	case Is(err, ErrPluginRejected):
		return "PluginRejected"
	case Is(err, ErrInvalidManifest):
		return "InvalidManifest"
	case Is(err, ErrInvalidConfig):
		return "InvalidConfig"
	default:
		return "Internal"
	}
}

// IsAppNotFound checks if an error is or wraps ErrAppNotFound
func IsAppNotFound(err error) bool {
	return err != nil && Is(err, ErrAppNotFound)
}

// IsAppUnavailable checks if an error is or wraps ErrAppUnavailable
func IsAppUnavailable(err error) bool {
	return err != nil && Is(err, ErrAppUnavailable)
}

// IsPoolExhausted checks if an error is or wraps ErrPoolExhausted
func IsPoolExhausted(err error) bool {
	return err != nil && Is(err, ErrPoolExhausted)
}

// IsInvalidManifest checks if an error is or wraps ErrInvalidManifest
func IsInvalidManifest(err error) bool {
	return err != nil && Is(err, ErrInvalidManifest)
}

// NewAppNotFound creates an app-not-found error with a formatted message
func NewAppNotFound(format string, args ...interface{}) error {
	return Wrap(ErrAppNotFound, Newf(format, args...).Error())
}

// NewInvalidManifest creates an invalid-manifest error with a formatted message
func NewInvalidManifest(format string, args ...interface{}) error {
	return Wrap(ErrInvalidManifest, Newf(format, args...).Error())
}

// NewInvalidConfig creates an invalid-config error with a formatted message
func NewInvalidConfig(format string, args ...interface{}) error {
	return Wrap(ErrInvalidConfig, Newf(format, args...).Error())
}
