// Package worker owns a single child process serving one app version:
// its configuration, the framed wire protocol spoken over the child's
// pipes, and the instance lifecycle.
package worker

import (
	"os"
	"path/filepath"
	"time"

	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/logger"
	"github.com/buntime/buntime/registry"
)

// Defaults for per-app worker options
const (
	DefaultTimeout     = 30 * time.Second
	DefaultIdleTimeout = 60 * time.Second
	DefaultMaxRequests = 1000
)

// entrypointCandidates are tried in order when the manifest does not
// name an entrypoint.
var entrypointCandidates = []string{
	"index.ts", "index.js",
	"server.ts", "server.js",
	"app.ts", "app.js",
}

// Options is the validated per-app worker configuration, loaded from
// the app directory's manifest once per worker creation.
type Options struct {
	// Entrypoint is the file the child process loads, absolute.
	Entrypoint string

	// Timeout bounds one request's wall time.
	Timeout time.Duration

	// TTL bounds a worker's total lifetime. Zero selects ephemeral
	// mode: a fresh worker per request.
	TTL time.Duration

	// IdleTimeout bounds how long a ready worker may sit unused.
	IdleTimeout time.Duration

	// MaxRequests bounds how many requests a worker serves before
	// retirement.
	MaxRequests int

	// AutoInstall runs a dependency install before first start.
	AutoInstall bool

	// LowMemory hints the child to minimise resident memory.
	LowMemory bool
}

// Ephemeral reports whether each request gets a fresh worker
func (o *Options) Ephemeral() bool {
	return o.TTL == 0
}

// LoadOptions reads the app directory's manifest and produces validated
// worker options. A missing manifest yields pure defaults.
func LoadOptions(appDir string) (*Options, error) {
	m, err := registry.ParseManifest(appDir, false)
	if err != nil {
		return nil, err
	}
	return OptionsFromManifest(appDir, m)
}

// OptionsFromManifest applies defaults and invariants to raw manifest
// values.
func OptionsFromManifest(appDir string, m *registry.Manifest) (*Options, error) {
	opts := &Options{
		Timeout:     DefaultTimeout,
		IdleTimeout: DefaultIdleTimeout,
		MaxRequests: DefaultMaxRequests,
		AutoInstall: m.AutoInstall,
		LowMemory:   m.LowMemory,
	}

	if m.Timeout != nil {
		if *m.Timeout <= 0 {
			return nil, errors.NewInvalidManifest("timeout must be positive, got %d", *m.Timeout)
		}
		opts.Timeout = time.Duration(*m.Timeout) * time.Second
	}

	if m.TTL != nil {
		if *m.TTL < 0 {
			return nil, errors.NewInvalidManifest("ttl must be >= 0, got %d", *m.TTL)
		}
		opts.TTL = time.Duration(*m.TTL) * time.Second
	}

	if m.IdleTimeout != nil {
		if *m.IdleTimeout <= 0 {
			return nil, errors.NewInvalidManifest("idleTimeout must be positive, got %d", *m.IdleTimeout)
		}
		opts.IdleTimeout = time.Duration(*m.IdleTimeout) * time.Second
	}

	if m.MaxRequests != nil {
		if *m.MaxRequests < 1 {
			return nil, errors.NewInvalidManifest("maxRequests must be >= 1, got %d", *m.MaxRequests)
		}
		opts.MaxRequests = *m.MaxRequests
	}

	// A worker that dies before its slowest allowed request finishes is
	// a misconfiguration, not a preference.
	if opts.TTL > 0 && opts.TTL < opts.Timeout {
		return nil, errors.NewInvalidManifest("ttl (%s) must be >= timeout (%s)", opts.TTL, opts.Timeout)
	}
	if opts.IdleTimeout < opts.Timeout {
		return nil, errors.NewInvalidManifest("idleTimeout (%s) must be >= timeout (%s)", opts.IdleTimeout, opts.Timeout)
	}
	if opts.TTL > 0 && opts.IdleTimeout > opts.TTL {
		logger.Warnw("idleTimeout exceeds ttl, clamping",
			"idleTimeout", opts.IdleTimeout,
			"ttl", opts.TTL,
			"dir", appDir)
		opts.IdleTimeout = opts.TTL
	}

	entry, err := resolveEntrypoint(appDir, m.Entrypoint)
	if err != nil {
		return nil, err
	}
	opts.Entrypoint = entry

	return opts, nil
}

// resolveEntrypoint validates a declared entrypoint or auto-detects one
func resolveEntrypoint(appDir, declared string) (string, error) {
	if declared != "" {
		path := filepath.Join(appDir, declared)
		if _, err := os.Stat(path); err != nil {
			return "", errors.NewInvalidManifest("entrypoint %q not found in %s", declared, appDir)
		}
		return path, nil
	}

	for _, candidate := range entrypointCandidates {
		path := filepath.Join(appDir, candidate)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", errors.NewInvalidManifest("no entrypoint declared and none of %v found in %s", entrypointCandidates, appDir)
}
