// Package config loads and validates the Buntime runtime configuration.
//
// Configuration comes from environment variables (RUNTIME_* prefix, plus
// the bare PORT and DELAY_MS), merged over an optional buntime.toml file
// and typed defaults. Directory lists use a PATH-style colon-separated
// convention; relative entries resolve against the base directory.
package config

// Config represents the core Buntime runtime configuration
type Config struct {
	// Port is the HTTP listen port: nil = default 8080, 0 is invalid (omit for default)
	Port *int `mapstructure:"port"`

	// Env is the runtime environment: "production" or "development"
	Env string `mapstructure:"env"`

	// DelayMS injects an artificial delay before proxying each request.
	// Test hook only; 0 in normal operation.
	DelayMS int `mapstructure:"delay_ms"`

	// WorkerDirs is the PATH-style list of app install directories,
	// searched in order (first match wins)
	WorkerDirs string `mapstructure:"worker_dirs"`

	// PluginDirs is the PATH-style list of plugin install directories
	PluginDirs string `mapstructure:"plugin_dirs"`

	// PoolSize is the hard cap on live workers across all apps
	PoolSize int `mapstructure:"pool_size"`

	// Runner is the binary that executes app entrypoints
	Runner string `mapstructure:"runner"`

	// Plugins is the ordered manifest list of enabled plugins; each entry
	// is a built-in factory name or a path on disk
	Plugins []string `mapstructure:"plugins"`

	// ShutdownGraceSeconds bounds in-flight drain during shutdown
	ShutdownGraceSeconds int `mapstructure:"shutdown_grace_seconds"`

	// SweepIntervalSeconds is the pool retirement sweep cadence
	SweepIntervalSeconds int `mapstructure:"sweep_interval_seconds"`

	// SpawnRatePerSecond and SpawnBurst bound worker creation bursts
	SpawnRatePerSecond float64 `mapstructure:"spawn_rate_per_second"`
	SpawnBurst         int     `mapstructure:"spawn_burst"`

	// ResolveFromBinary resolves relative dir entries against the binary's
	// directory instead of the working directory
	ResolveFromBinary bool `mapstructure:"resolve_from_binary"`
}

// Server port constants
const (
	DefaultPort = 8080
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)

// IsProduction reports whether the runtime is in production mode.
// Production strips internal error detail from response bodies.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// ListenPort returns the effective HTTP port
func (c *Config) ListenPort() int {
	if c.Port != nil {
		return *c.Port
	}
	return DefaultPort
}
