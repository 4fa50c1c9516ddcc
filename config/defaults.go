package config

import (
	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")
	v.SetDefault("delay_ms", 0)

	// Registry defaults
	v.SetDefault("worker_dirs", "./apps")
	v.SetDefault("plugin_dirs", "./plugins")

	// Pool defaults
	v.SetDefault("pool_size", 16)
	v.SetDefault("sweep_interval_seconds", 1)
	v.SetDefault("spawn_rate_per_second", 8.0) // smooths cold-start stampedes
	v.SetDefault("spawn_burst", 4)

	// Worker runner
	v.SetDefault("runner", "bun")

	// Supervisor defaults
	v.SetDefault("shutdown_grace_seconds", 30)
}

// BindWellKnownEnvVars binds configuration keys whose environment variable
// names predate the RUNTIME_ prefix convention and must stay stable.
func BindWellKnownEnvVars(v *viper.Viper) {
	v.BindEnv("port", "PORT", "RUNTIME_PORT")
	v.BindEnv("delay_ms", "DELAY_MS", "RUNTIME_DELAY_MS")
}
