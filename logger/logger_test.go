package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetVerbosityEnablesDebug(t *testing.T) {
	t.Setenv("RUNTIME_ENV", "production")
	require.NoError(t, Initialize(false))
	t.Cleanup(func() { Logger = zap.NewNop().Sugar() })

	assert.False(t, atomicLevel.Enabled(zap.DebugLevel))

	SetVerbosity(0)
	assert.False(t, atomicLevel.Enabled(zap.DebugLevel),
		"zero verbosity keeps the configured level")

	SetVerbosity(1)
	assert.True(t, atomicLevel.Enabled(zap.DebugLevel))
}

func TestInitializeDevelopmentDefaultsToDebug(t *testing.T) {
	t.Setenv("RUNTIME_ENV", "development")
	require.NoError(t, Initialize(false))
	t.Cleanup(func() { Logger = zap.NewNop().Sugar() })

	assert.True(t, atomicLevel.Enabled(zap.DebugLevel))

	// Already at debug; extra -v flags are a no-op
	SetVerbosity(3)
	assert.True(t, atomicLevel.Enabled(zap.DebugLevel))
}
