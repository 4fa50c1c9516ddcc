package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"app not found", ErrAppNotFound, "AppNotFound"},
		{"wrapped app not found", Wrap(ErrAppNotFound, "resolving /hello"), "AppNotFound"},
		{"app unavailable", Wrap(ErrAppUnavailable, "spawn failed"), "AppUnavailable"},
		{"pool exhausted", ErrPoolExhausted, "PoolExhausted"},
		{"pool shutdown", ErrPoolShutdown, "PoolShutdown"},
		{"worker crash", Wrap(ErrWorkerCrash, "exit status 137"), "WorkerCrash"},
		{"worker timeout", ErrWorkerTimeout, "WorkerTimeout"},
		{"invalid manifest", NewInvalidManifest("missing name"), "InvalidManifest"},
		{"invalid config", NewInvalidConfig("pool_size must be >= 1"), "InvalidConfig"},
		{"unrecognised", New("boom"), "Internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestKindSurvivesDoubleWrap(t *testing.T) {
	err := Wrap(Wrap(ErrWorkerTimeout, "request abc123"), "dispatching /hello/index.html")
	assert.Equal(t, "WorkerTimeout", Kind(err))
	assert.True(t, Is(err, ErrWorkerTimeout))
}

func TestKindHelpers(t *testing.T) {
	require.True(t, IsAppNotFound(NewAppNotFound("no version of %s satisfies %s", "hello", "^9")))
	require.False(t, IsAppNotFound(nil))
	require.False(t, IsAppNotFound(New("other")))

	require.True(t, IsAppUnavailable(Wrap(ErrAppUnavailable, "handshake timeout")))
	require.True(t, IsPoolExhausted(Wrap(ErrPoolExhausted, "deadline elapsed")))
	require.True(t, IsInvalidManifest(NewInvalidManifest("bad version %q", "1.x")))
}

func TestWrapPreservesMessage(t *testing.T) {
	err := NewAppNotFound("no version of %s satisfies %s", "app", "^9")
	assert.Contains(t, err.Error(), "no version of app satisfies ^9")
	assert.Contains(t, err.Error(), "app not found")
}
