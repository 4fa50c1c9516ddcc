package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntime/buntime/errors"
)

// installVersions creates empty version directories for an app
func installVersions(t *testing.T, root, name string, versions ...string) {
	t.Helper()
	for _, v := range versions {
		require.NoError(t, os.MkdirAll(filepath.Join(root, name, v), 0755))
	}
}

func TestResolveExactVersion(t *testing.T) {
	root := t.TempDir()
	installVersions(t, root, "hello", "1.0.0", "2.0.0")
	r := NewResolver([]string{root})

	app, err := r.Resolve("/hello@1.0.0/index.html")
	require.NoError(t, err)
	assert.Equal(t, "hello", app.Name)
	assert.Equal(t, "1.0.0", app.Version)
	assert.Equal(t, filepath.Join(root, "hello", "1.0.0"), app.Dir)
}

func TestResolveNoRangePicksHighest(t *testing.T) {
	root := t.TempDir()
	installVersions(t, root, "hello", "1.0.0", "2.0.0")
	r := NewResolver([]string{root})

	app, err := r.Resolve("/hello/index.html")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", app.Version)
}

func TestResolveBareMajorRange(t *testing.T) {
	root := t.TempDir()
	installVersions(t, root, "app", "1.0.0", "1.5.3", "2.0.0")
	r := NewResolver([]string{root})

	app, err := r.Resolve("/app@1/")
	require.NoError(t, err)
	assert.Equal(t, "1.5.3", app.Version)
}

func TestResolveBareMajorMinorRange(t *testing.T) {
	root := t.TempDir()
	installVersions(t, root, "app", "1.4.0", "1.4.9", "1.5.0")
	r := NewResolver([]string{root})

	app, err := r.Resolve("/app@1.4/")
	require.NoError(t, err)
	assert.Equal(t, "1.4.9", app.Version)
}

func TestResolveRangeOperators(t *testing.T) {
	root := t.TempDir()
	installVersions(t, root, "app", "1.0.0", "1.2.0", "1.9.9", "2.1.0")
	r := NewResolver([]string{root})

	tests := []struct {
		rng  string
		want string
	}{
		{"^1.2", "1.9.9"},
		{"~1.2", "1.2.0"},
		{">=2", "2.1.0"},
		{">=1.0.0 <2.0.0", "1.9.9"},
	}

	for _, tt := range tests {
		t.Run(tt.rng, func(t *testing.T) {
			app, err := r.Resolve("/app@" + tt.rng + "/")
			require.NoError(t, err)
			assert.Equal(t, tt.want, app.Version)
		})
	}
}

func TestResolveEmptyMatchIsNotFound(t *testing.T) {
	root := t.TempDir()
	installVersions(t, root, "app", "1.0.0")
	r := NewResolver([]string{root})

	_, err := r.Resolve("/app@9/")
	require.Error(t, err)
	assert.True(t, errors.IsAppNotFound(err))
	assert.Equal(t, "AppNotFound", errors.Kind(err))
}

func TestResolveUnknownApp(t *testing.T) {
	r := NewResolver([]string{t.TempDir()})

	_, err := r.Resolve("/ghost/")
	require.Error(t, err)
	assert.True(t, errors.IsAppNotFound(err))
}

func TestResolveStablePreferredOverPrerelease(t *testing.T) {
	root := t.TempDir()
	installVersions(t, root, "app", "1.0.0", "2.0.0-beta.1")
	r := NewResolver([]string{root})

	app, err := r.Resolve("/app/")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", app.Version)
}

func TestResolveOnlyPrereleases(t *testing.T) {
	root := t.TempDir()
	installVersions(t, root, "app", "1.0.0-alpha", "1.0.0-beta")
	r := NewResolver([]string{root})

	app, err := r.Resolve("/app/")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0-beta", app.Version)
}

func TestResolvePrereleaseEligibleInRange(t *testing.T) {
	root := t.TempDir()
	installVersions(t, root, "app", "1.0.0", "1.5.0-rc.1")
	r := NewResolver([]string{root})

	app, err := r.Resolve("/app@1/")
	require.NoError(t, err)
	assert.Equal(t, "1.5.0-rc.1", app.Version)
}

func TestResolveIgnoresNonSemverChildren(t *testing.T) {
	root := t.TempDir()
	installVersions(t, root, "app", "1.0.0")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "latest"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "v2.0.0"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "app", "notes.txt"), []byte("x"), 0644))
	r := NewResolver([]string{root})

	app, err := r.Resolve("/app/")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", app.Version)
}

func TestResolveFirstDirectoryWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	installVersions(t, first, "app", "1.0.0")
	installVersions(t, second, "app", "9.0.0")
	r := NewResolver([]string{first, second})

	app, err := r.Resolve("/app/")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", app.Version)
	assert.Equal(t, filepath.Join(first, "app", "1.0.0"), app.Dir)
}

func TestResolveInvalidName(t *testing.T) {
	r := NewResolver([]string{t.TempDir()})

	for _, path := range []string{"/app_1/", "/../etc/", "/app.name/", "/"} {
		_, err := r.Resolve(path)
		assert.Error(t, err, "path %q", path)
		assert.True(t, errors.IsAppNotFound(err), "path %q", path)
	}
}

func TestResolveIsPure(t *testing.T) {
	root := t.TempDir()
	installVersions(t, root, "app", "1.0.0", "1.2.0")
	r := NewResolver([]string{root})

	first, err := r.Resolve("/app@1/")
	require.NoError(t, err)
	second, err := r.Resolve("/app@1/")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSplitAppPath(t *testing.T) {
	tests := []struct {
		path     string
		wantName string
		wantRng  string
		wantErr  bool
	}{
		{"/hello/index.html", "hello", "", false},
		{"/hello@1.2.3/x", "hello", "1.2.3", false},
		{"/hello@^1/", "hello", "^1", false},
		{"hello", "hello", "", false},
		{"/", "", "", true},
		{"/bad_name/", "", "", true},
	}

	for _, tt := range tests {
		name, rng, err := SplitAppPath(tt.path)
		if tt.wantErr {
			assert.Error(t, err, "path %q", tt.path)
			continue
		}
		require.NoError(t, err, "path %q", tt.path)
		assert.Equal(t, tt.wantName, name)
		assert.Equal(t, tt.wantRng, rng)
	}
}
