package registry

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buntime/buntime/errors"
)

// makeTgz builds a gzipped tarball from a name→content map
func makeTgz(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return &buf
}

func makeZip(t *testing.T, files map[string]string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return &buf
}

const helloManifest = "name = \"hello\"\nversion = \"1.0.0\"\n"

func TestInstallTgz(t *testing.T) {
	store := NewStore(t.TempDir())
	archive := makeTgz(t, map[string]string{
		"manifest":   helloManifest,
		"index.js":   "export default {}",
		"static/a.b": "asset",
	})

	m, err := store.Install(archive, ArchiveTgz)
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Name)
	assert.Equal(t, "1.0.0", m.Version)

	installed := filepath.Join(store.Root(), "hello", "1.0.0")
	body, err := os.ReadFile(filepath.Join(installed, "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "export default {}", string(body))

	body, err = os.ReadFile(filepath.Join(installed, "static", "a.b"))
	require.NoError(t, err)
	assert.Equal(t, "asset", string(body))
}

func TestInstallZip(t *testing.T) {
	store := NewStore(t.TempDir())
	archive := makeZip(t, map[string]string{
		"manifest": helloManifest,
		"index.js": "ok",
	})

	m, err := store.Install(archive, ArchiveZip)
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Name)

	_, err = os.Stat(filepath.Join(store.Root(), "hello", "1.0.0", "index.js"))
	assert.NoError(t, err)
}

func TestInstallWrappedInTopLevelDir(t *testing.T) {
	store := NewStore(t.TempDir())
	archive := makeTgz(t, map[string]string{
		"package/manifest": helloManifest,
		"package/index.js": "ok",
	})

	_, err := store.Install(archive, ArchiveTgz)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(store.Root(), "hello", "1.0.0", "index.js"))
	assert.NoError(t, err)
}

func TestInstallRejectsMissingManifest(t *testing.T) {
	store := NewStore(t.TempDir())
	archive := makeTgz(t, map[string]string{"index.js": "ok"})

	_, err := store.Install(archive, ArchiveTgz)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidManifest(err))
}

func TestInstallRejectsBadManifest(t *testing.T) {
	store := NewStore(t.TempDir())

	tests := []struct {
		name     string
		manifest string
	}{
		{"missing name", "version = \"1.0.0\"\n"},
		{"missing version", "name = \"hello\"\n"},
		{"loose version", "name = \"hello\"\nversion = \"v1\"\n"},
		{"invalid name", "name = \"he llo\"\nversion = \"1.0.0\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			archive := makeTgz(t, map[string]string{"manifest": tt.manifest})
			_, err := store.Install(archive, ArchiveTgz)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidManifest(err))
		})
	}
}

func TestInstallRejectsPathTraversal(t *testing.T) {
	store := NewStore(t.TempDir())
	archive := makeTgz(t, map[string]string{
		"manifest":      helloManifest,
		"../escape.txt": "gotcha",
	})

	_, err := store.Install(archive, ArchiveTgz)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidManifest(err))

	// Nothing became visible
	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestInstallRejectsDuplicateVersion(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Install(makeTgz(t, map[string]string{"manifest": helloManifest}), ArchiveTgz)
	require.NoError(t, err)

	_, err = store.Install(makeTgz(t, map[string]string{"manifest": helloManifest}), ArchiveTgz)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already installed")
}

func TestUninstallRoundTrip(t *testing.T) {
	root := t.TempDir()
	store := NewStore(root)

	before, err := os.ReadDir(root)
	require.NoError(t, err)

	_, err = store.Install(makeTgz(t, map[string]string{
		"manifest": helloManifest,
		"index.js": "ok",
	}), ArchiveTgz)
	require.NoError(t, err)

	require.NoError(t, store.Uninstall("hello", "1.0.0"))

	after, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after), "install-then-uninstall must restore the directory")
}

func TestUninstallKeepsOtherVersions(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Install(makeTgz(t, map[string]string{"manifest": helloManifest}), ArchiveTgz)
	require.NoError(t, err)
	_, err = store.Install(makeTgz(t, map[string]string{
		"manifest": "name = \"hello\"\nversion = \"2.0.0\"\n",
	}), ArchiveTgz)
	require.NoError(t, err)

	require.NoError(t, store.Uninstall("hello", "1.0.0"))

	_, err = os.Stat(filepath.Join(store.Root(), "hello", "2.0.0"))
	assert.NoError(t, err)
}

func TestUninstallNotInstalled(t *testing.T) {
	store := NewStore(t.TempDir())

	err := store.Uninstall("ghost", "1.0.0")
	require.Error(t, err)
	assert.True(t, errors.IsAppNotFound(err))
}

func TestListInstalled(t *testing.T) {
	store := NewStore(t.TempDir())

	_, err := store.Install(makeTgz(t, map[string]string{"manifest": helloManifest}), ArchiveTgz)
	require.NoError(t, err)
	_, err = store.Install(makeTgz(t, map[string]string{
		"manifest": "name = \"alpha\"\nversion = \"0.1.0\"\n",
	}), ArchiveTgz)
	require.NoError(t, err)

	apps, err := store.List()
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "alpha", apps[0].Name)
	assert.Equal(t, "hello", apps[1].Name)
}

func TestDetectArchiveKind(t *testing.T) {
	kind, err := DetectArchiveKind("bundle.tgz")
	require.NoError(t, err)
	assert.Equal(t, ArchiveTgz, kind)

	kind, err = DetectArchiveKind("bundle.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, ArchiveTgz, kind)

	kind, err = DetectArchiveKind("bundle.zip")
	require.NoError(t, err)
	assert.Equal(t, ArchiveZip, kind)

	_, err = DetectArchiveKind("bundle.rar")
	assert.Error(t, err)
}
