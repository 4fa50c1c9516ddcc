package registry

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/buntime/buntime/config"
	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/logger"
)

// ArchiveKind identifies the upload format of an install archive
type ArchiveKind string

const (
	ArchiveTgz ArchiveKind = "tgz"
	ArchiveZip ArchiveKind = "zip"
)

// DetectArchiveKind infers the archive kind from a filename
func DetectArchiveKind(filename string) (ArchiveKind, error) {
	switch {
	case strings.HasSuffix(filename, ".tgz"), strings.HasSuffix(filename, ".tar.gz"):
		return ArchiveTgz, nil
	case strings.HasSuffix(filename, ".zip"):
		return ArchiveZip, nil
	default:
		return "", errors.NewInvalidManifest("unsupported archive type: %s (expected .tgz or .zip)", filename)
	}
}

// Store installs and removes versioned bundles under a single root
// directory, laid out as <root>/<name>/<version>/.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// Root returns the store's root directory
func (s *Store) Root() string {
	return s.root
}

// Install extracts an archive, validates its manifest, and atomically
// moves it into place. The extraction happens in a temp directory next
// to the root so the final rename stays on one filesystem; a partial
// install never becomes visible.
func (s *Store) Install(archive io.Reader, kind ArchiveKind) (*Manifest, error) {
	if err := os.MkdirAll(s.root, config.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create store root %s", s.root)
	}

	tmpDir, err := os.MkdirTemp(s.root, ".install-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create staging directory")
	}
	defer os.RemoveAll(tmpDir)

	switch kind {
	case ArchiveTgz:
		err = extractTgz(archive, tmpDir)
	case ArchiveZip:
		err = extractZip(archive, tmpDir)
	default:
		err = errors.NewInvalidManifest("unknown archive kind %q", kind)
	}
	if err != nil {
		return nil, err
	}

	bundleDir, err := bundleRoot(tmpDir)
	if err != nil {
		return nil, err
	}

	manifest, err := ParseManifest(bundleDir, true)
	if err != nil {
		return nil, err
	}

	target := filepath.Join(s.root, manifest.Name, manifest.Version)
	if _, err := os.Stat(target); err == nil {
		return nil, errors.NewInvalidManifest("%s@%s is already installed", manifest.Name, manifest.Version)
	}

	if err := os.MkdirAll(filepath.Dir(target), config.DefaultDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to create app directory for %s", manifest.Name)
	}

	if err := os.Rename(bundleDir, target); err != nil {
		return nil, errors.Wrapf(err, "failed to move %s@%s into place", manifest.Name, manifest.Version)
	}

	logger.Infow("Installed bundle",
		"name", manifest.Name,
		"version", manifest.Version,
		"dir", target)
	return manifest, nil
}

// Uninstall removes a version directory, and the app directory when it
// becomes empty.
func (s *Store) Uninstall(name, version string) error {
	if !appNamePattern.MatchString(name) {
		return errors.NewAppNotFound("invalid app name %q", name)
	}

	appDir := filepath.Join(s.root, name)
	target := filepath.Join(appDir, version)
	if filepath.Dir(target) != appDir {
		return errors.NewAppNotFound("invalid version %q", version)
	}

	if _, err := os.Stat(target); err != nil {
		return errors.NewAppNotFound("%s@%s is not installed", name, version)
	}

	if err := os.RemoveAll(target); err != nil {
		return errors.Wrapf(err, "failed to remove %s@%s", name, version)
	}

	// Drop the parent when no versions remain
	if entries, err := os.ReadDir(appDir); err == nil && len(entries) == 0 {
		if err := os.Remove(appDir); err != nil {
			logger.Warnw("Failed to remove empty app directory",
				"dir", appDir,
				"error", err)
		}
	}

	logger.Infow("Uninstalled bundle", "name", name, "version", version)
	return nil
}

// List enumerates installed bundles with valid semver version dirs
func (s *Store) List() ([]App, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "failed to read store root %s", s.root)
	}

	var apps []App
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		appDir := filepath.Join(s.root, entry.Name())
		versions, err := installedVersions(appDir)
		if err != nil {
			continue
		}
		for _, v := range versions {
			apps = append(apps, App{
				Name:    entry.Name(),
				Version: v.Original(),
				Dir:     filepath.Join(appDir, v.Original()),
			})
		}
	}

	sort.Slice(apps, func(i, j int) bool {
		if apps[i].Name != apps[j].Name {
			return apps[i].Name < apps[j].Name
		}
		return apps[i].Version < apps[j].Version
	})
	return apps, nil
}

// bundleRoot locates the manifest-bearing directory inside an extracted
// archive: either the extraction root itself, or a single top-level
// directory wrapping the bundle (the npm-pack convention).
func bundleRoot(dir string) (string, error) {
	if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err == nil {
		return dir, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrap(err, "failed to inspect extracted archive")
	}
	if len(entries) == 1 && entries[0].IsDir() {
		nested := filepath.Join(dir, entries[0].Name())
		if _, err := os.Stat(filepath.Join(nested, ManifestFile)); err == nil {
			return nested, nil
		}
	}

	return "", errors.NewInvalidManifest("archive contains no %s file", ManifestFile)
}

// securePath joins name onto dir, rejecting absolute paths and any
// traversal outside dir.
func securePath(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", errors.NewInvalidManifest("archive entry %q has an absolute path", name)
	}
	cleaned := filepath.Join(dir, filepath.Clean(name))
	if cleaned != dir && !strings.HasPrefix(cleaned, dir+string(os.PathSeparator)) {
		return "", errors.NewInvalidManifest("archive entry %q escapes the extraction directory", name)
	}
	return cleaned, nil
}

func extractTgz(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.NewInvalidManifest("archive is not gzip: %v", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.NewInvalidManifest("corrupt tar archive: %v", err)
		}

		path, err := securePath(dir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(path, config.DefaultDirPermissions); err != nil {
				return errors.Wrapf(err, "failed to create directory %s", header.Name)
			}
		case tar.TypeReg:
			if err := writeEntry(path, tr, header.FileInfo().Mode()); err != nil {
				return errors.Wrapf(err, "failed to extract %s", header.Name)
			}
		default:
			// Symlinks and devices are not allowed in bundles
			return errors.NewInvalidManifest("archive entry %q has unsupported type %c", header.Name, header.Typeflag)
		}
	}
}

func extractZip(r io.Reader, dir string) error {
	// zip needs random access; spool the upload to a temp file first
	tmp, err := os.CreateTemp(dir, ".upload-*.zip")
	if err != nil {
		return errors.Wrap(err, "failed to spool zip archive")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, r)
	if err != nil {
		return errors.Wrap(err, "failed to spool zip archive")
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		return errors.NewInvalidManifest("archive is not a zip: %v", err)
	}

	for _, f := range zr.File {
		path, err := securePath(dir, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(path, config.DefaultDirPermissions); err != nil {
				return errors.Wrapf(err, "failed to create directory %s", f.Name)
			}
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return errors.Wrapf(err, "failed to open archive entry %s", f.Name)
		}
		err = writeEntry(path, rc, f.Mode())
		rc.Close()
		if err != nil {
			return errors.Wrapf(err, "failed to extract %s", f.Name)
		}
	}
	return nil
}

func writeEntry(path string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), config.DefaultDirPermissions); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
