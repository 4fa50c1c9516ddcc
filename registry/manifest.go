package registry

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"

	"github.com/buntime/buntime/errors"
)

// ManifestFile is the manifest's filename inside an app or plugin bundle
const ManifestFile = "manifest"

// Manifest describes an installable bundle. Name and Version are
// required; the remaining keys configure the worker that serves the app
// and are interpreted by the worker package.
type Manifest struct {
	Name        string `toml:"name"`
	Version     string `toml:"version"`
	Description string `toml:"description"`

	// Worker options, all optional. Pointers distinguish "absent" from
	// an explicit zero.
	Entrypoint  string `toml:"entrypoint"`
	Timeout     *int   `toml:"timeout"`
	TTL         *int   `toml:"ttl"`
	IdleTimeout *int   `toml:"idleTimeout"`
	MaxRequests *int   `toml:"maxRequests"`
	AutoInstall bool   `toml:"autoInstall"`
	LowMemory   bool   `toml:"lowMemory"`

	// Plugin bundles only
	Base     string                 `toml:"base"`
	Priority int                    `toml:"priority"`
	Config   map[string]interface{} `toml:"config"`
}

// ParseManifest reads and validates the manifest in dir. A missing file
// is an error when required is true; otherwise an empty manifest is
// returned so per-app defaults apply.
func ParseManifest(dir string, required bool) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !required {
			return &Manifest{}, nil
		}
		return nil, errors.NewInvalidManifest("manifest not readable at %s: %v", path, err)
	}

	var m Manifest
	if _, err := toml.DecodeFile(path, &m); err != nil {
		return nil, errors.NewInvalidManifest("failed to parse manifest %s: %v", path, err)
	}

	if required {
		if err := m.Validate(); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// Validate checks the identity fields required for installation.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return errors.NewInvalidManifest("manifest missing required key: name")
	}
	if !appNamePattern.MatchString(m.Name) {
		return errors.NewInvalidManifest("manifest name %q contains invalid characters", m.Name)
	}
	if m.Version == "" {
		return errors.NewInvalidManifest("manifest missing required key: version")
	}
	if _, err := semver.StrictNewVersion(m.Version); err != nil {
		return errors.NewInvalidManifest("manifest version %q is not strict semver: %v", m.Version, err)
	}
	return nil
}
