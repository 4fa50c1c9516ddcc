// Package registry manages the directory-backed app and plugin store:
// semver resolution of URL prefixes to on-disk version directories,
// manifest validation, and atomic archive installation.
package registry

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/buntime/buntime/errors"
)

// appNamePattern restricts app names to letters, digits, and dashes.
var appNamePattern = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// bareRangePattern matches "1" and "1.2" style ranges, which resolve as
// caret constraints (^1, ^1.2).
var bareRangePattern = regexp.MustCompile(`^\d+(\.\d+)?$`)

// App identifies one resolved app version on disk.
type App struct {
	Name    string
	Version string
	Dir     string
}

// Resolver maps app[@range] URL prefixes to installed version directories.
// It reads the filesystem on every call and keeps no state, so the result
// depends only on the directory contents and the input path.
type Resolver struct {
	dirs []string
}

// NewResolver creates a resolver over the given search directories.
// Directories are consulted in order; the first one containing the app
// wins.
func NewResolver(dirs []string) *Resolver {
	return &Resolver{dirs: dirs}
}

// Resolve maps a URL path to an installed app version.
//
// The first path segment is split on "@" into a name and an optional
// version range. With no range the highest stable version wins, falling
// back to the highest pre-release when no stable version is installed.
// Bare "1" or "1.2" ranges resolve as caret constraints. Full semver
// range syntax is accepted, with pre-releases eligible.
func (r *Resolver) Resolve(urlPath string) (*App, error) {
	name, rng, err := SplitAppPath(urlPath)
	if err != nil {
		return nil, err
	}

	appDir, err := r.findAppDir(name)
	if err != nil {
		return nil, err
	}

	versions, err := installedVersions(appDir)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, errors.NewAppNotFound("app %q has no installed versions", name)
	}

	selected, err := selectVersion(versions, rng)
	if err != nil {
		return nil, errors.Wrapf(err, "app %q", name)
	}
	if selected == nil {
		return nil, errors.NewAppNotFound("no version of %q satisfies %q", name, rng)
	}

	return &App{
		Name:    name,
		Version: selected.Original(),
		Dir:     filepath.Join(appDir, selected.Original()),
	}, nil
}

// SplitAppPath extracts the app name and optional version range from the
// first segment of a URL path.
func SplitAppPath(urlPath string) (name, rng string, err error) {
	segment := strings.TrimPrefix(urlPath, "/")
	if idx := strings.IndexByte(segment, '/'); idx >= 0 {
		segment = segment[:idx]
	}
	if segment == "" {
		return "", "", errors.NewAppNotFound("empty app name")
	}

	name = segment
	if idx := strings.IndexByte(segment, '@'); idx >= 0 {
		name = segment[:idx]
		rng = segment[idx+1:]
	}

	if !appNamePattern.MatchString(name) {
		return "", "", errors.NewAppNotFound("invalid app name %q", name)
	}
	return name, rng, nil
}

// findAppDir locates the app's directory in the search list. First
// directory containing the app wins, even if a later directory has a
// better version.
func (r *Resolver) findAppDir(name string) (string, error) {
	for _, dir := range r.dirs {
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return "", errors.NewAppNotFound("app %q not found in any worker directory", name)
}

// installedVersions lists the app directory's children that parse as
// strict semver. Anything else is ignored.
func installedVersions(appDir string) ([]*semver.Version, error) {
	entries, err := os.ReadDir(appDir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read app directory %s", appDir)
	}

	versions := make([]*semver.Version, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v, err := semver.StrictNewVersion(entry.Name())
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}

	sort.Sort(semver.Collection(versions))
	return versions, nil
}

// selectVersion picks the best version for a range from an ascending
// sorted list. Returns nil when nothing satisfies.
func selectVersion(versions []*semver.Version, rng string) (*semver.Version, error) {
	if rng == "" {
		return highestDefault(versions), nil
	}

	// An exact version wins outright when installed.
	if exact, err := semver.StrictNewVersion(rng); err == nil {
		for _, v := range versions {
			if v.Equal(exact) {
				return v, nil
			}
		}
		return nil, nil
	}

	constraintExpr := rng
	if bareRangePattern.MatchString(rng) {
		constraintExpr = "^" + rng
	}

	constraint, err := semver.NewConstraint(constraintExpr)
	if err != nil {
		return nil, errors.NewAppNotFound("invalid version range %q", rng)
	}

	for i := len(versions) - 1; i >= 0; i-- {
		if satisfies(constraint, versions[i]) {
			return versions[i], nil
		}
	}
	return nil, nil
}

// highestDefault picks the highest stable version, or the highest
// pre-release when no stable version exists. versions is sorted ascending.
func highestDefault(versions []*semver.Version) *semver.Version {
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i].Prerelease() == "" {
			return versions[i]
		}
	}
	return versions[len(versions)-1]
}

// satisfies checks a version against a constraint with pre-releases
// eligible: a pre-release that the constraint rejects only for being a
// pre-release is re-checked with the pre-release identifiers stripped.
func satisfies(c *semver.Constraints, v *semver.Version) bool {
	if c.Check(v) {
		return true
	}
	if v.Prerelease() == "" {
		return false
	}
	stripped, err := v.SetPrerelease("")
	if err != nil {
		return false
	}
	return c.Check(&stripped)
}
