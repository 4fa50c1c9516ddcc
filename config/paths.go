package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-getter"

	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/logger"
)

// WorkerDirList returns the expanded worker-directory search list,
// in configured order. Invalid entries are skipped with a warning.
func (c *Config) WorkerDirList() []string {
	return c.expandDirList(c.WorkerDirs)
}

// PluginDirList returns the expanded plugin-directory search list
func (c *Config) PluginDirList() []string {
	return c.expandDirList(c.PluginDirs)
}

func (c *Config) expandDirList(list string) []string {
	parts := strings.Split(list, ":")
	dirs := make([]string, 0, len(parts))
	for _, part := range parts {
		if part == "" {
			continue
		}
		expanded, err := c.expandPath(part)
		if err != nil {
			logger.Warnw("Invalid directory entry, skipping",
				"entry", part,
				"error", err)
			continue
		}
		dirs = append(dirs, expanded)
	}
	return dirs
}

// expandPath safely expands and validates a directory entry using
// go-getter detection. Handles ~, relative paths, and validates the
// result is a plain filesystem path.
func (c *Config) expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		path = filepath.Join(home, path[2:])
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", errors.Wrap(err, "failed to get home directory")
		}
		return home, nil
	}

	base := c.baseDir()

	detected, err := getter.Detect(path, base, getter.Detectors)
	if err != nil {
		return "", errors.Wrap(err, "invalid path")
	}

	u, err := url.Parse(detected)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse path")
	}

	if u.Scheme == "file" {
		return u.Path, nil
	}

	if u.Scheme == "" {
		if filepath.IsAbs(path) {
			return path, nil
		}
		return filepath.Join(base, path), nil
	}

	return "", errors.Newf("unsupported path scheme: %s (expected file:// or local path)", u.Scheme)
}

// baseDir returns the directory relative entries resolve against:
// the working directory, or the binary's directory when configured.
func (c *Config) baseDir() string {
	if c.ResolveFromBinary {
		if exe, err := os.Executable(); err == nil {
			return filepath.Dir(exe)
		}
	}
	if pwd, err := os.Getwd(); err == nil {
		return pwd
	}
	return "."
}
