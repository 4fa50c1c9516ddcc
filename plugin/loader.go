package plugin

import (
	"net/http"
	"sync"

	"github.com/buntime/buntime/config"
	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/logger"
	"github.com/buntime/buntime/registry"
)

// Factory builds a plugin descriptor from its configuration block
type Factory func(cfg map[string]interface{}) (*Plugin, error)

var (
	builtinsMu sync.RWMutex
	builtins   = make(map[string]Factory)
)

// RegisterBuiltin makes a compiled-in plugin loadable by name. Called
// from init() functions of built-in plugin packages.
func RegisterBuiltin(name string, factory Factory) {
	builtinsMu.Lock()
	defer builtinsMu.Unlock()
	builtins[name] = factory
}

func builtinFactory(name string) (Factory, bool) {
	builtinsMu.RLock()
	defer builtinsMu.RUnlock()
	f, ok := builtins[name]
	return f, ok
}

// LoadAll resolves each enabled plugin to either a built-in factory or
// an installed bundle in the plugin directories, and registers the
// results. It returns the per-plugin configuration blocks for InitAll.
func LoadAll(cfg *config.Config, reg *Registry) (map[string]map[string]interface{}, error) {
	configs := make(map[string]map[string]interface{})
	resolver := registry.NewResolver(cfg.PluginDirList())

	for _, name := range cfg.Plugins {
		p, pluginCfg, err := loadOne(name, resolver)
		if err != nil {
			return nil, err
		}
		if err := reg.Register(p); err != nil {
			return nil, err
		}
		configs[p.Name] = pluginCfg
		logger.Infow("Plugin loaded", "plugin", p.Name, "base", p.Base, "priority", p.Priority)
	}
	return configs, nil
}

func loadOne(name string, resolver *registry.Resolver) (*Plugin, map[string]interface{}, error) {
	if factory, ok := builtinFactory(name); ok {
		p, err := factory(nil)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "built-in plugin %q failed to construct", name)
		}
		return p, nil, nil
	}

	installed, err := resolver.Resolve("/" + name)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "plugin %q is neither built-in nor installed", name)
	}
	manifest, err := registry.ParseManifest(installed.Dir, true)
	if err != nil {
		return nil, nil, err
	}
	return bundlePlugin(installed, manifest), manifest.Config, nil
}

// bundlePlugin adapts an installed plugin bundle: its assets are served
// under the manifest's base path.
func bundlePlugin(installed *registry.App, manifest *registry.Manifest) *Plugin {
	base := manifest.Base
	if base == "" {
		base = "/" + manifest.Name
	}
	base = normalizeBase(base)

	return &Plugin{
		Name:     manifest.Name,
		Priority: manifest.Priority,
		Base:     base,
		Routes:   http.StripPrefix(base, http.FileServer(http.Dir(installed.Dir))),
	}
}
