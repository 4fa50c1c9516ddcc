package plugin

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/logger"
	"github.com/buntime/buntime/registry"
)

// shutdownHookDeadline bounds each plugin's OnShutdown hook
const shutdownHookDeadline = 5 * time.Second

// Registry holds the loaded plugins in priority order. It is immutable
// after Finalize except for service registrations during OnInit.
type Registry struct {
	mu      sync.RWMutex
	plugins []*Plugin
	byName  map[string]*Plugin
	byBase  map[string]*Plugin
	wsOwner *Plugin

	services  map[string]*serviceEntry
	resolving map[string]bool

	finalized bool
	started   bool
}

// NewRegistry creates an empty plugin registry
func NewRegistry() *Registry {
	return &Registry{
		byName:    make(map[string]*Plugin),
		byBase:    make(map[string]*Plugin),
		services:  make(map[string]*serviceEntry),
		resolving: make(map[string]bool),
	}
}

// Register adds a plugin descriptor. Must be called before Finalize.
func (r *Registry) Register(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return errors.New("plugin registry already finalized")
	}
	if p.Name == "" {
		return errors.New("plugin has no name")
	}
	if _, exists := r.byName[p.Name]; exists {
		return errors.Newf("plugin %q registered twice", p.Name)
	}

	if p.Base != "" {
		base := normalizeBase(p.Base)
		if owner, taken := r.byBase[base]; taken {
			return errors.Newf("plugins %q and %q both claim base %s", owner.Name, p.Name, base)
		}
		p.Base = base
		r.byBase[base] = p
	}

	if p.WebSocketHandler != nil {
		if r.wsOwner != nil {
			return errors.Newf("plugins %q and %q both claim the websocket handler",
				r.wsOwner.Name, p.Name)
		}
		r.wsOwner = p
	}

	r.byName[p.Name] = p
	r.plugins = append(r.plugins, p)
	return nil
}

// Finalize validates dependencies, orders plugins by priority, and
// checks plugin bases against the installed app names. An exact
// base/app collision refuses startup; a deeper base that an app name
// could shadow only warns, since plugin routes win by precedence.
func (r *Registry) Finalize(appNames []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return errors.New("plugin registry already finalized")
	}

	for _, p := range r.plugins {
		for _, dep := range p.Dependencies {
			if _, ok := r.byName[dep]; !ok {
				return errors.Newf("plugin %q depends on %q, which is not loaded", p.Name, dep)
			}
		}
	}

	sort.SliceStable(r.plugins, func(a, b int) bool {
		if r.plugins[a].Priority != r.plugins[b].Priority {
			return r.plugins[a].Priority < r.plugins[b].Priority
		}
		return r.plugins[a].Name < r.plugins[b].Name
	})

	installed := make(map[string]bool, len(appNames))
	for _, name := range appNames {
		installed[name] = true
	}
	for base, p := range r.byBase {
		seg := firstSegment(base)
		if !installed[seg] {
			continue
		}
		if base == "/"+seg {
			return errors.Newf("plugin %q base %s collides with installed app %q",
				p.Name, base, seg)
		}
		logger.Warnw("App name shadows part of a plugin base; plugin routes win",
			"plugin", p.Name,
			"base", base,
			"app", seg)
	}

	// Static service values become available before any OnInit runs
	for _, p := range r.plugins {
		for name, impl := range p.Services {
			if err := r.registerServiceLocked(p.Name, name, impl); err != nil {
				return err
			}
		}
	}

	r.finalized = true
	logger.Infow("Plugin registry finalized", "plugins", len(r.plugins))
	return nil
}

// InitAll runs OnInit hooks serially in ascending priority order. A
// failure aborts startup.
func (r *Registry) InitAll(configs map[string]map[string]interface{}) error {
	for _, p := range r.ordered() {
		if p.OnInit == nil {
			continue
		}
		ctx := &InitContext{
			registry:   r,
			pluginName: p.Name,
			Config:     configs[p.Name],
			Logger:     logger.Named("plugin").With("plugin", p.Name),
		}
		if err := p.OnInit(ctx); err != nil {
			return errors.Wrapf(err, "plugin %q init failed", p.Name)
		}
		logger.Debugw("Plugin initialized", "plugin", p.Name)
	}
	return nil
}

// ServerStartAll notifies plugins after the listener is bound
func (r *Registry) ServerStartAll(addr string) {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	for _, p := range r.ordered() {
		if p.OnServerStart == nil {
			continue
		}
		if err := p.OnServerStart(addr); err != nil {
			logger.Warnw("Plugin server-start hook failed",
				"plugin", p.Name,
				"error", err)
		}
	}
}

// RunRequestHooks invokes OnRequest hooks in ascending priority order.
// The first non-nil response wins and short-circuits dispatch.
func (r *Registry) RunRequestHooks(req *http.Request, app *registry.App) (*Response, error) {
	for _, p := range r.ordered() {
		if p.OnRequest == nil {
			continue
		}
		resp, err := p.OnRequest(req, app)
		if err != nil {
			return nil, errors.Wrapf(err, "plugin %q request hook failed", p.Name)
		}
		if resp != nil {
			return resp, nil
		}
	}
	return nil, nil
}

// RunResponseHooks invokes OnResponse hooks in descending priority
// order. Hook failures are logged, not fatal; the response still flows.
func (r *Registry) RunResponseHooks(req *http.Request, resp *ProxyResponse) {
	plugins := r.ordered()
	for idx := len(plugins) - 1; idx >= 0; idx-- {
		p := plugins[idx]
		if p.OnResponse == nil {
			continue
		}
		if err := p.OnResponse(req, resp); err != nil {
			logger.Warnw("Plugin response hook failed",
				"plugin", p.Name,
				"error", err)
		}
	}
}

// ShutdownAll runs OnShutdown hooks in reverse priority order, each
// under a bounded deadline. Failures are logged and do not block the
// remaining hooks.
func (r *Registry) ShutdownAll() {
	plugins := r.ordered()
	for idx := len(plugins) - 1; idx >= 0; idx-- {
		p := plugins[idx]
		if p.OnShutdown == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), shutdownHookDeadline)
		done := make(chan error, 1)
		go func() { done <- p.OnShutdown(ctx) }()

		select {
		case err := <-done:
			if err != nil {
				logger.Warnw("Plugin shutdown hook failed", "plugin", p.Name, "error", err)
			}
		case <-ctx.Done():
			logger.Warnw("Plugin shutdown hook exceeded deadline", "plugin", p.Name)
		}
		cancel()
	}
}

// RouteFor matches a URL path against plugin bases. Longest base wins.
func (r *Registry) RouteFor(urlPath string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Plugin
	bestLen := 0
	for base, p := range r.byBase {
		if p.Routes == nil {
			continue
		}
		if urlPath == base || strings.HasPrefix(urlPath, base+"/") {
			if len(base) > bestLen {
				best = p
				bestLen = len(base)
			}
		}
	}
	return best, best != nil
}

// WebSocketOwner returns the plugin claiming connection upgrades
func (r *Registry) WebSocketOwner() *Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.wsOwner
}

// Plugins returns the loaded plugins in priority order
func (r *Registry) Plugins() []*Plugin {
	return r.ordered()
}

// Get returns a plugin by name
func (r *Registry) Get(name string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[name]
	return p, ok
}

func (r *Registry) ordered() []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

func normalizeBase(base string) string {
	base = "/" + strings.Trim(base, "/")
	return base
}

func firstSegment(base string) string {
	seg := strings.TrimPrefix(base, "/")
	if idx := strings.IndexByte(seg, '/'); idx >= 0 {
		seg = seg[:idx]
	}
	return seg
}
