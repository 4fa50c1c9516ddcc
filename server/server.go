// Package server is the front door: it routes requests to plugin
// routes, the admin surface, or app dispatch, proxies request and
// response streams to pooled workers, and owns the process lifecycle.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/buntime/buntime/config"
	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/logger"
	"github.com/buntime/buntime/plugin"
	"github.com/buntime/buntime/pool"
	"github.com/buntime/buntime/registry"
)

// ServerState tracks the runtime's lifecycle
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Runtime wires the resolver, pool, stores, and plugin registry into
// one explicit value; handlers receive it instead of reaching for
// globals.
type Runtime struct {
	cfg      *config.Config
	resolver *registry.Resolver

	// appStore and pluginStore install into the first directory of
	// their respective search lists.
	appStore    *registry.Store
	pluginStore *registry.Store

	pool          *pool.Pool
	plugins       *plugin.Registry
	pluginConfigs map[string]map[string]interface{}

	events        *eventHub
	configWatcher *config.Watcher

	httpServer *http.Server
	log        *zap.SugaredLogger

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// mutable at runtime via the admin config surface
	delayMu  sync.RWMutex
	dispatch time.Duration
}

// New builds a runtime from validated configuration. Plugins are
// loaded and validated here; OnInit hooks run in Start.
func New(cfg *config.Config) (*Runtime, error) {
	workerDirs := cfg.WorkerDirList()
	if len(workerDirs) == 0 {
		return nil, errors.NewInvalidConfig("no usable worker directories in %q", cfg.WorkerDirs)
	}
	pluginDirs := cfg.PluginDirList()

	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		cfg:      cfg,
		resolver: registry.NewResolver(workerDirs),
		appStore: registry.NewStore(workerDirs[0]),
		pool:     pool.New(cfg),
		plugins:  plugin.NewRegistry(),
		events:   newEventHub(),
		log:      logger.Named("server"),
		ctx:      ctx,
		cancel:   cancel,
		dispatch: cfg.DispatchDelay(),
	}
	if len(pluginDirs) > 0 {
		rt.pluginStore = registry.NewStore(pluginDirs[0])
	}

	configs, err := plugin.LoadAll(cfg, rt.plugins)
	if err != nil {
		cancel()
		return nil, err
	}
	rt.pluginConfigs = configs

	if err := rt.plugins.Finalize(rt.installedAppNames()); err != nil {
		cancel()
		return nil, err
	}

	return rt, nil
}

// installedAppNames lists app names across every worker directory
func (rt *Runtime) installedAppNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, dir := range rt.cfg.WorkerDirList() {
		apps, err := registry.NewStore(dir).List()
		if err != nil {
			continue
		}
		for _, app := range apps {
			if !seen[app.Name] {
				seen[app.Name] = true
				names = append(names, app.Name)
			}
		}
	}
	return names
}

// WatchConfig attaches a config file watcher that applies mutable
// settings on change.
func (rt *Runtime) WatchConfig(path string) error {
	watcher, err := config.NewWatcher(path)
	if err != nil {
		return err
	}
	watcher.OnReload(func(cfg *config.Config) error {
		rt.setDispatchDelay(cfg.DispatchDelay())
		return nil
	})
	watcher.Start()
	rt.configWatcher = watcher
	return nil
}

func (rt *Runtime) setDispatchDelay(d time.Duration) {
	rt.delayMu.Lock()
	rt.dispatch = d
	rt.delayMu.Unlock()
}

func (rt *Runtime) dispatchDelay() time.Duration {
	rt.delayMu.RLock()
	defer rt.delayMu.RUnlock()
	return rt.dispatch
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func (rt *Runtime) getState() ServerState {
	return ServerState(rt.state.Load())
}

func (rt *Runtime) setState(state ServerState) {
	rt.state.Store(int32(state))
	rt.log.Infow("Server state changed", "state", stateString(state))
}

// Pool exposes the worker pool, for tests and CLI introspection
func (rt *Runtime) Pool() *pool.Pool {
	return rt.pool
}

// Plugins exposes the plugin registry
func (rt *Runtime) Plugins() *plugin.Registry {
	return rt.plugins
}
