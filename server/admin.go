package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/plugin"
	"github.com/buntime/buntime/registry"
)

// maxUploadBytes caps admin archive uploads
const maxUploadBytes = 256 << 20

// serveAdmin handles the /_/ surface: health probes, app and plugin
// management, config, metrics, and the events stream.
func (rt *Runtime) serveAdmin(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, adminPrefix)
	rest = strings.Trim(rest, "/")
	parts := strings.Split(rest, "/")
	if parts[0] == "" {
		writeJSON(w, http.StatusNotFound, errorBody{Code: "NotFound", Message: "unknown admin route"})
		return
	}

	switch parts[0] {
	case "health":
		rt.handleHealth(w, r)
	case "live":
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	case "ready":
		rt.handleReady(w, r)
	case "apps":
		rt.handleApps(w, r, parts[1:])
	case "plugins":
		rt.handlePlugins(w, r, parts[1:])
	case "config":
		rt.handleConfig(w, r)
	case "metrics":
		rt.handleMetrics(w, r)
	case "events":
		rt.handleEvents(w, r)
	default:
		writeJSON(w, http.StatusNotFound, errorBody{Code: "NotFound", Message: "unknown admin route"})
	}
}

func (rt *Runtime) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"state":       stateString(rt.getState()),
		"liveWorkers": rt.pool.Live(),
	})
}

// handleReady reports whether a worker could be acquired on demand: the
// server is running and the pool is accepting leases.
func (rt *Runtime) handleReady(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if rt.getState() != ServerStateRunning {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "draining",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// appInfo is one installed app version in list responses
type appInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Dir     string `json:"dir"`
}

func (rt *Runtime) handleApps(w http.ResponseWriter, r *http.Request, parts []string) {
	switch r.Method {
	case http.MethodGet:
		rt.listInstalled(w, rt.cfg.WorkerDirList())
	case http.MethodPost:
		rt.installArchive(w, r, rt.appStore)
	case http.MethodDelete:
		rt.uninstall(w, r, rt.appStore, parts)
	default:
		requireMethod(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (rt *Runtime) handlePlugins(w http.ResponseWriter, r *http.Request, parts []string) {
	switch r.Method {
	case http.MethodGet:
		rt.listPlugins(w)
	case http.MethodPost:
		if rt.pluginStore == nil {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Code:    "InvalidConfig",
				Message: "no plugin directory configured",
			})
			return
		}
		rt.installArchive(w, r, rt.pluginStore)
	case http.MethodDelete:
		if rt.pluginStore == nil {
			writeJSON(w, http.StatusBadRequest, errorBody{
				Code:    "InvalidConfig",
				Message: "no plugin directory configured",
			})
			return
		}
		rt.uninstall(w, r, rt.pluginStore, parts)
	default:
		requireMethod(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (rt *Runtime) listInstalled(w http.ResponseWriter, dirs []string) {
	infos := make([]appInfo, 0)
	for _, dir := range dirs {
		apps, err := registry.NewStore(dir).List()
		if err != nil {
			continue
		}
		for _, app := range apps {
			infos = append(infos, appInfo{Name: app.Name, Version: app.Version, Dir: app.Dir})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"apps": infos})
}

type pluginInfo struct {
	Name     string             `json:"name"`
	Priority int                `json:"priority"`
	Base     string             `json:"base,omitempty"`
	Menus    []plugin.MenuEntry `json:"menus,omitempty"`
}

func (rt *Runtime) listPlugins(w http.ResponseWriter) {
	plugins := rt.plugins.Plugins()
	infos := make([]pluginInfo, 0, len(plugins))
	for _, p := range plugins {
		infos = append(infos, pluginInfo{
			Name:     p.Name,
			Priority: p.Priority,
			Base:     p.Base,
			Menus:    p.Menus,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"plugins":  infos,
		"services": rt.plugins.ServiceNames(),
	})
}

// installArchive accepts a multipart upload with an "archive" file part
// and installs it through the store. The manifest is validated before
// anything lands in the install directory.
func (rt *Runtime) installArchive(w http.ResponseWriter, r *http.Request, store *registry.Store) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("archive")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Code:    "InvalidManifest",
			Message: "multipart upload requires an \"archive\" file part",
		})
		return
	}
	defer file.Close()

	kind, err := registry.DetectArchiveKind(header.Filename)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}

	manifest, err := store.Install(file, kind)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}

	rt.log.Infow("Archive installed",
		"name", manifest.Name,
		"version", manifest.Version,
		"dir", store.Root())
	writeJSON(w, http.StatusCreated, map[string]string{
		"name":    manifest.Name,
		"version": manifest.Version,
	})
}

// uninstall expects /<name>/<version> after the collection segment
func (rt *Runtime) uninstall(w http.ResponseWriter, r *http.Request, store *registry.Store, parts []string) {
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Code:    "InvalidManifest",
			Message: "expected DELETE .../{name}/{version}",
		})
		return
	}
	name, version := parts[0], parts[1]

	if err := store.Uninstall(name, version); err != nil {
		rt.writeError(w, r, err)
		return
	}
	rt.log.Infow("Archive uninstalled", "name", name, "version", version)
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    name,
		"version": version,
	})
}

// configView is the externally visible configuration snapshot
type configView struct {
	Port       int      `json:"port"`
	Env        string   `json:"env"`
	DelayMS    int      `json:"delay_ms"`
	WorkerDirs []string `json:"worker_dirs"`
	PluginDirs []string `json:"plugin_dirs"`
	PoolSize   int      `json:"pool_size"`
	Runner     string   `json:"runner"`
	Plugins    []string `json:"plugins"`
}

// configPatch carries the mutable settings accepted by PATCH
type configPatch struct {
	DelayMS *int `json:"delay_ms"`
}

func (rt *Runtime) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, configView{
			Port:       rt.cfg.ListenPort(),
			Env:        rt.cfg.Env,
			DelayMS:    int(rt.dispatchDelay().Milliseconds()),
			WorkerDirs: rt.cfg.WorkerDirList(),
			PluginDirs: rt.cfg.PluginDirList(),
			PoolSize:   rt.cfg.PoolSize,
			Runner:     rt.cfg.Runner,
			Plugins:    rt.cfg.Plugins,
		})

	case http.MethodPatch:
		var patch configPatch
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&patch); err != nil {
			rt.writeError(w, r, errors.NewInvalidConfig("malformed config patch: %v", err))
			return
		}
		if patch.DelayMS != nil {
			if *patch.DelayMS < 0 {
				rt.writeError(w, r, errors.NewInvalidConfig("delay_ms must be >= 0"))
				return
			}
			rt.setDispatchDelay(millis(*patch.DelayMS))
			if rt.configWatcher != nil {
				rt.configWatcher.MarkOwnWrite()
			}
			rt.log.Infow("Dispatch delay updated", "delayMs", *patch.DelayMS)
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})

	default:
		requireMethod(w, r, http.MethodGet, http.MethodPatch)
	}
}

func (rt *Runtime) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, rt.pool.Metrics())
}
