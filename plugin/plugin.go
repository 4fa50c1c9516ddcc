// Package plugin implements the in-process extension surface: plugin
// descriptors, the priority-ordered registry, request/response hooks,
// and the named-service table.
package plugin

import (
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/buntime/buntime/registry"
)

// Plugin is a static descriptor. All hook fields are optional; a nil
// hook is skipped. Lower Priority runs earlier.
type Plugin struct {
	Name         string
	Priority     int
	Dependencies []string

	// Base mounts Routes under this URL prefix (e.g. "/admin-ui")
	Base   string
	Routes http.Handler

	// Menus are advisory UI entries surfaced through the admin API
	Menus []MenuEntry

	// Services are registered under their names before OnInit runs.
	// A value of type LazyService is resolved on first lookup.
	Services map[string]interface{}

	// WebSocketHandler claims plugin-level connection upgrades. At most
	// one registered plugin may set it.
	WebSocketHandler http.Handler

	OnInit        func(*InitContext) error
	OnServerStart func(addr string) error
	OnRequest     RequestHook
	OnResponse    ResponseHook
	OnShutdown    func(ctx context.Context) error
}

// MenuEntry is an advisory navigation item contributed by a plugin
type MenuEntry struct {
	Label string `json:"label"`
	Path  string `json:"path"`
}

// RequestHook runs before worker acquisition. Returning a non-nil
// response short-circuits dispatch; the hook may also mutate request
// headers and return nil to pass the request on.
type RequestHook func(r *http.Request, app *registry.App) (*Response, error)

// Response is a plugin-produced reply that bypasses the worker
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// ResponseHook runs after the worker's response headers are available
// and before the body is streamed. It may mutate status and headers or
// wrap the body, but must not buffer the stream.
type ResponseHook func(r *http.Request, resp *ProxyResponse) error

// ProxyResponse is the mutable view of an in-flight worker response
type ProxyResponse struct {
	Status  int
	Headers http.Header
	Body    io.ReadCloser
}

// LazyService defers construction of a named service until first
// lookup. Cycles between lazy services are rejected at resolution.
type LazyService func() (interface{}, error)

// InitContext is handed to each plugin's OnInit hook
type InitContext struct {
	registry   *Registry
	pluginName string

	// Config is the plugin's own configuration block
	Config map[string]interface{}

	Logger *zap.SugaredLogger
}

// RegisterService publishes a named capability for later plugins
func (c *InitContext) RegisterService(name string, impl interface{}) error {
	return c.registry.registerService(c.pluginName, name, impl)
}

// GetService looks up a capability registered by an earlier plugin
func (c *InitContext) GetService(name string) (interface{}, error) {
	return c.registry.GetService(name)
}
