package server

import (
	"net/http"
	"strings"
)

// adminPrefix is the reserved administrative path space. Underscore is
// not a valid app name character, so the prefix can never collide.
const adminPrefix = "/_"

// ServeHTTP routes a request by precedence: plugin bases first, the
// admin surface next, then app dispatch.
func (rt *Runtime) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if p, ok := rt.plugins.RouteFor(path); ok {
		p.Routes.ServeHTTP(w, r)
		return
	}

	if path == adminPrefix || strings.HasPrefix(path, adminPrefix+"/") {
		rt.serveAdmin(w, r)
		return
	}

	rt.dispatchApp(w, r)
}

func isUpgradeRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}
