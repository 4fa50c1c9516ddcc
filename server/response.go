package server

import (
	"encoding/json"
	"net/http"

	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/logger"
)

// errorBody is the machine-readable error envelope. Code is stable
// across releases; Message is human-oriented.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warnw("Failed to encode JSON response", "error", err)
	}
}

// httpStatusFor maps an error kind to an HTTP status. This is the only
// place that mapping lives.
func httpStatusFor(err error) int {
	switch {
	case errors.IsAppNotFound(err):
		return http.StatusNotFound
	case errors.IsAppUnavailable(err):
		return http.StatusBadGateway
	case errors.IsPoolExhausted(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrPoolShutdown):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrWorkerTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, errors.ErrWorkerCrash):
		return http.StatusBadGateway
	case errors.IsInvalidManifest(err), errors.Is(err, errors.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, errors.ErrPluginRejected):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the error envelope for a runtime error. In
// production the internal detail stays in the log; the response body
// carries only the stable code and a generic message.
func (rt *Runtime) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatusFor(err)
	kind := errors.Kind(err)

	if status >= 500 {
		rt.log.Errorw("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"code", kind,
			"error", err)
	} else {
		rt.log.Debugw("Request rejected",
			"method", r.Method,
			"path", r.URL.Path,
			"code", kind,
			"error", err)
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	message := err.Error()
	if rt.cfg.IsProduction() {
		message = genericMessage(kind)
	}
	writeJSON(w, status, errorBody{Code: kind, Message: message})
}

func genericMessage(kind string) string {
	switch kind {
	case "AppNotFound":
		return "app not found"
	case "AppUnavailable":
		return "app unavailable"
	case "PoolExhausted":
		return "no worker available, retry shortly"
	case "PoolShutdown":
		return "server is shutting down"
	case "WorkerTimeout":
		return "request timed out"
	case "WorkerCrash":
		return "app failed while handling the request"
	case "InvalidManifest":
		return "invalid manifest"
	case "InvalidConfig":
		return "invalid configuration"
	case "PluginRejected":
		return "request rejected"
	default:
		return "internal error"
	}
}

// requireMethod rejects requests with the wrong verb
func requireMethod(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}
	writeJSON(w, http.StatusMethodNotAllowed, errorBody{
		Code:    "MethodNotAllowed",
		Message: "method not allowed",
	})
	return false
}
