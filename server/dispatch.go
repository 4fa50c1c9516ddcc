package server

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/plugin"
	"github.com/buntime/buntime/pool"
	"github.com/buntime/buntime/worker"
)

// dispatchApp resolves the URL to an app version, runs the plugin
// request chain, leases a worker, and proxies the exchange.
func (rt *Runtime) dispatchApp(w http.ResponseWriter, r *http.Request) {
	if rt.getState() != ServerStateRunning {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{
			Code:    "PoolShutdown",
			Message: "server is shutting down",
		})
		return
	}

	app, err := rt.resolver.Resolve(r.URL.Path)
	if err != nil {
		// Unmatched upgrades fall through to the plugin that claimed
		// the websocket handler, if any.
		if errors.IsAppNotFound(err) && isUpgradeRequest(r) {
			if owner := rt.plugins.WebSocketOwner(); owner != nil {
				owner.WebSocketHandler.ServeHTTP(w, r)
				return
			}
		}
		rt.writeError(w, r, err)
		return
	}

	hookResp, err := rt.plugins.RunRequestHooks(r, app)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if hookResp != nil {
		writePluginResponse(w, hookResp)
		return
	}

	if delay := rt.dispatchDelay(); delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	// The app's own timeout is only known once its manifest is loaded at
	// spawn; the acquire deadline uses the stock timeout, capped by any
	// upstream deadline.
	ctx, cancel := context.WithTimeout(r.Context(), worker.DefaultTimeout)
	defer cancel()

	lease, err := rt.pool.Acquire(ctx, *app)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}

	resp, err := lease.Instance.Handle(ctx, &worker.Request{
		ID:         uuid.NewString(),
		Method:     r.Method,
		URL:        r.URL.RequestURI(),
		Headers:    r.Header,
		RemoteAddr: r.RemoteAddr,
		Body:       r.Body,
	})
	if err != nil {
		_ = lease.Release(pool.OutcomeKill)
		rt.writeError(w, r, err)
		return
	}

	if resp.Socket != nil {
		rt.bridgeSocket(w, r, lease, resp)
		return
	}

	rt.streamResponse(w, r, lease, resp)
}

// streamResponse copies the worker's reply to the client as it arrives
func (rt *Runtime) streamResponse(w http.ResponseWriter, r *http.Request, lease *pool.Lease, resp *worker.Response) {
	proxy := &plugin.ProxyResponse{
		Status:  resp.Status,
		Headers: resp.Headers,
		Body:    resp.Body,
	}
	rt.plugins.RunResponseHooks(r, proxy)

	header := w.Header()
	for key, values := range proxy.Headers {
		header[key] = values
	}
	w.WriteHeader(proxy.Status)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	sent := false
	var copyErr error
	for {
		n, err := proxy.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				copyErr = werr
				break
			}
			sent = true
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			copyErr = err
			break
		}
	}

	if copyErr != nil {
		// The status line is gone; all we can do is truncate.
		proxy.Body.Close()
		_ = lease.Release(pool.OutcomeKill)
		rt.log.Warnw("Response stream truncated",
			"method", r.Method,
			"path", r.URL.Path,
			"bytesSent", sent,
			"error", copyErr)
		return
	}

	for key, values := range resp.Body.Trailer() {
		header[http.TrailerPrefix+key] = values
	}
	proxy.Body.Close()
	_ = lease.Release(pool.OutcomeOK)
}

// writePluginResponse emits a short-circuit response from an onRequest hook
func writePluginResponse(w http.ResponseWriter, resp *plugin.Response) {
	header := w.Header()
	for key, values := range resp.Headers {
		header[key] = values
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}
