package server

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/buntime/buntime/pool"
	"github.com/buntime/buntime/worker"
)

// eventBroadcastInterval is how often pool metrics go out to /_/events
// subscribers.
const eventBroadcastInterval = 2 * time.Second

var eventUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The events stream is an operator surface; same-origin policy is
	// left to whatever fronts the server.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventHub fans pool metrics snapshots out to websocket subscribers
type eventHub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	closed  bool
}

func newEventHub() *eventHub {
	return &eventHub{clients: make(map[*websocket.Conn]bool)}
}

func (h *eventHub) add(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[conn] = true
	return true
}

func (h *eventHub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// run broadcasts metrics until the context is cancelled
func (h *eventHub) run(ctx context.Context, p *pool.Pool) {
	ticker := time.NewTicker(eventBroadcastInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.broadcast(p.Metrics())
		}
	}
}

func (h *eventHub) broadcast(payload interface{}) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(payload); err != nil {
			h.remove(conn)
		}
	}
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clients = make(map[*websocket.Conn]bool)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

// handleEvents upgrades a client onto the metrics broadcast stream
func (rt *Runtime) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := eventUpgrader.Upgrade(w, r, nil)
	if err != nil {
		rt.log.Debugw("Events upgrade failed", "error", err)
		return
	}
	if !rt.events.add(conn) {
		conn.Close()
		return
	}

	// Reads only service control frames; any client data or error ends
	// the subscription.
	go func() {
		defer rt.events.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// bridgeSocket hijacks the client connection after a worker 101 and
// shuttles raw bytes both ways. The worker stays ACTIVE until the
// socket closes.
func (rt *Runtime) bridgeSocket(w http.ResponseWriter, r *http.Request, lease *pool.Lease, resp *worker.Response) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		resp.Socket.Close()
		_ = lease.Release(pool.OutcomeKill)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code:    "Internal",
			Message: "connection cannot be upgraded",
		})
		return
	}

	conn, bufrw, err := hijacker.Hijack()
	if err != nil {
		resp.Socket.Close()
		_ = lease.Release(pool.OutcomeKill)
		rt.log.Warnw("Hijack failed", "path", r.URL.Path, "error", err)
		return
	}

	fmt.Fprintf(bufrw, "HTTP/1.1 %d Switching Protocols\r\n", resp.Status)
	resp.Headers.Write(bufrw)
	bufrw.WriteString("\r\n")
	if err := bufrw.Flush(); err != nil {
		conn.Close()
		resp.Socket.Close()
		_ = lease.Release(pool.OutcomeKill)
		return
	}

	rt.log.Debugw("Socket bridged", "path", r.URL.Path, "remote", r.RemoteAddr)

	done := make(chan struct{}, 2)
	go func() {
		// bufrw.Reader may hold bytes that arrived with the handshake
		io.Copy(resp.Socket, bufrw.Reader)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(conn, resp.Socket)
		done <- struct{}{}
	}()
	<-done

	conn.Close()
	resp.Socket.Close()
	_ = lease.Release(pool.OutcomeOK)
}
