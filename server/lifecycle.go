package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/buntime/buntime/errors"
)

// goroutineStopTimeout bounds the wait for background goroutines on Stop
const goroutineStopTimeout = 10 * time.Second

// Start runs plugin init, binds the listener, and serves until Stop.
// It blocks for the server's lifetime.
func (rt *Runtime) Start() error {
	if err := rt.plugins.InitAll(rt.pluginConfigs); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", rt.cfg.ListenPort())
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to bind %s", addr)
	}

	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		rt.events.run(rt.ctx, rt.pool)
	}()

	rt.httpServer = &http.Server{
		Handler:           rt,
		ReadHeaderTimeout: 10 * time.Second,
	}

	rt.setState(ServerStateRunning)
	rt.plugins.ServerStartAll(listener.Addr().String())

	rt.log.Infow("Server listening",
		"addr", listener.Addr().String(),
		"workerDirs", rt.cfg.WorkerDirs,
		"poolSize", rt.cfg.PoolSize)

	err = rt.httpServer.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop drains the pool, shuts plugins down, and releases resources.
// Order matters: stop admission first, drain workers, then plugin
// shutdown hooks, then the event hub and background goroutines.
func (rt *Runtime) Stop() error {
	rt.log.Infow("Initiating server shutdown")
	rt.setState(ServerStateDraining)

	if rt.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.ShutdownGrace())
		defer cancel()
		if err := rt.httpServer.Shutdown(ctx); err != nil {
			rt.log.Warnw("HTTP server shutdown incomplete", "error", err)
		}
	}

	rt.pool.Shutdown(rt.cfg.ShutdownGrace())

	rt.plugins.ShutdownAll()

	rt.events.closeAll()
	rt.cancel()

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		rt.log.Infow("All goroutines stopped cleanly")
	case <-time.After(goroutineStopTimeout):
		rt.log.Warnw("Goroutine shutdown timed out", "timeout", goroutineStopTimeout)
	}

	if rt.configWatcher != nil {
		if err := rt.configWatcher.Stop(); err != nil {
			rt.log.Warnw("Failed to stop config watcher", "error", err)
		}
	}

	rt.setState(ServerStateStopped)
	rt.log.Infow("Server shutdown complete")
	return nil
}
