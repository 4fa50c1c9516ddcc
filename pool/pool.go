// Package pool maintains the bounded set of worker processes: lane
// bookkeeping per app version, admission under the global size cap,
// FIFO waiter service, retirement, and graceful drain.
package pool

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/buntime/buntime/config"
	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/logger"
	"github.com/buntime/buntime/registry"
	"github.com/buntime/buntime/worker"
)

type laneKey struct {
	name    string
	version string
}

// lane holds the parked ready workers for one app version. Ready
// workers are kept in release order; reuse pops the most recent.
type lane struct {
	ready  []*worker.Instance
	active int
}

// grant is what a waiter receives: either a ready worker of its own
// lane handed over directly, or a reserved spawn slot (nil instance).
type grant struct {
	instance *worker.Instance
}

type waiter struct {
	key        laneKey
	app        registry.App
	ch         chan grant
	enqueuedAt time.Time
}

// Pool is the worker pool. All mutable state is behind one mutex; the
// only blocking operations (child spawn, waiter parking) happen outside
// it.
type Pool struct {
	runner  string
	maxSize int
	limiter *rate.Limiter

	mu       sync.Mutex
	lanes    map[laneKey]*lane
	counted  map[string]*worker.Instance
	waiters  []*waiter
	live     int
	draining bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a pool from the runtime configuration and starts the
// retirement sweep.
func New(cfg *config.Config) *Pool {
	p := &Pool{
		runner:  cfg.Runner,
		maxSize: cfg.PoolSize,
		limiter: rate.NewLimiter(rate.Limit(cfg.SpawnRatePerSecond), cfg.SpawnBurst),
		lanes:   make(map[laneKey]*lane),
		counted: make(map[string]*worker.Instance),
		stopCh:  make(chan struct{}),
	}

	p.wg.Add(1)
	go p.sweepLoop(cfg.SweepInterval())

	logger.Infow("Worker pool started",
		"maxSize", p.maxSize,
		"spawnRate", cfg.SpawnRatePerSecond,
		"sweepInterval", cfg.SweepInterval())
	return p
}

// Acquire returns a lease on a READY worker for the app, spawning or
// waiting as needed. Blocks until a worker is available, the context
// expires (ErrPoolExhausted while waiting), or the pool shuts down.
func (p *Pool) Acquire(ctx context.Context, app registry.App) (*Lease, error) {
	key := laneKey{name: app.Name, version: app.Version}

	p.mu.Lock()
	if p.draining {
		p.mu.Unlock()
		return nil, errors.Wrap(errors.ErrPoolShutdown, "pool is draining")
	}

	// Reuse the most recently used ready worker that is still healthy
	if inst := p.takeReadyLocked(key); inst != nil {
		p.lanes[key].active++
		p.mu.Unlock()
		return newLease(p, key, inst), nil
	}

	// Room under the cap: reserve a slot and spawn
	if p.live < p.maxSize {
		p.live++
		p.mu.Unlock()
		return p.spawnForLease(ctx, key, app)
	}

	// At capacity: park in the global FIFO queue
	w := &waiter{key: key, app: app, ch: make(chan grant, 1), enqueuedAt: time.Now()}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case g := <-w.ch:
		if g.instance != nil {
			return newLease(p, key, g.instance), nil
		}
		// Reserved spawn slot
		return p.spawnForLease(ctx, key, app)

	case <-ctx.Done():
		p.removeWaiter(w)
		// The grant may have raced the cancellation; return whatever
		// was handed to us before failing.
		select {
		case g := <-w.ch:
			if g.instance != nil {
				_ = newLease(p, key, g.instance).Release(OutcomeOK)
			} else {
				p.releaseSlot()
			}
		default:
		}
		return nil, errors.Wrapf(errors.ErrPoolExhausted,
			"gave up waiting for a worker slot for %s@%s", app.Name, app.Version)

	case <-p.stopCh:
		p.removeWaiter(w)
		// A grant may have been buffered just before shutdown; hand it
		// back so the reserved slot is not leaked.
		select {
		case g := <-w.ch:
			if g.instance != nil {
				_ = newLease(p, key, g.instance).Release(OutcomeOK)
			} else {
				p.releaseSlot()
			}
		default:
		}
		return nil, errors.Wrap(errors.ErrPoolShutdown, "pool shut down while waiting")
	}
}

// takeReadyLocked pops the most recently released healthy worker from
// the lane, retiring any stale ones it skips over.
func (p *Pool) takeReadyLocked(key laneKey) *worker.Instance {
	ln := p.lanes[key]
	if ln == nil {
		return nil
	}
	for len(ln.ready) > 0 {
		inst := ln.ready[len(ln.ready)-1]
		ln.ready = ln.ready[:len(ln.ready)-1]
		if inst.State() == worker.StateReady && !p.shouldRetire(inst) {
			return inst
		}
		p.dropLocked(inst, false)
	}
	return nil
}

// shouldRetire evaluates the retirement predicates for a parked worker
func (p *Pool) shouldRetire(inst *worker.Instance) bool {
	opts := inst.Opts
	if p.draining {
		return true
	}
	if opts.Ephemeral() && inst.RequestsServed() > 0 {
		return true
	}
	if opts.TTL > 0 && inst.Age() > opts.TTL {
		return true
	}
	if inst.IdleFor() > opts.IdleTimeout {
		return true
	}
	if inst.RequestsServed() >= int64(opts.MaxRequests) {
		return true
	}
	return false
}

// dropLocked removes a worker from the live count and terminates it.
// Safe to call for workers that were already dropped.
func (p *Pool) dropLocked(inst *worker.Instance, kill bool) {
	if _, counted := p.counted[inst.ID]; !counted {
		return
	}
	delete(p.counted, inst.ID)
	p.live--

	if kill {
		go inst.Kill()
	} else {
		go inst.Terminate()
	}

	p.signalWaitersLocked()
}

// signalWaitersLocked hands freed slots to the longest-waiting waiters
func (p *Pool) signalWaitersLocked() {
	for p.live < p.maxSize && len(p.waiters) > 0 && !p.draining {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.live++
		w.ch <- grant{}
	}
}

func (p *Pool) removeWaiter(target *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:idx], p.waiters[idx+1:]...)
			return
		}
	}
}

// releaseSlot undoes a slot reservation that will not be used
func (p *Pool) releaseSlot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live--
	p.signalWaitersLocked()
}

// spawnForLease creates a worker for a reserved slot. The slot was
// already counted; on failure it is returned to the pool. A transient
// spawn failure is retried once, silently.
func (p *Pool) spawnForLease(ctx context.Context, key laneKey, app registry.App) (*Lease, error) {
	inst, err := p.spawn(ctx, app)
	if err != nil && retryableSpawn(err) {
		logger.Debugw("Retrying worker spawn",
			"app", app.Name, "version", app.Version, "error", err)
		inst, err = p.spawn(ctx, app)
	}
	if err != nil {
		p.releaseSlot()
		return nil, err
	}

	p.mu.Lock()
	p.counted[inst.ID] = inst
	if p.draining {
		p.dropLocked(inst, true)
		p.mu.Unlock()
		return nil, errors.Wrap(errors.ErrPoolShutdown, "pool drained during spawn")
	}
	ln := p.lanes[key]
	if ln == nil {
		ln = &lane{}
		p.lanes[key] = ln
	}
	ln.active++
	p.mu.Unlock()

	// Drop the worker from the pool the moment its process dies, so
	// crashed parked workers free their slot without waiting for the
	// sweep.
	go func() {
		<-inst.Done()
		p.mu.Lock()
		p.removeFromLaneLocked(key, inst)
		p.dropLocked(inst, true)
		p.mu.Unlock()
	}()

	return newLease(p, key, inst), nil
}

// spawn loads the app's worker options and starts the child, pacing
// creation through the rate limiter.
func (p *Pool) spawn(ctx context.Context, app registry.App) (*worker.Instance, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrapf(errors.ErrPoolExhausted,
			"spawn rate limit: %v", err)
	}

	opts, err := worker.LoadOptions(app.Dir)
	if err != nil {
		// The app cannot be served; keep the manifest kind visible for
		// the retry decision.
		return nil, errors.Mark(err, errors.ErrAppUnavailable)
	}
	return worker.Spawn(ctx, p.runner, app, opts)
}

// retryableSpawn reports whether a spawn failure is worth one retry.
// Manifest problems are deterministic; everything else may be a
// transient race with an install or a slow boot.
func retryableSpawn(err error) bool {
	return errors.IsAppUnavailable(err) && !errors.IsInvalidManifest(err)
}

func (p *Pool) removeFromLaneLocked(key laneKey, inst *worker.Instance) {
	ln := p.lanes[key]
	if ln == nil {
		return
	}
	for idx, candidate := range ln.ready {
		if candidate == inst {
			ln.ready = append(ln.ready[:idx], ln.ready[idx+1:]...)
			return
		}
	}
}

// handleRelease is called by Lease.Release with the caller's verdict
func (p *Pool) handleRelease(key laneKey, inst *worker.Instance, outcome Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ln := p.lanes[key]; ln != nil {
		ln.active--
	}

	healthy := outcome == OutcomeOK &&
		inst.State() == worker.StateReady &&
		!p.shouldRetire(inst)

	if !healthy {
		p.dropLocked(inst, outcome == OutcomeKill)
		return
	}

	// Serve the longest-waiting waiter: same lane gets the worker
	// directly, any other lane gets the freed slot for a spawn.
	if len(p.waiters) > 0 && !p.draining {
		w := p.waiters[0]
		if w.key == key {
			p.waiters = p.waiters[1:]
			p.lanes[key].active++
			w.ch <- grant{instance: inst}
			return
		}
		p.dropLocked(inst, false)
		return
	}

	ln := p.lanes[key]
	ln.ready = append(ln.ready, inst)
}

// Shutdown stops admission, drains in-flight work up to grace, then
// force-kills survivors.
func (p *Pool) Shutdown(grace time.Duration) {
	p.mu.Lock()
	p.draining = true
	p.waiters = nil

	for _, ln := range p.lanes {
		for _, inst := range ln.ready {
			p.dropLocked(inst, false)
		}
		ln.ready = nil
	}
	p.mu.Unlock()

	// Parked waiters observe stopCh and fail with ErrPoolShutdown
	p.stopOnce.Do(func() { close(p.stopCh) })

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		remaining := p.live
		p.mu.Unlock()
		if remaining == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	p.mu.Lock()
	survivors := make([]*worker.Instance, 0, len(p.counted))
	for _, inst := range p.counted {
		survivors = append(survivors, inst)
	}
	p.mu.Unlock()

	if len(survivors) > 0 {
		logger.Warnw("Force-killing workers after drain grace", "count", len(survivors))
		for _, inst := range survivors {
			inst.Kill()
		}
	}

	p.wg.Wait()
	logger.Infow("Worker pool stopped")
}
