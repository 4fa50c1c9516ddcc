package pool

import (
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/buntime/buntime/logger"
	"github.com/buntime/buntime/worker"
)

// memoryPressureThreshold is the used-memory percentage above which the
// pool warns when it is also near its worker cap.
const memoryPressureThreshold = 90.0

// sweepLoop periodically retires parked workers whose retirement
// predicates hold. Leased workers are inspected at release instead.
func (p *Pool) sweepLoop(interval time.Duration) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pressureEvery := 0
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()

			// Memory pressure is slow to move; check every tenth sweep
			pressureEvery++
			if pressureEvery >= 10 {
				pressureEvery = 0
				p.checkMemoryPressure()
			}
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, ln := range p.lanes {
		kept := ln.ready[:0]
		for _, inst := range ln.ready {
			if inst.State() != worker.StateReady || p.shouldRetire(inst) {
				logger.Debugw("Sweep retiring worker",
					"app", key.name,
					"version", key.version,
					"state", inst.State().String(),
					"age", inst.Age(),
					"idle", inst.IdleFor(),
					"served", inst.RequestsServed())
				p.dropLocked(inst, false)
				continue
			}
			kept = append(kept, inst)
		}
		ln.ready = kept

		if len(ln.ready) == 0 && ln.active == 0 {
			delete(p.lanes, key)
		}
	}
}

// checkMemoryPressure warns when the pool runs near its cap on a
// memory-starved host. Advisory only; admission is never blocked.
func (p *Pool) checkMemoryPressure() {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()

	if live*10 < p.maxSize*8 {
		return
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	if vm.UsedPercent >= memoryPressureThreshold {
		logger.Warnw("Memory pressure with pool near capacity",
			"liveWorkers", live,
			"maxSize", p.maxSize,
			"memoryUsedPercent", vm.UsedPercent,
			"availableBytes", vm.Available)
	}
}
