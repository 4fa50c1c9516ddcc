package pool

import (
	"sort"
	"time"

	"github.com/buntime/buntime/worker"
)

// LaneMetrics is a snapshot of one app version's workers
type LaneMetrics struct {
	App     string         `json:"app"`
	Version string         `json:"version"`
	Ready   int            `json:"ready"`
	Active  int            `json:"active"`
	Workers []worker.Stats `json:"workers"`
}

// Metrics is a point-in-time snapshot of the pool
type Metrics struct {
	MaxSize  int           `json:"maxSize"`
	Live     int           `json:"live"`
	Waiting  int           `json:"waiting"`
	Draining bool          `json:"draining"`
	Lanes    []LaneMetrics `json:"lanes"`
	TakenAt  time.Time     `json:"takenAt"`
}

// Metrics snapshots pool and per-worker counters
func (p *Pool) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	m := Metrics{
		MaxSize:  p.maxSize,
		Live:     p.live,
		Waiting:  len(p.waiters),
		Draining: p.draining,
		TakenAt:  time.Now(),
	}

	byLane := make(map[laneKey][]worker.Stats)
	for _, inst := range p.counted {
		key := laneKey{name: inst.App.Name, version: inst.App.Version}
		byLane[key] = append(byLane[key], inst.Stats())
	}

	for key, ln := range p.lanes {
		stats := byLane[key]
		sort.Slice(stats, func(a, b int) bool { return stats[a].ID < stats[b].ID })
		m.Lanes = append(m.Lanes, LaneMetrics{
			App:     key.name,
			Version: key.version,
			Ready:   len(ln.ready),
			Active:  ln.active,
			Workers: stats,
		})
		delete(byLane, key)
	}

	// Workers whose lane entry was already pruned
	for key, stats := range byLane {
		m.Lanes = append(m.Lanes, LaneMetrics{
			App:     key.name,
			Version: key.version,
			Workers: stats,
		})
	}

	sort.Slice(m.Lanes, func(a, b int) bool {
		if m.Lanes[a].App != m.Lanes[b].App {
			return m.Lanes[a].App < m.Lanes[b].App
		}
		return m.Lanes[a].Version < m.Lanes[b].Version
	})
	return m
}

// Live returns the current live worker count
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}
