package pool

import (
	"sync/atomic"

	"github.com/buntime/buntime/errors"
	"github.com/buntime/buntime/worker"
)

// Outcome is the dispatcher's verdict when releasing a lease
type Outcome int

const (
	// OutcomeOK returns a healthy worker to its lane
	OutcomeOK Outcome = iota
	// OutcomeRecycle retires the worker gracefully
	OutcomeRecycle
	// OutcomeKill force-terminates the worker
	OutcomeKill
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeRecycle:
		return "recycle"
	case OutcomeKill:
		return "kill"
	default:
		return "unknown"
	}
}

// Lease is exclusive ownership of one READY worker for one request's
// lifetime. Exactly one Release call is required; a second call is an
// error and has no effect.
type Lease struct {
	Instance *worker.Instance

	pool     *Pool
	key      laneKey
	released atomic.Bool
}

func newLease(p *Pool, key laneKey, inst *worker.Instance) *Lease {
	return &Lease{Instance: inst, pool: p, key: key}
}

// Release returns the worker to the pool with the caller's verdict
func (l *Lease) Release(outcome Outcome) error {
	if !l.released.CompareAndSwap(false, true) {
		return errors.Wrapf(errors.ErrLeaseReleased,
			"worker %s released twice", l.Instance.ID)
	}
	l.pool.handleRelease(l.key, l.Instance, outcome)
	return nil
}
