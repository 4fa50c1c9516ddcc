package worker

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/buntime/buntime/errors"
)

func newPendingRequest(id string) *pendingRequest {
	bodyR, bodyW := io.Pipe()
	return &pendingRequest{
		id:        id,
		respCh:    make(chan *Frame, 1),
		errCh:     make(chan error, 1),
		bodyR:     bodyR,
		bodyW:     bodyW,
		socketCh:  make(chan []byte, 16),
		socketEnd: make(chan struct{}),
	}
}

// A second failure (timeout firing after an error frame, crash after a
// timeout) must not block on the single-slot error channel.
func TestFailTwiceDoesNotBlock(t *testing.T) {
	p := newPendingRequest("r1")

	done := make(chan struct{})
	go func() {
		p.fail(errors.Wrap(errors.ErrWorkerCrash, "child reported failure"))
		p.fail(errors.Wrap(errors.ErrWorkerTimeout, "timer fired afterwards"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("failing an already-failed request blocked")
	}

	// The first verdict sticks; the body pipe carries the failure
	err := <-p.errCh
	assert.True(t, errors.Is(err, errors.ErrWorkerCrash))

	_, readErr := p.bodyR.Read(make([]byte, 1))
	assert.Error(t, readErr)
}
