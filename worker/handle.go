package worker

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/buntime/buntime/errors"
)

// Request is the host-side view of one proxied request
type Request struct {
	ID         string
	Method     string
	URL        string
	Headers    http.Header
	RemoteAddr string
	Body       io.Reader
}

// Response is the worker's reply. Body must be drained and closed by
// the caller; closing it settles the instance's request slot. Socket is
// non-nil only for a 101 upgrade, in which case Body is empty and the
// instance stays active until Socket is closed.
type Response struct {
	Status  int
	Headers http.Header
	Body    *BodyStream
	Socket  io.ReadWriteCloser
}

// pendingRequest tracks the single in-flight request on an instance
type pendingRequest struct {
	id     string
	respCh chan *Frame
	errCh  chan error

	bodyR *io.PipeReader
	bodyW *io.PipeWriter

	mu       sync.Mutex
	trailers http.Header

	socketCh  chan []byte
	socketEnd chan struct{}
	sockOnce  sync.Once
}

func (p *pendingRequest) setTrailers(raw map[string][]string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trailers = http.Header(raw)
}

func (p *pendingRequest) getTrailers() http.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trailers
}

func (p *pendingRequest) closeSocket() {
	p.sockOnce.Do(func() { close(p.socketEnd) })
}

// fail records the request's error verdict without blocking: the error
// slot may already hold one.
func (p *pendingRequest) fail(err error) {
	select {
	case p.errCh <- err:
	default:
	}
	p.bodyW.CloseWithError(err)
}

// Handle proxies one request through the worker. The caller must hold
// exclusive ownership (a pool lease) and the instance must be READY.
// The per-request timer covers the full exchange including body
// streaming; on expiry the child is killed and the body stream errors.
func (i *Instance) Handle(ctx context.Context, req *Request) (*Response, error) {
	if !i.transition(StateReady, StateActive) {
		s := i.State()
		if s >= StateTerminating {
			return nil, errors.Wrapf(errors.ErrWorkerCrash, "worker %s is %s", shortID(i.ID), s)
		}
		return nil, errors.AssertionFailedf("worker %s handled while %s", shortID(i.ID), s)
	}
	i.touch()

	bodyR, bodyW := io.Pipe()
	p := &pendingRequest{
		id:        req.ID,
		respCh:    make(chan *Frame, 1),
		errCh:     make(chan error, 1),
		bodyR:     bodyR,
		bodyW:     bodyW,
		socketCh:  make(chan []byte, 16),
		socketEnd: make(chan struct{}),
	}

	i.pendingMu.Lock()
	i.pending = p
	i.pendingMu.Unlock()

	start := time.Now()
	timer := time.AfterFunc(i.Opts.Timeout, func() {
		i.log.Warnw("Request exceeded worker timeout",
			"request", req.ID,
			"timeout", i.Opts.Timeout)
		p.fail(errors.Wrapf(errors.ErrWorkerTimeout,
			"request %s exceeded %s", req.ID, i.Opts.Timeout))
		i.Kill()
	})

	fail := func(err error) (*Response, error) {
		timer.Stop()
		i.errorsServed.Add(1)
		i.clearPending(p)
		i.Kill()
		return nil, err
	}

	if err := i.codec.Write(&Frame{
		Type:       FrameRequest,
		ID:         req.ID,
		Method:     req.Method,
		URL:        req.URL,
		RemoteAddr: req.RemoteAddr,
		Headers:    req.Headers,
	}); err != nil {
		return fail(errors.Wrap(errors.ErrWorkerCrash, err.Error()))
	}

	go i.pumpRequestBody(req)

	select {
	case frame := <-p.respCh:
		if frame.Status == http.StatusSwitchingProtocols {
			// Upgrades are unbounded; liveness heartbeats take over.
			timer.Stop()
			return &Response{
				Status:  frame.Status,
				Headers: http.Header(frame.Headers),
				Socket:  newSocketConn(i, p, start),
			}, nil
		}
		return &Response{
			Status:  frame.Status,
			Headers: http.Header(frame.Headers),
			Body:    &BodyStream{i: i, p: p, timer: timer, start: start},
		}, nil

	case err := <-p.errCh:
		return fail(err)

	case <-i.done:
		return fail(errors.Wrapf(errors.ErrWorkerCrash,
			"worker %s died mid-request", shortID(i.ID)))

	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fail(errors.Wrapf(errors.ErrWorkerTimeout,
				"request %s deadline exceeded", req.ID))
		}
		return fail(errors.Wrapf(ctx.Err(), "request %s cancelled", req.ID))
	}
}

// pumpRequestBody streams the request body to the child in chunks
func (i *Instance) pumpRequestBody(req *Request) {
	buf := make([]byte, BodyChunkSize)
	for {
		n, err := readAtLeastOne(req.Body, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if werr := i.codec.Write(&Frame{Type: FrameBody, ID: req.ID, Data: chunk}); werr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				i.log.Debugw("Request body read failed", "request", req.ID, "error", err)
			}
			_ = i.codec.Write(&Frame{Type: FrameBodyEnd, ID: req.ID})
			return
		}
	}
}

func readAtLeastOne(r io.Reader, buf []byte) (int, error) {
	if r == nil {
		return 0, io.EOF
	}
	return r.Read(buf)
}

// deliver routes a frame to the in-flight request
func (i *Instance) deliver(frame *Frame) {
	i.pendingMu.Lock()
	p := i.pending
	i.pendingMu.Unlock()
	if p == nil || (frame.ID != "" && frame.ID != p.id) {
		i.log.Debugw("Dropping frame with no matching request",
			"type", frame.Type, "id", frame.ID)
		return
	}

	switch frame.Type {
	case FrameResponse:
		select {
		case p.respCh <- frame:
		default:
		}

	case FrameBody:
		if _, err := p.bodyW.Write(frame.Data); err != nil {
			return
		}

	case FrameBodyEnd:
		if len(frame.Trailers) > 0 {
			p.setTrailers(frame.Trailers)
		}
		p.bodyW.Close()

	case FrameSocket:
		select {
		case p.socketCh <- frame.Data:
		case <-p.socketEnd:
		}

	case FrameSocketClose:
		p.closeSocket()

	case FrameError:
		p.fail(errors.Wrapf(kindError(frame.Kind), "worker error: %s", frame.Message))
		p.closeSocket()
	}
}

// kindError maps a wire error kind back onto a sentinel
func kindError(kind string) error {
	switch kind {
	case "WorkerTimeout":
		return errors.ErrWorkerTimeout
	default:
		return errors.ErrWorkerCrash
	}
}

// failPending aborts the in-flight request when the child dies
func (i *Instance) failPending(err error) {
	i.pendingMu.Lock()
	p := i.pending
	i.pendingMu.Unlock()
	if p == nil {
		return
	}
	p.fail(err)
	p.closeSocket()
}

func (i *Instance) clearPending(p *pendingRequest) {
	i.pendingMu.Lock()
	if i.pending == p {
		i.pending = nil
	}
	i.pendingMu.Unlock()
}

// finishRequest settles the request slot after the body is consumed
func (i *Instance) finishRequest(p *pendingRequest, start time.Time, ok bool) {
	i.clearPending(p)
	i.touch()

	if ok {
		i.requestsServed.Add(1)
		i.totalResponseMs.Add(time.Since(start).Milliseconds())
		i.transition(StateActive, StateReady)
		return
	}

	i.errorsServed.Add(1)
	i.Kill()
}

// BodyStream is a worker response body. Reading to EOF then closing
// marks the request successful; closing early counts it as an error
// and kills the worker (the bytes already sent are unrecoverable).
type BodyStream struct {
	i     *Instance
	p     *pendingRequest
	timer *time.Timer
	start time.Time

	once sync.Once
	eof  bool
}

func (b *BodyStream) Read(d []byte) (int, error) {
	n, err := b.p.bodyR.Read(d)
	if err == io.EOF {
		b.eof = true
		b.settle(true)
	} else if err != nil {
		b.settle(false)
	}
	return n, err
}

// Close settles the request slot. Safe to call multiple times.
func (b *BodyStream) Close() error {
	b.settle(b.eof)
	b.p.bodyR.Close()
	return nil
}

// Trailer returns response trailers; valid after Read returned io.EOF
func (b *BodyStream) Trailer() http.Header {
	return b.p.getTrailers()
}

func (b *BodyStream) settle(ok bool) {
	b.once.Do(func() {
		b.timer.Stop()
		b.i.finishRequest(b.p, b.start, ok)
	})
}

// socketConn bridges a hijacked client connection with the worker's
// socket frames after a 101 upgrade.
type socketConn struct {
	i     *Instance
	p     *pendingRequest
	start time.Time

	leftover []byte
	once     sync.Once
}

func newSocketConn(i *Instance, p *pendingRequest, start time.Time) *socketConn {
	return &socketConn{i: i, p: p, start: start}
}

func (s *socketConn) Read(d []byte) (int, error) {
	if len(s.leftover) > 0 {
		n := copy(d, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}

	select {
	case chunk := <-s.p.socketCh:
		n := copy(d, chunk)
		if n < len(chunk) {
			s.leftover = chunk[n:]
		}
		return n, nil
	case <-s.p.socketEnd:
		return 0, io.EOF
	case <-s.i.done:
		return 0, errors.Wrap(errors.ErrWorkerCrash, "worker died with socket bound")
	}
}

func (s *socketConn) Write(d []byte) (int, error) {
	written := 0
	for len(d) > 0 {
		n := len(d)
		if n > BodyChunkSize {
			n = BodyChunkSize
		}
		chunk := make([]byte, n)
		copy(chunk, d[:n])
		if err := s.i.codec.Write(&Frame{Type: FrameSocket, ID: s.p.id, Data: chunk}); err != nil {
			return written, errors.Wrap(errors.ErrWorkerCrash, err.Error())
		}
		written += n
		d = d[n:]
	}
	return written, nil
}

// Close tears down the bridge and returns the worker to READY
func (s *socketConn) Close() error {
	s.once.Do(func() {
		_ = s.i.codec.Write(&Frame{Type: FrameSocketClose, ID: s.p.id})
		s.p.closeSocket()
		s.i.clearPending(s.p)
		s.i.requestsServed.Add(1)
		s.i.totalResponseMs.Add(time.Since(s.start).Milliseconds())
		s.i.touch()
		s.i.transition(StateActive, StateReady)
	})
	return nil
}
