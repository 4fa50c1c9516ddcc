package worker

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
	"sync"

	"github.com/buntime/buntime/errors"
)

// FrameType discriminates control-channel messages
type FrameType string

const (
	// FrameReady is the child's first message after boot
	FrameReady FrameType = "ready"
	// FrameRequest carries request metadata host→child
	FrameRequest FrameType = "request"
	// FrameResponse carries response metadata child→host
	FrameResponse FrameType = "response"
	// FrameBody carries one body chunk, either direction
	FrameBody FrameType = "body"
	// FrameBodyEnd terminates a body stream and carries trailers
	FrameBodyEnd FrameType = "body_end"
	// FrameSocket carries raw socket bytes after a 101 upgrade
	FrameSocket FrameType = "socket"
	// FrameSocketClose signals the end of a bridged socket
	FrameSocketClose FrameType = "socket_close"
	// FrameIdle is the child's periodic heartbeat
	FrameIdle FrameType = "idle"
	// FrameError reports a failure, either direction
	FrameError FrameType = "error"
	// FrameTerminate asks the child to exit gracefully
	FrameTerminate FrameType = "terminate"
)

// Frame is one length-prefixed JSON message on the control channel.
// Only the fields relevant to the frame's type are populated; Data is
// base64 on the wire via encoding/json.
type Frame struct {
	Type     FrameType `json:"type"`
	ID       string    `json:"id,omitempty"`
	WorkerID string    `json:"workerId,omitempty"`

	// request
	Method     string              `json:"method,omitempty"`
	URL        string              `json:"url,omitempty"`
	RemoteAddr string              `json:"remoteAddr,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`

	// response
	Status   int                 `json:"status,omitempty"`
	Trailers map[string][]string `json:"trailers,omitempty"`

	// body / socket
	Data []byte `json:"data,omitempty"`

	// error
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message,omitempty"`
}

const (
	// maxFrameSize bounds one frame; bodies are chunked well below it
	maxFrameSize = 16 << 20
	// BodyChunkSize is the host's chunk size for streamed bodies
	BodyChunkSize = 32 << 10
)

// Codec reads and writes frames over the child's pipes. Reads must stay
// on a single goroutine; writes are serialised internally so the body
// pump and control messages can interleave safely.
type Codec struct {
	r *bufio.Reader

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewCodec wraps the child's stdout (r) and stdin (w)
func NewCodec(r io.Reader, w io.Writer) *Codec {
	return &Codec{
		r: bufio.NewReaderSize(r, 64<<10),
		w: bufio.NewWriterSize(w, 64<<10),
	}
}

// Read decodes the next frame. io.EOF is returned unwrapped when the
// child closes its end cleanly.
func (c *Codec) Read() (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "failed to read frame length")
	}

	size := binary.BigEndian.Uint32(lenBuf[:])
	if size == 0 || size > maxFrameSize {
		return nil, errors.Newf("invalid frame length %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, errors.Wrap(err, "failed to read frame payload")
	}

	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, errors.Wrap(err, "failed to decode frame")
	}
	if frame.Type == "" {
		return nil, errors.New("frame missing type")
	}
	return &frame, nil
}

// Write encodes and flushes one frame
func (c *Codec) Write(frame *Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return errors.Wrap(err, "failed to encode frame")
	}
	if len(payload) > maxFrameSize {
		return errors.Newf("frame of %d bytes exceeds limit", len(payload))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return errors.Wrap(err, "failed to write frame length")
	}
	if _, err := c.w.Write(payload); err != nil {
		return errors.Wrap(err, "failed to write frame payload")
	}
	return errors.Wrap(c.w.Flush(), "failed to flush frame")
}
