// Package conn manages one client connection's I/O: a reader goroutine
// that grows an inbound buffer and hands whole frames to a callback, and
// a writer goroutine that drains a buffered outbound channel. Both
// goroutines are pure I/O plumbing — they never touch shared server
// state themselves, only the loop goroutine does that, reached via the
// callback Conn is constructed with.
package conn

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/flockdb/flock/internal/proto"
)

const outboundBufferSize = 256

// Conn pairs a net.Conn with its reader/writer goroutines and outbound
// queue. ID identifies the connection in logs and in the replica
// registry.
type Conn struct {
	ID   string
	raw  net.Conn
	log  *slog.Logger
	out  chan proto.Frame
	done chan struct{}

	// discipline is read by the reader goroutine before decoding each
	// frame; the replica talker sets it to SnapshotPayload right before the
	// full-resync payload arrives and back to Normal once it has been
	// read, via SetDiscipline.
	discipline proto.Discipline
}

// New wraps raw for framed I/O and gives it a fresh random ID.
func New(raw net.Conn, log *slog.Logger) *Conn {
	return &Conn{
		ID:   uuid.NewString(),
		raw:  raw,
		log:  log,
		out:  make(chan proto.Frame, outboundBufferSize),
		done: make(chan struct{}),
	}
}

// RemoteAddr reports the peer address of the underlying connection.
func (c *Conn) RemoteAddr() net.Addr { return c.raw.RemoteAddr() }

// SetDiscipline switches how the reader decodes the next frame. Used by
// the replica talker: to SnapshotPayload right before it expects the
// full-resync snapshot payload, and back to Normal after reading it.
func (c *Conn) SetDiscipline(d proto.Discipline) {
	c.discipline = d
}

// Send enqueues f for delivery, blocking if the outbound buffer is full.
// Used for this connection's own synchronous replies, where we want
// guaranteed delivery rather than a dropped frame.
func (c *Conn) Send(f proto.Frame) {
	select {
	case c.out <- f:
	case <-c.done:
	}
}

// TrySend enqueues f without blocking, reporting false if the outbound
// buffer is full. Used when the loop goroutine fans a write out to many
// replica connections at once — a single slow follower must never stall
// the loop or the other replicas.
func (c *Conn) TrySend(f proto.Frame) bool {
	select {
	case c.out <- f:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// Close requests the writer goroutine flush whatever is queued and then
// tear the connection down. Idempotent.
func (c *Conn) Close() {
	c.Send(proto.Leave())
}

// ReadLoop reads frames from raw until EOF or a protocol error, handing
// each decoded frame to onFrame. onFrame's return error is fatal: ReadLoop
// stops and returns it. ReadLoop returns nil on a clean EOF.
func (c *Conn) ReadLoop(onFrame func(proto.Frame) error) error {
	r := bufio.NewReaderSize(c.raw, 64*1024)
	var buf []byte
	chunk := make([]byte, 32*1024)

	for {
		for {
			f, n, err := proto.Decode(buf, c.discipline)
			if errors.Is(err, proto.ErrIncomplete) {
				break
			}
			if err != nil {
				return err
			}
			buf = buf[n:]
			if err := onFrame(f); err != nil {
				return err
			}
		}

		n, err := r.Read(chunk)
		if n > 0 {
			grown := make([]byte, len(buf)+n)
			copy(grown, buf)
			copy(grown[len(buf):], chunk[:n])
			buf = grown
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// WriteLoop drains the outbound queue and writes each frame to raw. A
// Leave frame flushes everything queued ahead of it (already guaranteed
// by channel ordering), then closes raw and returns.
func (c *Conn) WriteLoop() error {
	defer close(c.done)
	for f := range c.out {
		if f.Kind == proto.KindLeave {
			return c.raw.Close()
		}
		if f.IsControl() {
			continue
		}
		wire := proto.Encode(f)
		if _, err := c.raw.Write(wire); err != nil {
			_ = c.raw.Close()
			return err
		}
	}
	return c.raw.Close()
}
