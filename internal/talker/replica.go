package talker

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/flockdb/flock/internal/command"
	"github.com/flockdb/flock/internal/conn"
	"github.com/flockdb/flock/internal/loop"
	"github.com/flockdb/flock/internal/proto"
	"github.com/flockdb/flock/internal/snapshot"
	"github.com/flockdb/flock/internal/store"
)

// HandshakeState is where a replica's connection to its master sits in
// the linear handshake. Each state expects exactly one reply frame from
// the master before advancing to the next.
type HandshakeState int

const (
	StateInit HandshakeState = iota
	StateWaitPong
	StateWaitOkPort
	StateWaitOkCapa
	StateWaitFullResync
	StateWaitSnapshot
	StateApplying
)

// ReplicaTalker drives the master-connection side of a replica: the
// handshake, the snapshot load, and ongoing command application.
type ReplicaTalker struct {
	Engine     *store.Engine
	Loop       *loop.Loop
	Log        *slog.Logger
	ListenPort int

	State    HandshakeState
	ReplID   string
	BytesIn  int64
}

// NewReplicaTalker builds a ReplicaTalker ready to drive the handshake
// on a freshly-dialled connection to a master.
func NewReplicaTalker(e *store.Engine, l *loop.Loop, log *slog.Logger, listenPort int) *ReplicaTalker {
	return &ReplicaTalker{Engine: e, Loop: l, Log: log, ListenPort: listenPort}
}

// Start sends the handshake's first message. Call once, right after
// connecting.
func (r *ReplicaTalker) Start(c *conn.Conn) {
	r.State = StateWaitPong
	c.Send(command.Command{Kind: command.KindPing}.Encode())
}

// Handle advances the handshake or applies a propagated command,
// depending on r.State. It must run on the loop goroutine.
func (r *ReplicaTalker) Handle(c *conn.Conn, f proto.Frame) error {
	switch r.State {
	case StateWaitPong:
		return r.expectSimple(c, f, func() {
			r.State = StateWaitOkPort
			c.Send(command.Command{Kind: command.KindReplconf, Sub: "listening-port", Args: []string{strconv.Itoa(r.ListenPort)}}.Encode())
		})
	case StateWaitOkPort:
		return r.expectSimple(c, f, func() {
			r.State = StateWaitOkCapa
			c.Send(command.Command{Kind: command.KindReplconf, Sub: "capa", Args: []string{"eof", "capa2"}}.Encode())
		})
	case StateWaitOkCapa:
		return r.expectSimple(c, f, func() {
			r.State = StateWaitFullResync
			c.Send(command.Command{Kind: command.KindPsync, ReplID: "?", Offset: -1}.Encode())
		})
	case StateWaitFullResync:
		return r.handleFullResync(c, f)
	case StateWaitSnapshot:
		return r.handleSnapshot(c, f)
	case StateApplying:
		return r.applyFromStream(c, f)
	default:
		return fmt.Errorf("replica talker: unexpected frame in state %d", r.State)
	}
}

func (r *ReplicaTalker) expectSimple(c *conn.Conn, f proto.Frame, onOK func()) error {
	want := "OK"
	if r.State == StateWaitPong {
		want = "PONG"
	}
	if f.Kind != proto.KindSimpleString || !strings.EqualFold(f.Str, want) {
		return fmt.Errorf("replica handshake: expected +%s reply, got kind %d %q", want, f.Kind, f.Str)
	}
	onOK()
	return nil
}

func (r *ReplicaTalker) handleFullResync(c *conn.Conn, f proto.Frame) error {
	if f.Kind != proto.KindSimpleString || !strings.HasPrefix(f.Str, "FULLRESYNC ") {
		return fmt.Errorf("replica handshake: expected FULLRESYNC reply, got %q", f.Str)
	}
	parts := strings.Fields(f.Str)
	if len(parts) != 3 {
		return fmt.Errorf("replica handshake: malformed FULLRESYNC reply %q", f.Str)
	}
	r.ReplID = parts[1]
	r.State = StateWaitSnapshot
	c.SetDiscipline(proto.SnapshotPayload)
	return nil
}

func (r *ReplicaTalker) handleSnapshot(c *conn.Conn, f proto.Frame) error {
	if f.Kind != proto.KindBulkPayload {
		return fmt.Errorf("replica handshake: expected snapshot payload, got kind %d", f.Kind)
	}
	if err := loadSnapshotBytes(f.Bulk, r.Engine); err != nil {
		return err
	}
	r.State = StateApplying
	c.SetDiscipline(proto.Normal)
	return nil
}

func (r *ReplicaTalker) applyFromStream(c *conn.Conn, f proto.Frame) error {
	wire := proto.Encode(f)
	r.BytesIn += int64(len(wire))

	cmd, err := command.Parse(f)
	if err != nil {
		r.Log.Warn("replica: dropping unparseable propagated frame", "error", err)
		return nil
	}
	now := time.Now()
	switch cmd.Kind {
	case command.KindSet:
		r.Engine.Set(cmd.Key, cmd.Value, cmd.ExpirePX, now)
	case command.KindDel:
		r.Engine.Del(cmd.Keys, now)
	case command.KindXAdd:
		if _, err := r.Engine.XAdd(cmd.Key, cmd.InputID, cmd.Fields, uint64(now.UnixMilli())); err != nil {
			r.Log.Warn("replica: rejected propagated XADD", "error", err)
		}
	case command.KindReplconf:
		if cmd.Sub == "getack" {
			c.Send(command.Command{Kind: command.KindReplconf, Sub: "ack", Args: []string{strconv.FormatInt(r.BytesIn, 10)}}.Encode())
		}
	case command.KindPing:
		// Keepalive from master; nothing to apply.
	default:
		r.Log.Warn("replica: ignoring unexpected propagated command", "kind", cmd.Kind)
	}
	return nil
}

// restorer adapts snapshot.Restorer onto store.Engine.
type restorer struct{ engine *store.Engine }

func (r restorer) RestoreString(key string, value []byte, expireAtUnixMS int64, hasExpiry bool) {
	var px *int64
	if hasExpiry {
		remaining := expireAtUnixMS - time.Now().UnixMilli()
		if remaining < 0 {
			remaining = 0
		}
		px = &remaining
	}
	r.engine.Set(key, value, px, time.Now())
}

func loadSnapshotBytes(data []byte, e *store.Engine) error {
	return snapshot.LoadBytes(data, restorer{engine: e})
}
