// Package talker holds the two command dispatchers that run on the loop
// goroutine: ServerTalker, which answers ordinary clients and drives
// replication as a master, and ReplicaTalker, which drives the
// handshake and applies the command stream when flockd runs as a
// replica.
package talker

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/flockdb/flock/internal/cmderr"
	"github.com/flockdb/flock/internal/command"
	"github.com/flockdb/flock/internal/conn"
	"github.com/flockdb/flock/internal/loop"
	"github.com/flockdb/flock/internal/metrics"
	"github.com/flockdb/flock/internal/proto"
	"github.com/flockdb/flock/internal/replication"
	"github.com/flockdb/flock/internal/snapshot"
	"github.com/flockdb/flock/internal/store"
)

// Info is everything the talker needs to know about the running
// process that isn't part of the keyspace — used to answer INFO and
// CONFIG GET.
type Info struct {
	ReplID     string
	Dir        string
	DBFilename string
	IsReplica  bool
	MasterHost string
	MasterPort int
}

// ServerTalker answers client connections and, when acting as a master,
// fans writes out to attached replicas.
type ServerTalker struct {
	Engine  *store.Engine
	Reg     *replication.Registry
	Loop    *loop.Loop
	Metrics *metrics.Registry
	Log     *slog.Logger
	Info    Info

	masterOffset int64
	waitPolls    map[uint64]loop.JobID
	pending      map[string][]*pendingRead
}

// NewServerTalker builds a ServerTalker ready to dispatch commands. m
// may be nil if metrics are disabled.
func NewServerTalker(e *store.Engine, reg *replication.Registry, l *loop.Loop, m *metrics.Registry, log *slog.Logger, info Info) *ServerTalker {
	return &ServerTalker{
		Engine:    e,
		Reg:       reg,
		Loop:      l,
		Metrics:   m,
		Log:       log,
		Info:      info,
		waitPolls: make(map[uint64]loop.JobID),
		pending:   make(map[string][]*pendingRead),
	}
}

// Handle executes one parsed command for connection c. It must run on
// the loop goroutine — callers reach it via loop.Submit.
func (t *ServerTalker) Handle(c *conn.Conn, f proto.Frame) {
	cmd, err := command.Parse(f)
	if err != nil {
		if t.Metrics != nil {
			t.Metrics.ParseErrors.Inc()
		}
		if cmderr.IsClientError(err) {
			c.Send(proto.SimpleError(err.Error()))
			return
		}
		c.Close()
		return
	}
	if t.Metrics != nil {
		t.Metrics.CommandsByVerb.WithLabelValues(verbName(cmd.Kind)).Inc()
	}
	start := time.Now()
	t.dispatch(c, cmd)
	if t.Metrics != nil {
		t.Metrics.CommandLatency.WithLabelValues(verbName(cmd.Kind)).Observe(time.Since(start).Seconds())
	}
}

func (t *ServerTalker) dispatch(c *conn.Conn, cmd command.Command) {
	now := time.Now()
	switch cmd.Kind {
	case command.KindPing:
		c.Send(proto.SimpleString("PONG"))
	case command.KindEcho:
		c.Send(proto.BulkStr(string(cmd.Msg)))
	case command.KindSet:
		if t.Info.IsReplica {
			c.Send(proto.SimpleError("READONLY You can't write against a read only replica."))
			return
		}
		t.Engine.Set(cmd.Key, cmd.Value, cmd.ExpirePX, now)
		c.Send(proto.SimpleString("OK"))
		t.propagate(cmd)
	case command.KindGet:
		v, ok, err := t.Engine.Get(cmd.Key, now)
		if !t.reply(c, err) {
			return
		}
		if !ok {
			c.Send(proto.NullBulk())
			return
		}
		c.Send(proto.Bulk(v))
	case command.KindDel:
		n := t.Engine.Del(cmd.Keys, now)
		c.Send(proto.Int(n))
		if n > 0 {
			t.propagate(cmd)
		}
	case command.KindExists:
		c.Send(proto.Int(t.Engine.Exists(cmd.Keys, now)))
	case command.KindType:
		c.Send(proto.SimpleString(t.Engine.Type(cmd.Key, now).String()))
	case command.KindKeys:
		t.replyKeys(c, cmd.Pattern, now)
	case command.KindConfigGet:
		t.replyConfigGet(c, cmd.Param)
	case command.KindInfo:
		c.Send(proto.BulkStr(t.renderInfo()))
	case command.KindReplconf:
		t.handleReplconf(c, cmd)
	case command.KindPsync:
		t.handlePsync(c, cmd)
	case command.KindWait:
		t.handleWait(c, cmd)
	case command.KindXAdd:
		t.handleXAdd(c, cmd)
	case command.KindXRange:
		t.handleXRange(c, cmd)
	case command.KindXRead:
		t.handleXRead(c, cmd)
	default:
		c.Send(proto.SimpleError("ERR unknown command"))
	}
}

// reply sends a SimpleError for a client-visible error and reports false
// so the caller stops; returns true (and sends nothing) otherwise.
func (t *ServerTalker) reply(c *conn.Conn, err error) bool {
	if err == nil {
		return true
	}
	c.Send(proto.SimpleError(err.Error()))
	return false
}

func (t *ServerTalker) replyKeys(c *conn.Conn, pattern string, now time.Time) {
	keys := t.Engine.Keys(pattern, now)
	items := make([]proto.Frame, len(keys))
	for i, k := range keys {
		items[i] = proto.BulkStr(k)
	}
	c.Send(proto.Array(items))
}

func (t *ServerTalker) replyConfigGet(c *conn.Conn, param string) {
	var value string
	switch param {
	case "dir":
		value = t.Info.Dir
	case "dbfilename":
		value = t.Info.DBFilename
	default:
		c.Send(proto.Array([]proto.Frame{}))
		return
	}
	c.Send(proto.Array([]proto.Frame{proto.BulkStr(param), proto.BulkStr(value)}))
}

func (t *ServerTalker) renderInfo() string {
	role := "master"
	if t.Info.IsReplica {
		role = "slave"
	}
	return "role:" + role + "\r\n" +
		"master_replid:" + t.Info.ReplID + "\r\n" +
		"master_repl_offset:" + strconv.FormatInt(t.masterOffset, 10) + "\r\n" +
		"connected_replicas:" + strconv.Itoa(t.Reg.Count()) + "\r\n"
}

// propagate re-encodes cmd and fans it out to every streaming replica,
// advancing the master write offset by the wire length of the encoded
// command.
func (t *ServerTalker) propagate(cmd command.Command) {
	wire := proto.Encode(cmd.Encode())
	n := int64(len(wire))
	t.masterOffset += n
	t.Reg.RecordWrite(n, func(rep *replication.Replica) {
		rep.Conn.TrySend(cmd.Encode())
	})
}

func (t *ServerTalker) handleReplconf(c *conn.Conn, cmd command.Command) {
	switch cmd.Sub {
	case "listening-port":
		if len(cmd.Args) != 1 {
			c.Send(proto.SimpleError("ERR wrong number of arguments for 'replconf|listening-port' command"))
			return
		}
		port, err := strconv.Atoi(cmd.Args[0])
		if err != nil {
			c.Send(proto.SimpleError("ERR listening-port must be an integer"))
			return
		}
		t.Reg.Register(c, port)
		if t.Metrics != nil {
			t.Metrics.ReplicaCount.Set(float64(t.Reg.Count()))
		}
		c.Send(proto.SimpleString("OK"))
	case "capa":
		c.Send(proto.SimpleString("OK"))
	case "ack":
		if len(cmd.Args) != 1 {
			return // ACK is not replied to
		}
		offset, err := strconv.ParseInt(cmd.Args[0], 10, 64)
		if err != nil {
			return
		}
		t.Reg.Ack(c.ID, offset, time.Now())
	case "getack":
		c.Send(proto.SimpleString("OK"))
	default:
		c.Send(proto.SimpleError("ERR unknown REPLCONF subcommand"))
	}
}

func (t *ServerTalker) handlePsync(c *conn.Conn, cmd command.Command) {
	c.Send(proto.SimpleString("FULLRESYNC " + t.Info.ReplID + " " + strconv.FormatInt(t.masterOffset, 10)))
	c.Send(proto.Payload(snapshot.Empty()))
	t.Reg.MarkStreaming(c.ID)
}

const waitPollInterval = 20 * time.Millisecond

func (t *ServerTalker) handleWait(c *conn.Conn, cmd command.Command) {
	target := t.masterOffset
	if t.Reg.Count() == 0 || cmd.NumReplicas == 0 {
		c.Send(proto.Int(int64(t.Reg.Count())))
		return
	}
	t.Reg.RecordWrite(0, func(rep *replication.Replica) {
		rep.Conn.TrySend(command.Command{Kind: command.KindReplconf, Sub: "getack", Args: []string{"*"}}.Encode())
	})

	id := t.Reg.RegisterWait(cmd.NumReplicas, time.Duration(cmd.TimeoutMS)*time.Millisecond, target, time.Now())
	if t.Metrics != nil {
		t.Metrics.WaitOutstanding.Inc()
	}
	t.pollWait(c, id)
}

func (t *ServerTalker) pollWait(c *conn.Conn, id uint64) {
	count, ready := t.Reg.PollWait(id, time.Now())
	if ready {
		delete(t.waitPolls, id)
		if t.Metrics != nil {
			t.Metrics.WaitOutstanding.Dec()
		}
		c.Send(proto.Int(count))
		return
	}
	jobID := t.Loop.After(waitPollInterval, func() { t.pollWait(c, id) })
	t.waitPolls[id] = jobID
}

func (t *ServerTalker) handleXAdd(c *conn.Conn, cmd command.Command) {
	id, err := t.Engine.XAdd(cmd.Key, cmd.InputID, cmd.Fields, uint64(time.Now().UnixMilli()))
	if !t.reply(c, err) {
		return
	}
	c.Send(proto.BulkStr(id.String()))
	t.propagate(command.Command{Kind: command.KindXAdd, Key: cmd.Key, InputID: command.InputStreamID{MS: id.MS, Seq: id.Seq}, Fields: cmd.Fields})
	t.wakeXReaders(cmd.Key, id)
}

func (t *ServerTalker) handleXRange(c *conn.Conn, cmd command.Command) {
	entries, err := t.Engine.XRange(cmd.Key, cmd.Start, cmd.End)
	if !t.reply(c, err) {
		return
	}
	c.Send(encodeEntries(entries))
}

func encodeEntries(entries []store.StreamEntry) proto.Frame {
	items := make([]proto.Frame, len(entries))
	for i, e := range entries {
		fields := make([]proto.Frame, 0, len(e.Fields)*2)
		for _, fv := range e.Fields {
			fields = append(fields, proto.Bulk(fv.Field), proto.Bulk(fv.Value))
		}
		items[i] = proto.Array([]proto.Frame{proto.BulkStr(e.ID.String()), proto.Array(fields)})
	}
	return proto.Array(items)
}

func verbName(k command.Kind) string {
	switch k {
	case command.KindPing:
		return "ping"
	case command.KindEcho:
		return "echo"
	case command.KindSet:
		return "set"
	case command.KindGet:
		return "get"
	case command.KindDel:
		return "del"
	case command.KindExists:
		return "exists"
	case command.KindType:
		return "type"
	case command.KindKeys:
		return "keys"
	case command.KindConfigGet:
		return "config_get"
	case command.KindInfo:
		return "info"
	case command.KindReplconf:
		return "replconf"
	case command.KindPsync:
		return "psync"
	case command.KindWait:
		return "wait"
	case command.KindXAdd:
		return "xadd"
	case command.KindXRange:
		return "xrange"
	case command.KindXRead:
		return "xread"
	default:
		return "unknown"
	}
}

// Deregister drops c from the replica registry (if it was one) and
// cancels any blocked XREAD waiting on it. Called once per connection
// teardown.
func (t *ServerTalker) Deregister(c *conn.Conn) {
	t.Reg.Deregister(c.ID)
	if t.Metrics != nil {
		t.Metrics.ReplicaCount.Set(float64(t.Reg.Count()))
	}
	for stream, reads := range t.pending {
		kept := reads[:0]
		for _, pr := range reads {
			if pr.conn == c {
				t.Loop.Cancel(pr.timeout)
				continue
			}
			kept = append(kept, pr)
		}
		if len(kept) == 0 {
			delete(t.pending, stream)
		} else {
			t.pending[stream] = kept
		}
	}
}
