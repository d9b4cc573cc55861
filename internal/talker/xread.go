package talker

import (
	"time"

	"github.com/flockdb/flock/internal/command"
	"github.com/flockdb/flock/internal/conn"
	"github.com/flockdb/flock/internal/loop"
	"github.com/flockdb/flock/internal/proto"
	"github.com/flockdb/flock/internal/store"
)

// pendingRead is one blocked XREAD BLOCK, registered under every stream
// key it listens on until it is satisfied or times out.
type pendingRead struct {
	conn    *conn.Conn
	streams []string
	after   map[string]command.StreamID
	timeout loop.JobID
	done    bool
}

type streamResult struct {
	name    string
	entries []store.StreamEntry
}

func (t *ServerTalker) handleXRead(c *conn.Conn, cmd command.Command) {
	after := make(map[string]command.StreamID, len(cmd.Streams))
	for i, s := range cmd.Streams {
		id := cmd.ReadIDs[i]
		if id.NextExpected {
			after[s] = t.Engine.TopID(s)
		} else {
			after[s] = id.AsStreamID()
		}
	}

	results, err := t.collectXRead(cmd.Streams, after)
	if !t.reply(c, err) {
		return
	}
	if len(results) > 0 {
		c.Send(encodeXReadResult(results))
		return
	}
	if cmd.BlockMS == nil {
		c.Send(proto.NullArray())
		return
	}

	pr := &pendingRead{conn: c, streams: cmd.Streams, after: after}
	for _, s := range cmd.Streams {
		t.pending[s] = append(t.pending[s], pr)
	}
	if *cmd.BlockMS > 0 {
		pr.timeout = t.Loop.After(time.Duration(*cmd.BlockMS)*time.Millisecond, func() { t.timeoutXRead(pr) })
	}
}

func (t *ServerTalker) collectXRead(streams []string, after map[string]command.StreamID) ([]streamResult, error) {
	var out []streamResult
	for _, name := range streams {
		entries, err := t.Engine.XReadSince(name, after[name])
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			out = append(out, streamResult{name: name, entries: entries})
		}
	}
	return out, nil
}

func encodeXReadResult(results []streamResult) proto.Frame {
	items := make([]proto.Frame, len(results))
	for i, r := range results {
		items[i] = proto.Array([]proto.Frame{proto.BulkStr(r.name), encodeEntries(r.entries)})
	}
	return proto.Array(items)
}

// wakeXReaders re-checks every pendingRead registered on streamKey after
// an XADD to it, fulfilling any that now have data.
func (t *ServerTalker) wakeXReaders(streamKey string, _ command.StreamID) {
	reads := t.pending[streamKey]
	if len(reads) == 0 {
		return
	}
	kept := reads[:0]
	for _, pr := range reads {
		if pr.done {
			continue
		}
		results, err := t.collectXRead(pr.streams, pr.after)
		if err != nil || len(results) == 0 {
			kept = append(kept, pr)
			continue
		}
		pr.done = true
		if pr.timeout != 0 {
			t.Loop.Cancel(pr.timeout)
		}
		pr.conn.Send(encodeXReadResult(results))
		t.removeFromOtherStreams(pr, streamKey)
	}
	if len(kept) == 0 {
		delete(t.pending, streamKey)
	} else {
		t.pending[streamKey] = kept
	}
}

func (t *ServerTalker) timeoutXRead(pr *pendingRead) {
	if pr.done {
		return
	}
	pr.done = true
	t.removeFromOtherStreams(pr, "")
	pr.conn.Send(proto.NullArray())
}

// removeFromOtherStreams drops pr from every pending[stream] list except
// skip, which the caller is already rewriting itself.
func (t *ServerTalker) removeFromOtherStreams(pr *pendingRead, skip string) {
	for _, s := range pr.streams {
		if s == skip {
			continue
		}
		list := t.pending[s]
		out := list[:0]
		for _, other := range list {
			if other != pr {
				out = append(out, other)
			}
		}
		if len(out) == 0 {
			delete(t.pending, s)
		} else {
			t.pending[s] = out
		}
	}
}
