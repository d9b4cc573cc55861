// Package replication tracks attached replicas and in-flight WAIT
// requests on the master side. Everything here is called from the loop
// goroutine only — it is plain bookkeeping, not a concurrency primitive.
package replication

import (
	"time"

	"github.com/flockdb/flock/internal/conn"
)

// State is where a registered replica sits in the handshake/streaming
// lifecycle.
type State int

const (
	StateMet State = iota
	StateResync
	StateWrite
)

// Replica is one attached follower, tracked from the moment it issues
// REPLCONF through full resync and into steady-state propagation.
type Replica struct {
	Conn         *conn.Conn
	ListenPort   int
	State        State
	BytesPushed  int64 // bytes of command stream sent so far
	BytesAcked   int64 // offset the replica has REPLCONF ACK'd
	LastACKAt    time.Time
}

// Registry is the master's view of every attached replica and every
// outstanding WAIT call.
type Registry struct {
	replicas map[string]*Replica // conn ID -> replica
	waits    map[uint64]*waitEntry
	nextWait uint64
}

func NewRegistry() *Registry {
	return &Registry{
		replicas: make(map[string]*Replica),
		waits:    make(map[uint64]*waitEntry),
	}
}

// Register adds a newly-REPLCONF'd connection to the registry.
func (r *Registry) Register(c *conn.Conn, listenPort int) *Replica {
	rep := &Replica{Conn: c, ListenPort: listenPort, State: StateMet}
	r.replicas[c.ID] = rep
	return rep
}

// MarkStreaming flips a replica into steady-state write propagation
// after its full-resync payload has been sent.
func (r *Registry) MarkStreaming(connID string) {
	if rep, ok := r.replicas[connID]; ok {
		rep.State = StateWrite
	}
}

// Deregister drops a replica, e.g. on disconnect. Outstanding WAIT
// entries are left in place; their next PollWait counts only the
// replicas still attached.
func (r *Registry) Deregister(connID string) {
	delete(r.replicas, connID)
}

// Count returns how many replicas are attached, regardless of state.
func (r *Registry) Count() int { return len(r.replicas) }

// All returns every attached replica, in no particular order.
func (r *Registry) All() []*Replica {
	out := make([]*Replica, 0, len(r.replicas))
	for _, rep := range r.replicas {
		out = append(out, rep)
	}
	return out
}

// RecordWrite advances every streaming replica's pushed-bytes counter by
// n and fans the write frame out to each of them, best-effort: a
// replica whose outbound buffer is full is skipped rather than allowed
// to stall the others.
func (r *Registry) RecordWrite(n int64, send func(*Replica)) {
	for _, rep := range r.replicas {
		if rep.State != StateWrite {
			continue
		}
		rep.BytesPushed += n
		send(rep)
	}
}

// Ack records a replica's REPLCONF ACK offset. Wait entries are
// resolved by PollWait, not here — an entry must stay in r.waits until
// its own poll observes it satisfied, or a concurrent poll for the same
// id would see it vanish and report a false zero count.
func (r *Registry) Ack(connID string, offset int64, now time.Time) {
	rep, ok := r.replicas[connID]
	if !ok {
		return
	}
	rep.BytesAcked = offset
	rep.LastACKAt = now
}

type waitEntry struct {
	id           uint64
	numReplicas  int64
	targetOffset int64
	deadline     time.Time
	done         bool
}

// RegisterWait adds a WAIT(numreplicas, timeout) call. targetOffset is
// the write offset outstanding at the moment WAIT was issued — the
// count of replicas ACK'd at or past it is what WAIT is waiting on.
func (r *Registry) RegisterWait(numReplicas int64, timeout time.Duration, targetOffset int64, now time.Time) uint64 {
	r.nextWait++
	id := r.nextWait
	r.waits[id] = &waitEntry{
		id:           id,
		numReplicas:  numReplicas,
		targetOffset: targetOffset,
		deadline:     now.Add(timeout),
	}
	return id
}

// SatisfiedCount reports how many attached replicas have ACK'd at least
// targetOffset.
func (r *Registry) SatisfiedCount(targetOffset int64) int64 {
	var n int64
	for _, rep := range r.replicas {
		if rep.BytesAcked >= targetOffset {
			n++
		}
	}
	return n
}

// PollWait reports whether a registered wait is ready to resolve, either
// because enough replicas have ACK'd or because it has timed out. Once
// resolved it is removed from the registry.
func (r *Registry) PollWait(id uint64, now time.Time) (count int64, ready bool) {
	w, ok := r.waits[id]
	if !ok {
		return 0, true
	}
	count = r.SatisfiedCount(w.targetOffset)
	if count >= w.numReplicas || !now.Before(w.deadline) {
		delete(r.waits, id)
		return count, true
	}
	return count, false
}
