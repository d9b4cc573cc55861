// Package store implements the in-memory keyspace: string values with
// optional millisecond expiry, and append-only streams ordered by
// (ms, seq) id. An Engine is owned exclusively by the loop goroutine —
// it holds no internal locking and must never be touched from a
// connection goroutine directly.
package store

import (
	"path/filepath"
	"time"

	"github.com/flockdb/flock/internal/cmderr"
	"github.com/flockdb/flock/internal/command"
)

// Kind tags which variant a keyspace entry holds.
type Kind int

const (
	KindNone Kind = iota
	KindString
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindStream:
		return "stream"
	default:
		return "none"
	}
}

// StringValue is a plain byte-string entry with optional expiry.
type StringValue struct {
	Data      []byte
	ExpireAt  time.Time
	HasExpiry bool
}

// StreamEntry is one appended record: a totally-ordered id plus its
// insertion-ordered field/value pairs.
type StreamEntry struct {
	ID     command.StreamID
	Fields []command.FieldValue
}

// StreamValue holds a stream's entries sorted by id. Ids only ever grow,
// so each entry is appended at the end, and XRANGE binary-searches the
// slice to take a direct window over it.
type StreamValue struct {
	Entries []StreamEntry
	LastID  command.StreamID
}

type entry struct {
	kind   Kind
	str    *StringValue
	stream *StreamValue
}

// Engine is the keyspace. Create one with New; the zero value has no map
// to write into.
type Engine struct {
	data map[string]*entry
}

func New() *Engine {
	return &Engine{data: make(map[string]*entry)}
}

// lookup returns the live entry for key, evicting it in place if its
// string value has passively expired. A stream entry never expires.
func (e *Engine) lookup(key string, now time.Time) *entry {
	ent, ok := e.data[key]
	if !ok {
		return nil
	}
	if ent.kind == KindString && ent.str.HasExpiry && !ent.str.ExpireAt.After(now) {
		delete(e.data, key)
		return nil
	}
	return ent
}

// Set stores key = value, replacing whatever was there before
// (strings and streams are both overwritable by SET, matching the
// storage model's single keyspace namespace).
func (e *Engine) Set(key string, value []byte, expirePX *int64, now time.Time) {
	sv := &StringValue{Data: value}
	if expirePX != nil {
		sv.HasExpiry = true
		sv.ExpireAt = now.Add(time.Duration(*expirePX) * time.Millisecond)
	}
	e.data[key] = &entry{kind: KindString, str: sv}
}

// Get returns the string value for key, or (nil, false) if the key is
// absent, expired, or holds a stream.
func (e *Engine) Get(key string, now time.Time) ([]byte, bool, error) {
	ent := e.lookup(key, now)
	if ent == nil {
		return nil, false, nil
	}
	if ent.kind != KindString {
		return nil, false, nil
	}
	return ent.str.Data, true, nil
}

// Del removes keys, returning how many actually existed.
func (e *Engine) Del(keys []string, now time.Time) int64 {
	var n int64
	for _, k := range keys {
		if e.lookup(k, now) != nil {
			delete(e.data, k)
			n++
		}
	}
	return n
}

// Exists counts how many of keys are present, counting repeats.
func (e *Engine) Exists(keys []string, now time.Time) int64 {
	var n int64
	for _, k := range keys {
		if e.lookup(k, now) != nil {
			n++
		}
	}
	return n
}

// Type reports the keyspace entry kind for key, KindNone if absent.
func (e *Engine) Type(key string, now time.Time) Kind {
	ent := e.lookup(key, now)
	if ent == nil {
		return KindNone
	}
	return ent.kind
}

// Keys returns every live key matching pattern. "*" matches every key;
// any other pattern is glob-matched via filepath.Match, which covers the
// glob classes (?, [...], *) without a bespoke matcher.
func (e *Engine) Keys(pattern string, now time.Time) []string {
	var out []string
	for k := range e.data {
		if e.lookup(k, now) == nil {
			continue
		}
		if pattern == "*" {
			out = append(out, k)
			continue
		}
		if ok, err := filepath.Match(pattern, k); err == nil && ok {
			out = append(out, k)
		}
	}
	return out
}

// resolveInputID turns an XADD caller-supplied id into a concrete id,
// applying the auto-increment rules against the stream's current top:
// "*" takes the current wall-clock ms with seq 0 (bumped to stay
// monotonic against the last entry); "ms-*" takes the next free seq
// under that ms; an exact id must be strictly greater than 0-0 and than
// the stream's current top.
func resolveInputID(sv *StreamValue, in command.InputStreamID, nowMS uint64) (command.StreamID, error) {
	switch {
	case in.GeneralWildcard:
		id := command.StreamID{MS: nowMS, Seq: 0}
		if len(sv.Entries) > 0 && !sv.LastID.Less(id) {
			if sv.LastID.MS == id.MS {
				id.Seq = sv.LastID.Seq + 1
			} else {
				id = command.StreamID{MS: sv.LastID.MS, Seq: sv.LastID.Seq + 1}
			}
		}
		return id, nil
	case in.SeqWildcard:
		if len(sv.Entries) > 0 && in.MS < sv.LastID.MS {
			return command.StreamID{}, cmderr.ErrStreamNotMonotonic
		}
		id := command.StreamID{MS: in.MS, Seq: 0}
		if len(sv.Entries) > 0 && sv.LastID.MS == in.MS {
			id.Seq = sv.LastID.Seq + 1
		} else if in.MS == 0 {
			id.Seq = 1
		}
		if id == (command.StreamID{}) {
			return command.StreamID{}, cmderr.ErrStreamNotZero
		}
		return id, nil
	default:
		id := command.StreamID{MS: in.MS, Seq: in.Seq}
		if id == (command.StreamID{}) {
			return command.StreamID{}, cmderr.ErrStreamNotZero
		}
		if len(sv.Entries) > 0 && !sv.LastID.Less(id) {
			return command.StreamID{}, cmderr.ErrStreamNotMonotonic
		}
		return id, nil
	}
}

// XAdd appends one entry to the stream at key, allocating its concrete
// id per the rules in resolveInputID, and returns the id assigned.
func (e *Engine) XAdd(key string, in command.InputStreamID, fields []command.FieldValue, nowMS uint64) (command.StreamID, error) {
	ent := e.data[key]
	if ent != nil && ent.kind != KindStream {
		return command.StreamID{}, cmderr.ErrWrongType
	}
	if ent == nil {
		ent = &entry{kind: KindStream, stream: &StreamValue{}}
		e.data[key] = ent
	}
	sv := ent.stream
	id, err := resolveInputID(sv, in, nowMS)
	if err != nil {
		return command.StreamID{}, err
	}
	sv.Entries = append(sv.Entries, StreamEntry{ID: id, Fields: fields})
	sv.LastID = id
	return id, nil
}

// XRange returns every entry in [start, end], inclusive, via binary
// search over the sorted entry slice.
func (e *Engine) XRange(key string, start, end command.BoundStreamID) ([]StreamEntry, error) {
	ent := e.data[key]
	if ent == nil {
		return nil, nil
	}
	if ent.kind != KindStream {
		return nil, cmderr.ErrWrongType
	}
	sv := ent.stream
	lo, hi := start.Low(), end.High()
	from := lowerBound(sv.Entries, lo)
	to := upperBound(sv.Entries, hi)
	if from >= to {
		return nil, nil
	}
	out := make([]StreamEntry, to-from)
	copy(out, sv.Entries[from:to])
	return out, nil
}

// XReadSince returns every entry with id strictly greater than after,
// used both for an immediate XREAD and for waking a blocked reader.
func (e *Engine) XReadSince(key string, after command.StreamID) ([]StreamEntry, error) {
	ent := e.data[key]
	if ent == nil {
		return nil, nil
	}
	if ent.kind != KindStream {
		return nil, cmderr.ErrWrongType
	}
	sv := ent.stream
	from := upperBound(sv.Entries, after)
	if from >= len(sv.Entries) {
		return nil, nil
	}
	out := make([]StreamEntry, len(sv.Entries)-from)
	copy(out, sv.Entries[from:])
	return out, nil
}

// TopID returns the current top id of the stream at key (the zero id if
// absent or empty), used to resolve XREAD's "$" starting point.
func (e *Engine) TopID(key string) command.StreamID {
	ent := e.data[key]
	if ent == nil || ent.kind != KindStream {
		return command.StreamID{}
	}
	return ent.stream.LastID
}

// lowerBound returns the index of the first entry with ID >= target.
func lowerBound(entries []StreamEntry, target command.StreamID) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if entries[mid].ID.Less(target) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// upperBound returns the index of the first entry with ID > target.
func upperBound(entries []StreamEntry, target command.StreamID) int {
	lo, hi := 0, len(entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if target.Less(entries[mid].ID) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}
