package command

import (
	"fmt"
	"strconv"
	"strings"
)

// StreamID is the concrete, totally-ordered (ms, seq) pair a stream entry
// is stored under.
type StreamID struct {
	MS  uint64
	Seq uint64
}

// Compare returns -1, 0, or 1 the way bytes.Compare does.
func (a StreamID) Compare(b StreamID) int {
	switch {
	case a.MS < b.MS:
		return -1
	case a.MS > b.MS:
		return 1
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	default:
		return 0
	}
}

func (a StreamID) Less(b StreamID) bool { return a.Compare(b) < 0 }

func (id StreamID) String() string {
	return strconv.FormatUint(id.MS, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// InputStreamID is the id an XADD caller supplied, still carrying its
// wildcard shape.
type InputStreamID struct {
	GeneralWildcard bool // "*"
	SeqWildcard     bool // "ms-*"
	MS              uint64
	Seq             uint64 // meaningful only when neither wildcard is set
}

// ParseInputStreamID implements the XADD id grammar: "*" (general
// wildcard), "ms-*" (sequence wildcard), "ms-seq" (exact), and the "0"
// shorthand for "0-0". The empty string is rejected.
func ParseInputStreamID(s string) (InputStreamID, error) {
	if s == "" {
		return InputStreamID{}, fmt.Errorf("invalid stream ID specified as stream command argument")
	}
	if s == "*" {
		return InputStreamID{GeneralWildcard: true}, nil
	}
	if s == "0" {
		return InputStreamID{MS: 0, Seq: 0}, nil
	}
	ms, seqPart, ok := strings.Cut(s, "-")
	msVal, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return InputStreamID{}, fmt.Errorf("invalid stream ID specified as stream command argument")
	}
	if !ok {
		return InputStreamID{MS: msVal, Seq: 0}, nil
	}
	if seqPart == "*" {
		return InputStreamID{SeqWildcard: true, MS: msVal}, nil
	}
	seqVal, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return InputStreamID{}, fmt.Errorf("invalid stream ID specified as stream command argument")
	}
	return InputStreamID{MS: msVal, Seq: seqVal}, nil
}

// BoundStreamID is an XRANGE endpoint: "-" (left unbound), "+" (right
// unbound), or an exact id with an optionally-omitted sequence.
type BoundStreamID struct {
	LeftUnbound  bool
	RightUnbound bool
	MS           uint64
	Seq          uint64
	HasSeq       bool
}

func ParseBoundStreamID(s string) (BoundStreamID, error) {
	switch s {
	case "-":
		return BoundStreamID{LeftUnbound: true}, nil
	case "+":
		return BoundStreamID{RightUnbound: true}, nil
	}
	ms, seqPart, ok := strings.Cut(s, "-")
	msVal, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return BoundStreamID{}, fmt.Errorf("invalid stream ID specified as stream command argument")
	}
	if !ok {
		return BoundStreamID{MS: msVal}, nil
	}
	seqVal, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return BoundStreamID{}, fmt.Errorf("invalid stream ID specified as stream command argument")
	}
	return BoundStreamID{MS: msVal, Seq: seqVal, HasSeq: true}, nil
}

// Low returns the concrete lower-bound id, with "-" substituting the
// extreme minimum.
func (b BoundStreamID) Low() StreamID {
	if b.LeftUnbound {
		return StreamID{}
	}
	return StreamID{MS: b.MS, Seq: b.Seq}
}

// High returns the concrete upper-bound id, with "+" substituting the
// extreme maximum.
func (b BoundStreamID) High() StreamID {
	if b.RightUnbound {
		return StreamID{MS: ^uint64(0), Seq: ^uint64(0)}
	}
	if !b.HasSeq {
		return StreamID{MS: b.MS, Seq: ^uint64(0)}
	}
	return StreamID{MS: b.MS, Seq: b.Seq}
}

// ReadStreamID is an XREAD starting id: "$" (next-expected, resolved
// against the stream's current top at registration time) or an exact id.
type ReadStreamID struct {
	NextExpected bool
	MS           uint64
	Seq          uint64
}

func ParseReadStreamID(s string) (ReadStreamID, error) {
	if s == "$" {
		return ReadStreamID{NextExpected: true}, nil
	}
	ms, seqPart, ok := strings.Cut(s, "-")
	msVal, err := strconv.ParseUint(ms, 10, 64)
	if err != nil {
		return ReadStreamID{}, fmt.Errorf("invalid stream ID specified as stream command argument")
	}
	if !ok {
		return ReadStreamID{MS: msVal}, nil
	}
	seqVal, err := strconv.ParseUint(seqPart, 10, 64)
	if err != nil {
		return ReadStreamID{}, fmt.Errorf("invalid stream ID specified as stream command argument")
	}
	return ReadStreamID{MS: msVal, Seq: seqVal}, nil
}

func (r ReadStreamID) AsStreamID() StreamID { return StreamID{MS: r.MS, Seq: r.Seq} }
