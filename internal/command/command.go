// Package command implements the tagged command union: parsing a
// decoded Array frame into a typed, verb-specific value, and
// re-encoding a command for the wire (used to propagate writes to
// replicas and to drive the replica-side handshake).
package command

import (
	"strconv"
	"strings"

	"github.com/flockdb/flock/internal/cmderr"
	"github.com/flockdb/flock/internal/proto"
)

// Kind tags which verb a Command holds.
type Kind int

const (
	KindPing Kind = iota
	KindEcho
	KindSet
	KindGet
	KindDel
	KindExists
	KindType
	KindKeys
	KindConfigGet
	KindInfo
	KindReplconf
	KindPsync
	KindWait
	KindXAdd
	KindXRange
	KindXRead
)

// FieldValue is one (field, value) pair carried by an XADD entry,
// insertion-ordered.
type FieldValue struct {
	Field []byte
	Value []byte
}

// Command is a tagged union with one variant per supported verb. Only the
// fields relevant to Kind are populated.
type Command struct {
	Kind Kind

	// Echo / Get / Type / single-key ops
	Key     string
	Msg     []byte
	Keys    []string // Del, Exists
	Pattern string   // Keys

	// Set
	Value    []byte
	ExpirePX *int64 // milliseconds, nil if absent

	// ConfigGet
	Param string

	// Info
	Sections []string

	// Replconf
	Sub  string
	Args []string

	// Psync
	ReplID string
	Offset int64

	// Wait
	NumReplicas int64
	TimeoutMS   int64

	// XAdd
	InputID InputStreamID
	Fields  []FieldValue

	// XRange
	Start BoundStreamID
	End   BoundStreamID

	// XRead
	BlockMS *int64
	Streams []string
	ReadIDs []ReadStreamID
}

func bulkStrings(f proto.Frame) ([]string, bool) {
	if f.Kind != proto.KindArray || f.Null {
		return nil, false
	}
	out := make([]string, len(f.Items))
	for i, it := range f.Items {
		if it.Kind != proto.KindBulkString || it.Null {
			return nil, false
		}
		out[i] = string(it.Bulk)
	}
	return out, true
}

// Parse consumes a decoded Array(BulkString...) frame whose first element
// names the verb (case-insensitive) and builds the matching Command.
func Parse(f proto.Frame) (Command, error) {
	parts, ok := bulkStrings(f)
	if !ok || len(parts) == 0 {
		return Command{}, cmderr.NewParseError("ERR invalid command frame")
	}
	verb := strings.ToUpper(parts[0])
	args := parts[1:]

	switch verb {
	case "PING":
		return Command{Kind: KindPing}, nil
	case "ECHO":
		if len(args) != 1 {
			return Command{}, cmderr.NewParseError("ERR wrong number of arguments for 'echo' command")
		}
		return Command{Kind: KindEcho, Msg: []byte(args[0])}, nil
	case "SET":
		return parseSet(args)
	case "GET":
		if len(args) != 1 {
			return Command{}, cmderr.NewParseError("ERR wrong number of arguments for 'get' command")
		}
		return Command{Kind: KindGet, Key: args[0]}, nil
	case "DEL":
		if len(args) < 1 {
			return Command{}, cmderr.NewParseError("ERR wrong number of arguments for 'del' command")
		}
		return Command{Kind: KindDel, Keys: args}, nil
	case "EXISTS":
		if len(args) < 1 {
			return Command{}, cmderr.NewParseError("ERR wrong number of arguments for 'exists' command")
		}
		return Command{Kind: KindExists, Keys: args}, nil
	case "TYPE":
		if len(args) != 1 {
			return Command{}, cmderr.NewParseError("ERR wrong number of arguments for 'type' command")
		}
		return Command{Kind: KindType, Key: args[0]}, nil
	case "KEYS":
		if len(args) != 1 {
			return Command{}, cmderr.NewParseError("ERR wrong number of arguments for 'keys' command")
		}
		return Command{Kind: KindKeys, Pattern: args[0]}, nil
	case "CONFIG":
		return parseConfig(args)
	case "INFO":
		return Command{Kind: KindInfo, Sections: args}, nil
	case "REPLCONF":
		return parseReplconf(args)
	case "PSYNC":
		if len(args) != 2 {
			return Command{}, cmderr.NewParseError("ERR wrong number of arguments for 'psync' command")
		}
		return Command{Kind: KindPsync, ReplID: args[0], Offset: -1}, nil
	case "WAIT":
		if len(args) != 2 {
			return Command{}, cmderr.NewParseError("ERR wrong number of arguments for 'wait' command")
		}
		n, err1 := strconv.ParseInt(args[0], 10, 64)
		ms, err2 := strconv.ParseInt(args[1], 10, 64)
		if err1 != nil || err2 != nil {
			return Command{}, cmderr.NewParseError("ERR value is not an integer or out of range")
		}
		return Command{Kind: KindWait, NumReplicas: n, TimeoutMS: ms}, nil
	case "XADD":
		return parseXAdd(args)
	case "XRANGE":
		return parseXRange(args)
	case "XREAD":
		return parseXRead(args)
	default:
		return Command{}, cmderr.NewParseError("ERR unknown command '" + parts[0] + "'")
	}
}

func parseSet(args []string) (Command, error) {
	if len(args) != 2 && len(args) != 4 {
		return Command{}, cmderr.NewParseError("ERR wrong number of arguments for 'set' command")
	}
	cmd := Command{Kind: KindSet, Key: args[0], Value: []byte(args[1])}
	if len(args) == 4 {
		if !strings.EqualFold(args[2], "PX") {
			return Command{}, cmderr.NewParseError("ERR syntax error")
		}
		ms, err := strconv.ParseInt(args[3], 10, 64)
		if err != nil {
			return Command{}, cmderr.NewParseError("ERR value is not an integer or out of range")
		}
		cmd.ExpirePX = &ms
	}
	return cmd, nil
}

func parseConfig(args []string) (Command, error) {
	if len(args) != 2 || !strings.EqualFold(args[0], "GET") {
		return Command{}, cmderr.NewParseError("ERR wrong number of arguments for 'config|get' command")
	}
	return Command{Kind: KindConfigGet, Param: args[1]}, nil
}

func parseReplconf(args []string) (Command, error) {
	if len(args) < 1 {
		return Command{}, cmderr.NewParseError("ERR wrong number of arguments for 'replconf' command")
	}
	return Command{Kind: KindReplconf, Sub: strings.ToLower(args[0]), Args: args[1:]}, nil
}

func parseXAdd(args []string) (Command, error) {
	if len(args) < 3 || len(args)%2 != 0 {
		return Command{}, cmderr.NewParseError("ERR wrong number of arguments for 'xadd' command")
	}
	id, err := ParseInputStreamID(args[1])
	if err != nil {
		return Command{}, cmderr.NewParseError("ERR " + err.Error())
	}
	pairs := args[2:]
	fields := make([]FieldValue, 0, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		fields = append(fields, FieldValue{Field: []byte(pairs[i]), Value: []byte(pairs[i+1])})
	}
	return Command{Kind: KindXAdd, Key: args[0], InputID: id, Fields: fields}, nil
}

func parseXRange(args []string) (Command, error) {
	if len(args) != 3 {
		return Command{}, cmderr.NewParseError("ERR wrong number of arguments for 'xrange' command")
	}
	start, err := ParseBoundStreamID(args[1])
	if err != nil {
		return Command{}, cmderr.NewParseError("ERR " + err.Error())
	}
	end, err := ParseBoundStreamID(args[2])
	if err != nil {
		return Command{}, cmderr.NewParseError("ERR " + err.Error())
	}
	return Command{Kind: KindXRange, Key: args[0], Start: start, End: end}, nil
}

func parseXRead(args []string) (Command, error) {
	var blockMS *int64
	i := 0
	if i < len(args) && strings.EqualFold(args[i], "BLOCK") {
		if i+1 >= len(args) {
			return Command{}, cmderr.NewParseError("ERR syntax error")
		}
		ms, err := strconv.ParseInt(args[i+1], 10, 64)
		if err != nil {
			return Command{}, cmderr.NewParseError("ERR value is not an integer or out of range")
		}
		blockMS = &ms
		i += 2
	}
	if i >= len(args) || !strings.EqualFold(args[i], "STREAMS") {
		return Command{}, cmderr.NewParseError("ERR syntax error")
	}
	rest := args[i+1:]
	if len(rest) < 2 || len(rest)%2 != 0 {
		return Command{}, cmderr.NewParseError("ERR Unbalanced XREAD list of streams: for each stream key an ID or '$' must be specified.")
	}
	n := len(rest) / 2
	streams := rest[:n]
	idStrs := rest[n:]
	ids := make([]ReadStreamID, n)
	for i, s := range idStrs {
		id, err := ParseReadStreamID(s)
		if err != nil {
			return Command{}, cmderr.NewParseError("ERR " + err.Error())
		}
		ids[i] = id
	}
	return Command{Kind: KindXRead, BlockMS: blockMS, Streams: streams, ReadIDs: ids}, nil
}

// Encode re-serializes a Command as an Array(BulkString...) frame with an
// uppercased verb, the inverse of Parse. Used to propagate writes to
// replicas and to drive the replica-side handshake.
func (c Command) Encode() proto.Frame {
	switch c.Kind {
	case KindPing:
		return bulkArray("PING")
	case KindEcho:
		return bulkArray("ECHO", string(c.Msg))
	case KindSet:
		if c.ExpirePX != nil {
			return bulkArray("SET", c.Key, string(c.Value), "PX", strconv.FormatInt(*c.ExpirePX, 10))
		}
		return bulkArray("SET", c.Key, string(c.Value))
	case KindGet:
		return bulkArray("GET", c.Key)
	case KindDel:
		return bulkArray(append([]string{"DEL"}, c.Keys...)...)
	case KindExists:
		return bulkArray(append([]string{"EXISTS"}, c.Keys...)...)
	case KindType:
		return bulkArray("TYPE", c.Key)
	case KindKeys:
		return bulkArray("KEYS", c.Pattern)
	case KindConfigGet:
		return bulkArray("CONFIG", "GET", c.Param)
	case KindInfo:
		return bulkArray(append([]string{"INFO"}, c.Sections...)...)
	case KindReplconf:
		return bulkArray(append([]string{"REPLCONF", strings.ToUpper(c.Sub)}, c.Args...)...)
	case KindPsync:
		return bulkArray("PSYNC", c.ReplID, strconv.FormatInt(c.Offset, 10))
	case KindWait:
		return bulkArray("WAIT", strconv.FormatInt(c.NumReplicas, 10), strconv.FormatInt(c.TimeoutMS, 10))
	case KindXAdd:
		parts := []string{"XADD", c.Key, encodeInputID(c.InputID)}
		for _, fv := range c.Fields {
			parts = append(parts, string(fv.Field), string(fv.Value))
		}
		return bulkArray(parts...)
	case KindXRange:
		return bulkArray("XRANGE", c.Key, encodeBoundID(c.Start), encodeBoundID(c.End))
	case KindXRead:
		parts := []string{"XREAD"}
		if c.BlockMS != nil {
			parts = append(parts, "BLOCK", strconv.FormatInt(*c.BlockMS, 10))
		}
		parts = append(parts, "STREAMS")
		parts = append(parts, c.Streams...)
		for _, id := range c.ReadIDs {
			if id.NextExpected {
				parts = append(parts, "$")
			} else {
				parts = append(parts, StreamID{MS: id.MS, Seq: id.Seq}.String())
			}
		}
		return bulkArray(parts...)
	default:
		return proto.Undefined()
	}
}

func bulkArray(parts ...string) proto.Frame {
	items := make([]proto.Frame, len(parts))
	for i, p := range parts {
		items[i] = proto.BulkStr(p)
	}
	return proto.Array(items)
}

func encodeInputID(id InputStreamID) string {
	if id.GeneralWildcard {
		return "*"
	}
	if id.SeqWildcard {
		return strconv.FormatUint(id.MS, 10) + "-*"
	}
	return StreamID{MS: id.MS, Seq: id.Seq}.String()
}

func encodeBoundID(b BoundStreamID) string {
	if b.LeftUnbound {
		return "-"
	}
	if b.RightUnbound {
		return "+"
	}
	if b.HasSeq {
		return StreamID{MS: b.MS, Seq: b.Seq}.String()
	}
	return strconv.FormatUint(b.MS, 10)
}
