package command

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flockdb/flock/internal/proto"
)

func parseWire(t *testing.T, parts ...string) Command {
	t.Helper()
	items := make([]proto.Frame, len(parts))
	for i, p := range parts {
		items[i] = proto.BulkStr(p)
	}
	cmd, err := Parse(proto.Array(items))
	require.NoError(t, err)
	return cmd
}

func TestParsePing(t *testing.T) {
	cmd := parseWire(t, "ping")
	require.Equal(t, KindPing, cmd.Kind)
}

func TestParseSetWithPX(t *testing.T) {
	cmd := parseWire(t, "SET", "foo", "bar", "PX", "100")
	require.Equal(t, KindSet, cmd.Kind)
	require.Equal(t, "foo", cmd.Key)
	require.Equal(t, []byte("bar"), cmd.Value)
	require.NotNil(t, cmd.ExpirePX)
	require.Equal(t, int64(100), *cmd.ExpirePX)
}

func TestParseSetWrongArgCount(t *testing.T) {
	items := []proto.Frame{proto.BulkStr("SET"), proto.BulkStr("foo")}
	_, err := Parse(proto.Array(items))
	require.Error(t, err)
}

func TestParseDelMultiKey(t *testing.T) {
	cmd := parseWire(t, "DEL", "a", "b", "c")
	require.Equal(t, KindDel, cmd.Kind)
	require.Equal(t, []string{"a", "b", "c"}, cmd.Keys)
}

func TestParseConfigGet(t *testing.T) {
	cmd := parseWire(t, "CONFIG", "GET", "dir")
	require.Equal(t, KindConfigGet, cmd.Kind)
	require.Equal(t, "dir", cmd.Param)
}

func TestParseWait(t *testing.T) {
	cmd := parseWire(t, "WAIT", "2", "500")
	require.Equal(t, KindWait, cmd.Kind)
	require.Equal(t, int64(2), cmd.NumReplicas)
	require.Equal(t, int64(500), cmd.TimeoutMS)
}

func TestParseXAddAutoID(t *testing.T) {
	cmd := parseWire(t, "XADD", "stream", "*", "field1", "val1")
	require.Equal(t, KindXAdd, cmd.Kind)
	require.True(t, cmd.InputID.GeneralWildcard)
	require.Len(t, cmd.Fields, 1)
	require.Equal(t, []byte("field1"), cmd.Fields[0].Field)
}

func TestParseXRangeBounds(t *testing.T) {
	cmd := parseWire(t, "XRANGE", "stream", "-", "+")
	require.Equal(t, KindXRange, cmd.Kind)
	require.True(t, cmd.Start.LeftUnbound)
	require.True(t, cmd.End.RightUnbound)
}

func TestParseXReadBlockStreams(t *testing.T) {
	cmd := parseWire(t, "XREAD", "BLOCK", "1000", "STREAMS", "s1", "s2", "0-0", "$")
	require.Equal(t, KindXRead, cmd.Kind)
	require.NotNil(t, cmd.BlockMS)
	require.Equal(t, int64(1000), *cmd.BlockMS)
	require.Equal(t, []string{"s1", "s2"}, cmd.Streams)
	require.Len(t, cmd.ReadIDs, 2)
	require.False(t, cmd.ReadIDs[0].NextExpected)
	require.True(t, cmd.ReadIDs[1].NextExpected)
}

func TestParseXReadUnbalancedStreams(t *testing.T) {
	items := []proto.Frame{proto.BulkStr("XREAD"), proto.BulkStr("STREAMS"), proto.BulkStr("s1"), proto.BulkStr("s2"), proto.BulkStr("0-0")}
	_, err := Parse(proto.Array(items))
	require.Error(t, err)
}

func TestParseUnknownCommand(t *testing.T) {
	_, err := parseOrErr(t, "FOOBAR")
	require.Error(t, err)
}

func parseOrErr(t *testing.T, parts ...string) (Command, error) {
	t.Helper()
	items := make([]proto.Frame, len(parts))
	for i, p := range parts {
		items[i] = proto.BulkStr(p)
	}
	return Parse(proto.Array(items))
}

func TestEncodeRoundTripsThroughParse(t *testing.T) {
	original := Command{Kind: KindSet, Key: "k", Value: []byte("v")}
	wire := original.Encode()
	reparsed, err := Parse(wire)
	require.NoError(t, err)
	require.Equal(t, original.Key, reparsed.Key)
	require.Equal(t, original.Value, reparsed.Value)
}

func TestEncodeXAddWildcard(t *testing.T) {
	cmd := Command{
		Kind:    KindXAdd,
		Key:     "s",
		InputID: InputStreamID{GeneralWildcard: true},
		Fields:  []FieldValue{{Field: []byte("f"), Value: []byte("v")}},
	}
	wire := cmd.Encode()
	reparsed, err := Parse(wire)
	require.NoError(t, err)
	require.True(t, reparsed.InputID.GeneralWildcard)
}
