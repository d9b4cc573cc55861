package talker

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flockdb/flock/internal/conn"
	"github.com/flockdb/flock/internal/loop"
	"github.com/flockdb/flock/internal/proto"
	"github.com/flockdb/flock/internal/replication"
	"github.com/flockdb/flock/internal/store"
)

func newTestTalker(t *testing.T) (*ServerTalker, *conn.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := conn.New(server, nil)
	go c.WriteLoop()

	talker := NewServerTalker(store.New(), replication.NewRegistry(), loop.New(nil, 0), nil, nil, Info{ReplID: "testreplid"})
	return talker, c, client
}

func sendCommand(t *testing.T, talker *ServerTalker, c *conn.Conn, parts ...string) {
	t.Helper()
	items := make([]proto.Frame, len(parts))
	for i, p := range parts {
		items[i] = proto.BulkStr(p)
	}
	talker.Handle(c, proto.Array(items))
}

func readReply(t *testing.T, client net.Conn) proto.Frame {
	t.Helper()
	client.SetReadDeadline(time.Now().Add(2 * time.Second))

	all := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		n, err := client.Read(chunk)
		all = append(all, chunk[:n]...)
		f, _, derr := proto.Decode(all, proto.Normal)
		if derr == nil {
			return f
		}
		require.NoError(t, err)
	}
}

func TestPingReturnsPong(t *testing.T) {
	talker, c, client := newTestTalker(t)
	sendCommand(t, talker, c, "PING")
	f := readReply(t, client)
	require.Equal(t, "PONG", f.Str)
}

func TestSetGet(t *testing.T) {
	talker, c, client := newTestTalker(t)
	sendCommand(t, talker, c, "SET", "foo", "bar")
	require.Equal(t, "OK", readReply(t, client).Str)

	sendCommand(t, talker, c, "GET", "foo")
	f := readReply(t, client)
	require.Equal(t, "bar", string(f.Bulk))
}

func TestGetMissingReturnsNullBulk(t *testing.T) {
	talker, c, client := newTestTalker(t)
	sendCommand(t, talker, c, "GET", "missing")
	f := readReply(t, client)
	require.True(t, f.Null)
}

func TestTypeOfMissingKey(t *testing.T) {
	talker, c, client := newTestTalker(t)
	sendCommand(t, talker, c, "TYPE", "missing")
	f := readReply(t, client)
	require.Equal(t, "none", f.Str)
}

func TestXAddThenXRange(t *testing.T) {
	talker, c, client := newTestTalker(t)
	sendCommand(t, talker, c, "XADD", "s", "1-1", "field", "value")
	f := readReply(t, client)
	require.Equal(t, "1-1", string(f.Bulk))

	sendCommand(t, talker, c, "XRANGE", "s", "-", "+")
	f = readReply(t, client)
	require.Equal(t, proto.KindArray, f.Kind)
	require.Len(t, f.Items, 1)
}

func TestWaitWithNoReplicasReturnsZero(t *testing.T) {
	talker, c, client := newTestTalker(t)
	sendCommand(t, talker, c, "WAIT", "0", "100")
	f := readReply(t, client)
	require.EqualValues(t, 0, f.Int)
}

func TestUnknownCommandIsSimpleError(t *testing.T) {
	talker, c, client := newTestTalker(t)
	sendCommand(t, talker, c, "BOGUS")
	f := readReply(t, client)
	require.Equal(t, proto.KindSimpleError, f.Kind)
}
