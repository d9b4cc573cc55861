package conn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flockdb/flock/internal/proto"
)

func pipePair(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := New(server, nil)
	return c, client
}

func TestWriteLoopDeliversFramesInOrder(t *testing.T) {
	c, client := pipePair(t)
	go c.WriteLoop()

	c.Send(proto.SimpleString("ONE"))
	c.Send(proto.SimpleString("TWO"))

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "+ONE\r\n")
}

func TestCloseFlushesThenCloses(t *testing.T) {
	c, client := pipePair(t)
	go c.WriteLoop()

	c.Send(proto.SimpleString("BEFORE"))
	c.Close()

	buf := make([]byte, 64)
	n, err := client.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "+BEFORE\r\n")

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err = client.Read(buf)
	require.Error(t, err) // peer closed
}

func TestReadLoopDeliversDecodedFrames(t *testing.T) {
	c, client := pipePair(t)

	received := make(chan proto.Frame, 1)
	go func() {
		_ = c.ReadLoop(func(f proto.Frame) error {
			received <- f
			return nil
		})
	}()

	_, err := client.Write(proto.Encode(proto.Array([]proto.Frame{proto.BulkStr("PING")})))
	require.NoError(t, err)

	select {
	case f := <-received:
		require.Equal(t, proto.KindArray, f.Kind)
	case <-time.After(time.Second):
		t.Fatal("ReadLoop never delivered a frame")
	}
	client.Close()
}

func TestTrySendDropsWhenFull(t *testing.T) {
	server, _ := net.Pipe()
	c := New(server, nil)
	for i := 0; i < outboundBufferSize; i++ {
		require.True(t, c.TrySend(proto.SimpleString("x")))
	}
	require.False(t, c.TrySend(proto.SimpleString("overflow")))
}
