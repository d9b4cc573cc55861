package replication

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flockdb/flock/internal/conn"
)

func fakeConn() *conn.Conn {
	server, _ := net.Pipe()
	return conn.New(server, nil)
}

func TestRegisterAndDeregister(t *testing.T) {
	r := NewRegistry()
	c := fakeConn()
	r.Register(c, 6380)
	require.Equal(t, 1, r.Count())
	r.Deregister(c.ID)
	require.Equal(t, 0, r.Count())
}

func TestRecordWriteAdvancesStreamingReplicasOnly(t *testing.T) {
	r := NewRegistry()
	c1, c2 := fakeConn(), fakeConn()
	r.Register(c1, 1)
	rep2 := r.Register(c2, 2)
	r.MarkStreaming(c2.ID)

	var sent []string
	r.RecordWrite(10, func(rep *Replica) { sent = append(sent, rep.Conn.ID) })

	require.Equal(t, []string{c2.ID}, sent)
	require.EqualValues(t, 10, rep2.BytesPushed)
}

func TestWaitResolvesOnceEnoughReplicasAck(t *testing.T) {
	r := NewRegistry()
	c1, c2 := fakeConn(), fakeConn()
	r.Register(c1, 1)
	r.Register(c2, 2)
	r.MarkStreaming(c1.ID)
	r.MarkStreaming(c2.ID)
	r.RecordWrite(100, func(*Replica) {})

	id := r.RegisterWait(2, time.Second, 100, time.Now())
	_, ready := r.PollWait(id, time.Now())
	require.False(t, ready)

	r.Ack(c1.ID, 100, time.Now())
	_, ready = r.PollWait(id, time.Now())
	require.False(t, ready)

	r.Ack(c2.ID, 100, time.Now())
	count, ready := r.PollWait(id, time.Now())
	require.True(t, ready)
	require.EqualValues(t, 2, count)
}

func TestWaitTimesOutWithPartialCount(t *testing.T) {
	r := NewRegistry()
	c1 := fakeConn()
	r.Register(c1, 1)
	r.MarkStreaming(c1.ID)
	r.RecordWrite(50, func(*Replica) {})

	past := time.Now().Add(-time.Millisecond)
	id := r.RegisterWait(2, time.Nanosecond, 50, past)
	count, ready := r.PollWait(id, time.Now())
	require.True(t, ready)
	require.EqualValues(t, 0, count)
}
