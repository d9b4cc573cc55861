package loop

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubmitRunsOnLoopGoroutine(t *testing.T) {
	l := New(nil, 0)
	done := make(chan struct{})
	go l.Run(done)
	defer close(done)

	result := make(chan int, 1)
	l.Submit(func() { result <- 42 })

	select {
	case v := <-result:
		require.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("submitted job never ran")
	}
}

func TestAfterFiresOnce(t *testing.T) {
	l := New(nil, 0)
	done := make(chan struct{})
	go l.Run(done)
	defer close(done)

	var count int32
	l.After(10*time.Millisecond, func() { atomic.AddInt32(&count, 1) })

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestEveryRepeatsUntilCancelled(t *testing.T) {
	l := New(nil, 0)
	done := make(chan struct{})
	go l.Run(done)
	defer close(done)

	var count int32
	id := l.Every(10*time.Millisecond, func() { atomic.AddInt32(&count, 1) })
	time.Sleep(55 * time.Millisecond)
	l.Cancel(id)
	seenAtCancel := atomic.LoadInt32(&count)
	time.Sleep(55 * time.Millisecond)
	require.GreaterOrEqual(t, seenAtCancel, int32(3))
	require.LessOrEqual(t, atomic.LoadInt32(&count), seenAtCancel+1)
}

func TestPanicInJobDoesNotStopLoop(t *testing.T) {
	l := New(nil, 0)
	done := make(chan struct{})
	go l.Run(done)
	defer close(done)

	l.Submit(func() { panic("boom") })

	result := make(chan int, 1)
	l.Submit(func() { result <- 1 })
	select {
	case <-result:
	case <-time.After(time.Second):
		t.Fatal("loop did not survive a panicking job")
	}
}
