package server

import (
	"context"
	"fmt"
	"net"

	"github.com/flockdb/flock/internal/conn"
	"github.com/flockdb/flock/internal/proto"
	"github.com/flockdb/flock/internal/talker"
)

// RunReplica dials masterAddr, drives the replication handshake, and
// then applies the propagated command stream until ctx is cancelled or
// the connection drops.
func (s *Server) RunReplica(ctx context.Context, masterAddr string, listenPort int) error {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", masterAddr)
	if err != nil {
		return fmt.Errorf("replica: could not connect to master %s: %w", masterAddr, err)
	}

	c := conn.New(raw, s.Log)
	go c.WriteLoop()

	rt := talker.NewReplicaTalker(s.engine, s.loop, s.Log, listenPort)

	done := make(chan struct{})
	s.loop.Submit(func() {
		rt.Start(c)
		close(done)
	})
	<-done

	err = c.ReadLoop(func(f proto.Frame) error {
		errCh := make(chan error, 1)
		s.loop.Submit(func() { errCh <- rt.Handle(c, f) })
		return <-errCh
	})
	c.Close()
	return err
}
