// Package server owns process startup: binding the client-facing
// listener, dialing out to a master when running as a replica, and
// running the loop goroutine and the accept loop side by side until
// shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flockdb/flock/internal/conn"
	"github.com/flockdb/flock/internal/loop"
	"github.com/flockdb/flock/internal/metrics"
	"github.com/flockdb/flock/internal/proto"
	"github.com/flockdb/flock/internal/replication"
	"github.com/flockdb/flock/internal/snapshot"
	"github.com/flockdb/flock/internal/store"
	"github.com/flockdb/flock/internal/talker"
)

const (
	listenRetries   = 8
	listenBackoff   = 250 * time.Millisecond
	fairnessQuotaHz = 0 // unlimited by default; set >0 to throttle the loop
)

// Server ties together the keyspace, the loop goroutine, the client
// listener, and (optionally) a replica connection to a master.
type Server struct {
	Config  talker.Info
	Addr    string
	Log     *slog.Logger
	Metrics *metrics.Registry

	engine *store.Engine
	reg    *replication.Registry
	loop   *loop.Loop
	talker *talker.ServerTalker
}

// Registry exposes the replica registry so callers (e.g. the lag-logging
// job) can observe it without the server package depending on them.
func (s *Server) Registry() *replication.Registry { return s.reg }

// Loop exposes the loop goroutine handle for the same reason.
func (s *Server) Loop() *loop.Loop { return s.loop }

// New constructs a Server. m may be nil to disable metrics entirely.
func New(cfg talker.Info, addr string, log *slog.Logger, m *metrics.Registry) *Server {
	e := store.New()
	reg := replication.NewRegistry()
	l := loop.New(log, fairnessQuotaHz)
	st := talker.NewServerTalker(e, reg, l, m, log, cfg)

	return &Server{
		Config:  cfg,
		Addr:    addr,
		Log:     log,
		Metrics: m,
		engine:  e,
		reg:     reg,
		loop:    l,
		talker:  st,
	}
}

// LoadSnapshot restores dir/dbfilename into the keyspace before the
// listener starts accepting connections.
func (s *Server) LoadSnapshot(dir, dbfilename string) error {
	return snapshot.Restore(dir, dbfilename, engineRestorer{s.engine})
}

type engineRestorer struct{ e *store.Engine }

func (r engineRestorer) RestoreString(key string, value []byte, expireAtUnixMS int64, hasExpiry bool) {
	var px *int64
	if hasExpiry {
		remaining := expireAtUnixMS - time.Now().UnixMilli()
		if remaining < 0 {
			remaining = 0
		}
		px = &remaining
	}
	r.e.Set(key, value, px, time.Now())
}

// listen binds s.Addr, retrying through EADDRINUSE a handful of times
// before giving up — a restarted master racing a slow-to-close previous
// process is routine enough to warrant a short retry loop rather than
// failing immediately.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	var lastErr error
	for attempt := 0; attempt < listenRetries; attempt++ {
		ln, err := lc.Listen(ctx, "tcp", s.Addr)
		if err == nil {
			return ln, nil
		}
		if !errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("server: could not bind %s: %w", s.Addr, err)
		}
		lastErr = err
		s.Log.Warn("listen failed, retrying", "addr", s.Addr, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(listenBackoff):
		}
	}
	return nil, fmt.Errorf("server: could not bind %s after %d attempts: %w", s.Addr, listenRetries, lastErr)
}

// Run starts the loop goroutine and the client listener, and blocks
// until ctx is cancelled or a component fails.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	loopDone := make(chan struct{})
	g.Go(func() error {
		s.loop.Run(loopDone)
		return nil
	})

	ln, err := s.listen(ctx)
	if err != nil {
		close(loopDone)
		return err
	}

	g.Go(func() error {
		<-ctx.Done()
		close(loopDone)
		return ln.Close()
	})

	g.Go(func() error {
		return s.acceptLoop(ctx, ln)
	})

	return g.Wait()
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c := conn.New(raw, s.Log)
		if s.Metrics != nil {
			s.Metrics.Connections.Inc()
		}
		go s.serveConn(c)
	}
}

func (s *Server) serveConn(c *conn.Conn) {
	go c.WriteLoop()
	err := c.ReadLoop(func(f proto.Frame) error {
		done := make(chan struct{})
		s.loop.Submit(func() {
			s.talker.Handle(c, f)
			close(done)
		})
		<-done
		return nil
	})
	if err != nil && s.Log != nil {
		s.Log.Debug("connection read loop ended", "conn", c.ID, "error", err)
	}
	s.loop.Submit(func() { s.talker.Deregister(c) })
	c.Close()
}
