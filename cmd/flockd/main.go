package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/flockdb/flock/internal/config"
	"github.com/flockdb/flock/internal/logger"
	"github.com/flockdb/flock/internal/metrics"
	"github.com/flockdb/flock/internal/replication"
	"github.com/flockdb/flock/internal/server"
	"github.com/flockdb/flock/internal/talker"
)

func main() {
	cfg := config.Default()
	var replicaOf string
	var verbosity int
	var gops bool
	var metricsPort int

	root := &cobra.Command{
		Use:   "flockd",
		Short: "flockd — an in-memory key/value and stream server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if replicaOf != "" {
				ro, err := config.ParseReplicaOf(replicaOf)
				if err != nil {
					return err
				}
				cfg.ReplicaOf = ro
			}
			cfg.Verbosity = verbosity
			cfg.Gops = gops
			cfg.MetricsPort = metricsPort
			return run(cfg)
		},
	}
	root.Flags().IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on")
	root.Flags().StringVar(&replicaOf, "replicaof", "", "Run as a replica of \"<host> <port>\"")
	root.Flags().StringVar(&cfg.Dir, "dir", cfg.Dir, "Directory the snapshot file is read from at startup")
	root.Flags().StringVar(&cfg.DBFilename, "dbfilename", cfg.DBFilename, "Snapshot filename within --dir")
	root.Flags().CountVarP(&verbosity, "verbose", "v", "Increase log verbosity (-v, -vv)")
	root.Flags().BoolVar(&gops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	root.Flags().IntVar(&metricsPort, "metrics-port", 0, "Port for the Prometheus/admin HTTP server (0 disables it)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "flockd:", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	if err := logger.Init(cfg.Verbosity, ""); err != nil {
		return err
	}
	log := logger.Log

	if cfg.Gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fmt.Errorf("gops/agent.Listen failed: %w", err)
		}
	}

	var idBytes [20]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return fmt.Errorf("generating replication id: %w", err)
	}
	replID := hex.EncodeToString(idBytes[:])
	info := talker.Info{
		ReplID:     replID,
		Dir:        cfg.Dir,
		DBFilename: cfg.DBFilename,
		IsReplica:  cfg.IsReplica(),
	}
	if cfg.IsReplica() {
		info.MasterHost = cfg.ReplicaOf.Host
		info.MasterPort = cfg.ReplicaOf.Port
	}

	var promReg *metrics.Registry
	var promGatherer *prometheus.Registry
	if cfg.MetricsPort > 0 {
		promReg, promGatherer = metrics.New()
	}

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	srv := server.New(info, addr, log, promReg)

	if err := srv.LoadSnapshot(cfg.Dir, cfg.DBFilename); err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsPort > 0 {
		adminSrv := metrics.NewServer(
			fmt.Sprintf("0.0.0.0:%d", cfg.MetricsPort),
			promGatherer,
			func() any { return map[string]any{"role": info.IsReplica} },
		)
		go func() {
			if err := adminSrv.ListenAndServe(ctx); err != nil {
				log.Error("admin server stopped", "error", err)
			}
		}()
	}

	sched, err := replication.StartLagLogger(srv.Loop(), srv.Registry(), log, 10*time.Second)
	if err != nil {
		return fmt.Errorf("starting lag logger: %w", err)
	}
	defer sched.Shutdown()

	if cfg.IsReplica() {
		go func() {
			masterAddr := fmt.Sprintf("%s:%d", cfg.ReplicaOf.Host, cfg.ReplicaOf.Port)
			if err := srv.RunReplica(ctx, masterAddr, cfg.Port); err != nil {
				log.Error("replica connection to master ended", "error", err)
			}
		}()
	}

	log.Info("flockd starting", "addr", addr, "replica", cfg.IsReplica())
	return srv.Run(ctx)
}
