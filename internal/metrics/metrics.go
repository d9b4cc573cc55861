// Package metrics exposes a prometheus scrape endpoint and a tiny admin
// API over gorilla/mux, enriching the wire protocol with observability
// flockd itself has no other way to surface. It runs only when
// --metrics-port is set; the server loop is otherwise unaware of it.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric flockd emits.
type Registry struct {
	Connections     prometheus.Counter
	CommandsByVerb  *prometheus.CounterVec
	ParseErrors     prometheus.Counter
	ReplicaCount    prometheus.Gauge
	WaitOutstanding prometheus.Gauge
	CommandLatency  *prometheus.HistogramVec
}

// New registers every metric against a fresh prometheus registry (never
// the global default, so multiple Registry instances — e.g. in tests —
// don't collide).
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		Connections: factory.NewCounter(prometheus.CounterOpts{
			Name: "flock_connections_total",
			Help: "Total client connections accepted.",
		}),
		CommandsByVerb: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "flock_commands_total",
			Help: "Commands processed, by verb.",
		}, []string{"verb"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "flock_parse_errors_total",
			Help: "Commands rejected by the command parser.",
		}),
		ReplicaCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flock_replicas_attached",
			Help: "Replicas currently attached.",
		}),
		WaitOutstanding: factory.NewGauge(prometheus.GaugeOpts{
			Name: "flock_wait_outstanding",
			Help: "WAIT calls currently blocked.",
		}),
		CommandLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flock_command_duration_seconds",
			Help:    "Time to execute a command on the loop goroutine.",
			Buckets: prometheus.DefBuckets,
		}, []string{"verb"}),
	}, reg
}

// Server is the admin HTTP server: a prometheus scrape endpoint plus a
// small JSON status route.
type Server struct {
	http *http.Server
}

// NewServer builds (but does not start) the admin server on addr,
// serving promReg's metrics at /metrics and status() at /status.
func NewServer(addr string, promReg *prometheus.Registry, status func() any) *Server {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, status())
	}).Methods(http.MethodGet)

	return &Server{http: &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}}
}

// ListenAndServe runs the admin server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
