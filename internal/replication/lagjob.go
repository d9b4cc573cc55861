package replication

import (
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-co-op/gocron/v2"

	"github.com/flockdb/flock/internal/loop"
)

// StartLagLogger registers a gocron job that periodically logs how far
// behind each attached replica is, submitted through the loop so the
// registry is only ever read on its owning goroutine. Returns the
// scheduler so the caller can Shutdown it on process exit.
func StartLagLogger(l *loop.Loop, reg *Registry, log *slog.Logger, interval time.Duration) (gocron.Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	_, err = s.NewJob(gocron.DurationJob(interval), gocron.NewTask(func() {
		l.Submit(func() {
			for _, rep := range reg.All() {
				lag := rep.BytesPushed - rep.BytesAcked
				log.Debug("replica lag",
					"replica", rep.Conn.ID,
					"state", rep.State,
					"pushed", humanize.Bytes(uint64(rep.BytesPushed)),
					"acked", humanize.Bytes(uint64(rep.BytesAcked)),
					"lag", humanize.Bytes(uint64(lag)),
				)
			}
		})
	}))
	if err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}
