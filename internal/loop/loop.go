// Package loop runs the single goroutine that owns all shared server
// state (the keyspace, the replica registry, pending WAIT entries).
// Connection goroutines never touch that state directly; they hand the
// loop a closure via Submit and the loop runs it to completion before
// moving on to the next job, preserving a single-writer ordering
// guarantee without a literal event-loop/poller pair.
package loop

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// JobID identifies a scheduled (once or repeating) job so it can later
// be cancelled.
type JobID uint64

type job struct {
	id       JobID
	fn       func()
	at       time.Time
	interval time.Duration // zero for a one-shot job
}

// Loop is the sole mutator of shared server state. Create one with New,
// start it with Run in its own goroutine, feed it work with Submit from
// any other goroutine, and schedule timed jobs with After and Every.
type Loop struct {
	submit   chan func()
	schedule chan job
	cancel   chan JobID
	quota    *rate.Limiter
	log      *slog.Logger

	nextID JobID
	timers []job // kept sorted by at, ascending
}

// New builds a Loop. quotaPerSecond bounds how many jobs (submitted and
// timed alike) run per second of wall time (fairness quota); a quota of
// 0 disables the limit.
func New(log *slog.Logger, quotaPerSecond float64) *Loop {
	l := &Loop{
		submit:   make(chan func(), 4096),
		schedule: make(chan job, 256),
		cancel:   make(chan JobID, 256),
		log:      log,
	}
	if quotaPerSecond > 0 {
		l.quota = rate.NewLimiter(rate.Limit(quotaPerSecond), int(quotaPerSecond))
	}
	return l
}

// Submit enqueues fn to run on the loop goroutine. Safe to call from any
// goroutine, including the loop's own job closures.
func (l *Loop) Submit(fn func()) {
	l.submit <- fn
}

// After schedules fn to run once, no sooner than d from now. The
// returned JobID can be passed to Cancel before it fires.
func (l *Loop) After(d time.Duration, fn func()) JobID {
	id := l.allocID()
	l.schedule <- job{id: id, fn: fn, at: time.Now().Add(d)}
	return id
}

// Every schedules fn to run repeatedly, starting after d and then every
// d thereafter, until Cancel is called.
func (l *Loop) Every(d time.Duration, fn func()) JobID {
	id := l.allocID()
	l.schedule <- job{id: id, fn: fn, at: time.Now().Add(d), interval: d}
	return id
}

// Cancel prevents a scheduled job from firing again. Safe to call after
// the job has already fired or even after the loop has stopped.
func (l *Loop) Cancel(id JobID) {
	select {
	case l.cancel <- id:
	default:
	}
}

func (l *Loop) allocID() JobID {
	l.nextID++
	return l.nextID
}

// Run drains submitted jobs and fires due timers until ctx-like stop is
// requested by closing done. Run blocks; call it in its own goroutine.
func (l *Loop) Run(done <-chan struct{}) {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()

	cancelled := make(map[JobID]bool)

	for {
		select {
		case <-done:
			return
		case fn := <-l.submit:
			l.runJob(fn)
		case j := <-l.schedule:
			l.insertTimer(j)
		case id := <-l.cancel:
			cancelled[id] = true
		case now := <-tick.C:
			l.fireDue(now, cancelled)
		}
	}
}

func (l *Loop) insertTimer(j job) {
	i := 0
	for i < len(l.timers) && !j.at.Before(l.timers[i].at) {
		i++
	}
	l.timers = append(l.timers, job{})
	copy(l.timers[i+1:], l.timers[i:])
	l.timers[i] = j
}

func (l *Loop) fireDue(now time.Time, cancelled map[JobID]bool) {
	i := 0
	for i < len(l.timers) && !l.timers[i].at.After(now) {
		i++
	}
	due := l.timers[:i]
	l.timers = l.timers[i:]
	for _, j := range due {
		if cancelled[j.id] {
			delete(cancelled, j.id)
			continue
		}
		l.runJob(j.fn)
		if j.interval > 0 {
			j.at = now.Add(j.interval)
			l.insertTimer(j)
		}
	}
}

// runJob applies the fairness quota (if configured) and recovers from a
// panicking job so one bad command can't take the whole server down.
func (l *Loop) runJob(fn func()) {
	if l.quota != nil {
		_ = l.quota.Wait(context.Background())
	}
	defer func() {
		if r := recover(); r != nil {
			if l.log != nil {
				l.log.Error("loop job panicked", "recover", r)
			}
		}
	}()
	fn()
}
