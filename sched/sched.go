// Package sched fires each pipeline stage on its own cron-like cadence.
// Cadence strings are parsed once at startup; every fire runs under the
// stage's distributed lock, so overlapping fires are dropped, not queued.
package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/chronicler-app/chronicler/events"
	"github.com/chronicler-app/chronicler/lock"
	"github.com/chronicler-app/chronicler/stages"
	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"
)

// Entry binds one stage handler to its cadence.
type Entry struct {
	Stage   string
	Spec    string
	Handler stages.Handler
}

// Scheduler runs the declarative schedule table.
type Scheduler struct {
	cron    *cron.Cron
	locks   *lock.Manager
	bus     *events.Bus
	lockTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a stopped Scheduler.
func New(locks *lock.Manager, bus *events.Bus, lockTTL time.Duration) *Scheduler {
	var ctx, cancel = context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(),
		locks:   locks,
		bus:     bus,
		lockTTL: lockTTL,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Add parses the entry's cadence and registers it. Parse failures are
// configuration errors and surface before the scheduler starts.
func (s *Scheduler) Add(e Entry) error {
	var schedule, err = cron.ParseStandard(e.Spec)
	if err != nil {
		return fmt.Errorf("parsing schedule %q of stage %s: %w", e.Spec, e.Stage, err)
	}
	s.cron.Schedule(schedule, cron.FuncJob(func() { s.fire(e) }))
	return nil
}

// fire runs one stage under its lock. A handler error or panic is captured
// and surfaced; it never kills the scheduler.
func (s *Scheduler) fire(e Entry) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"stage": e.Stage, "panic": r}).
				Error("stage handler panicked")
			s.bus.Publish(events.KindError, map[string]string{
				"stage": e.Stage,
				"error": fmt.Sprintf("panic: %v", r),
				"stack": string(debug.Stack()),
			})
		}
	}()

	var acquired, err = s.locks.WithLock(s.ctx, e.Stage, s.lockTTL, func(ctx context.Context) error {
		var started = time.Now()
		var runErr = e.Handler.Run(ctx)
		log.WithFields(log.Fields{
			"stage": e.Stage,
			"took":  time.Since(started).Round(time.Millisecond),
		}).Info("stage run finished")
		return runErr
	})
	if err != nil {
		s.bus.Publish(events.KindError, map[string]string{"stage": e.Stage, "error": err.Error()})
		log.WithFields(log.Fields{"stage": e.Stage, "err": err}).Error("stage run failed")
	}
	if !acquired {
		log.WithField("stage", e.Stage).Debug("stage already running elsewhere; fire dropped")
	}
}

// Start begins firing due entries.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts new fires and waits up to |grace| for in-flight handlers to
// drain. It reports whether the drain completed in time.
func (s *Scheduler) Stop(grace time.Duration) bool {
	var done = s.cron.Stop().Done()
	select {
	case <-done:
		s.cancel()
		return true
	case <-time.After(grace):
		s.cancel()
		return false
	}
}
