package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"schedd/internal/action"
	"schedd/internal/timequeue"
	"schedd/internal/timespec"
	logx "schedd/pkg/logx"
)

// Run drains due queue entries until ctx is canceled. Only one Run may be
// active per Service; a second concurrent call returns ErrRunnerActive.
// A panic inside the loop ends Run with an error so the caller can restart it.
func (s *Service) Run(ctx context.Context) (err error) {
	if !s.runActive.CompareAndSwap(false, true) {
		return ErrRunnerActive
	}
	defer s.runActive.Store(false)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("queue runner panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("queue runner panic: %v", r)
		}
	}()

	s.log.Info("queue runner started")
	timer := time.NewTimer(s.nextWait())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("queue runner stopped", logx.String("reason", context.Cause(ctx).Error()))
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}
		s.fireDue(ctx)
		timer.Reset(s.nextWait())
	}
}

// nextWait is the time until the head entry, capped at the poll interval.
func (s *Service) nextWait() time.Duration {
	s.mu.Lock()
	poll := s.cfg.PollInterval
	head, ok := s.q.Peek()
	s.mu.Unlock()
	if !ok {
		return poll
	}
	d := head.At.Sub(s.now())
	if d < 0 {
		d = 0
	}
	if d > poll {
		d = poll
	}
	return d
}

// fireDue pops every entry due at the current clock, re-arms each event and
// hands the fires to the action pool. A fire whose event is still running
// joins that event's backlog. It returns the number of fires accepted.
// A full pool queue blocks until a worker frees a slot.
func (s *Service) fireDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	due := s.q.PopDue(now)
	if len(due) == 0 {
		s.mu.Unlock()
		return 0
	}
	jobs := make([]job, 0, len(due))
	var deferred []string
	for _, e := range due {
		j, queued, ok := s.onFireSafe(e, now)
		switch {
		case queued:
			deferred = append(deferred, j.fire.EventID)
		case ok:
			jobs = append(jobs, j)
		}
	}
	s.mu.Unlock()

	for _, id := range deferred {
		if s.shouldWarn(&s.lastDeferWarnAt, time.Now()) {
			s.log.Warn("Event fire delayed: previous run still in flight", logx.String("id", id))
		}
	}
	accepted := len(deferred)
	for _, j := range jobs {
		if err := s.submit(ctx, j); err != nil {
			s.drop(ctx, j, err)
			continue
		}
		accepted++
	}
	return accepted
}

// onFireSafe isolates a failing transition to its own entry.
func (s *Service) onFireSafe(e timequeue.Entry[string], now time.Time) (j job, queued, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Event fire panicked", logx.String("id", e.Value), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			j, queued, ok = job{}, false, false
		}
	}()
	return s.onFireLocked(e, now)
}

// onFireLocked performs the fire transition of one popped entry: re-arm
// first, then snapshot the payload for the action. The job is either
// returned for the pool (ok) or appended to the event's backlog (queued).
// Call with s.mu held.
func (s *Service) onFireLocked(e timequeue.Entry[string], now time.Time) (j job, queued, ok bool) {
	ev := s.events[e.Value]
	if ev == nil || ev.handle != e.Handle {
		// Stale entry: the event was replaced after this entry was queued.
		return job{}, false, false
	}
	ev.handle = timequeue.Zero
	ev.nextFire = time.Time{}

	if strings.TrimSpace(ev.time) != "" {
		s.rearmLocked(ev, e.At, now)
	}

	j = job{
		fire: action.Fire{
			EventID:     ev.id,
			Command:     ev.command,
			Args:        append([]any(nil), ev.args...),
			ScheduledAt: e.At,
			Seq:         uint64(e.Handle),
		},
		gen:      ev.gen,
		enqueued: now,
	}
	if ev.running {
		ev.backlog = append(ev.backlog, j)
		s.deferred++
		return j, true, false
	}
	ev.running = true
	return j, false, true
}

// rearmLocked recomputes the delay from the scheduled instant so cadence
// stays anchored to schedule rather than completion. Ticks missed while the
// runner lagged are coalesced into the next future one.
func (s *Service) rearmLocked(ev *event, scheduled, now time.Time) {
	delay, err := timespec.Parse(ev.time, scheduled)
	if err != nil {
		s.log.Error("Event not re-armed", logx.String("id", ev.id), logx.Err(err))
		return
	}
	if delay <= 0 {
		s.log.Info("Event finished: time spec yields no future fire", logx.String("id", ev.id), logx.String("time", ev.time))
		return
	}
	period := time.Duration(delay) * time.Second
	next := scheduled.Add(period)
	if !next.After(now) {
		missed := now.Sub(scheduled) / period
		next = scheduled.Add((missed + 1) * period)
	}
	s.armLocked(ev, next)
	s.log.Debug(fmt.Sprintf("Event re-armed, next start at %s", next.Format(time.DateTime)), logx.String("id", ev.id))
}
