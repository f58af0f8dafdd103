package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"schedd/internal/action"
	rtsup "schedd/internal/runtime/supervisor"
	logx "schedd/pkg/logx"
)

// runningParent returns the context the pool was started with, or nil when
// the pool is not running.
func (s *Service) runningParent() context.Context {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if s.jobs == nil {
		return nil
	}
	return s.poolParent
}

func (s *Service) startPool(ctx context.Context) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	if s.jobs != nil {
		return
	}
	cfg := s.Config()

	// Fresh queue per run so a stop/start never executes stale fires.
	jobs := make(chan job, cfg.QueueSize)
	stopCh := make(chan struct{})
	sup := rtsup.New(ctx, rtsup.WithLogger(s.log))
	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(ctx context.Context) error {
			return s.worker(ctx, stopCh, jobs)
		})
	}
	s.jobs, s.stopCh, s.sup, s.sending = jobs, stopCh, sup, &sync.WaitGroup{}
	s.log.Info("action pool started", logx.Int("workers", cfg.Workers), logx.Int("queue_size", cfg.QueueSize))
}

// stopPool lets workers finish their current action until ctx expires, then
// cancels whatever is still running. Fires left in the queue or in a
// backlog are dropped.
func (s *Service) stopPool(ctx context.Context) {
	start := time.Now()
	s.poolMu.Lock()
	jobs, stopCh, sup, sending := s.jobs, s.stopCh, s.sup, s.sending
	s.jobs, s.stopCh, s.sup, s.sending = nil, nil, nil, nil
	s.poolMu.Unlock()
	if jobs == nil {
		return
	}

	close(stopCh)
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("action pool stop timed out; canceling in-flight actions", logx.Int("in_flight", int(s.inFlight.Load())))
	}
	sup.Cancel()
	// Blocked submitters see stopCh; after this nothing sends on jobs.
	sending.Wait()

	for {
		select {
		case j := <-jobs:
			s.drop(ctx, j, ErrPoolStopped)
		default:
			s.log.Info("action pool stopped", logx.Duration("took", time.Since(start)))
			return
		}
	}
}

// submit hands j to the pool, waiting while the queue is full.
func (s *Service) submit(ctx context.Context, j job) error {
	s.poolMu.Lock()
	jobs, stopCh, sending := s.jobs, s.stopCh, s.sending
	if jobs == nil {
		s.poolMu.Unlock()
		return ErrPoolStopped
	}
	sending.Add(1)
	s.poolMu.Unlock()
	defer sending.Done()

	select {
	case jobs <- j:
		return nil
	default:
	}
	s.log.Debug("action pool queue full; runner waiting", logx.String("id", j.fire.EventID))
	select {
	case jobs <- j:
		return nil
	case <-stopCh:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, jobs <-chan job) error {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case j := <-jobs:
			s.serve(ctx, stopCh, j)
		}
	}
}

// serve runs j and then the event's backlog, one fire after another, so an
// event never runs concurrently with itself.
func (s *Service) serve(ctx context.Context, stopCh <-chan struct{}, j job) {
	for {
		if f, ok := s.begin(j); ok {
			s.exec(ctx, f)
		}

		s.mu.Lock()
		ev := s.events[j.fire.EventID]
		if ev == nil || len(ev.backlog) == 0 {
			if ev != nil {
				ev.running = false
			}
			s.mu.Unlock()
			return
		}
		select {
		case <-stopCh:
			rest := s.releaseLocked(ev)
			s.mu.Unlock()
			s.dropAll(ctx, rest, ErrPoolStopped)
			return
		case <-ctx.Done():
			rest := s.releaseLocked(ev)
			s.mu.Unlock()
			s.dropAll(ctx, rest, ErrPoolStopped)
			return
		default:
		}
		j = ev.backlog[0]
		ev.backlog = ev.backlog[1:]
		s.mu.Unlock()
	}
}

// begin checks that j still belongs to the current payload of its event and
// counts the run. Fires of a replaced payload are discarded.
func (s *Service) begin(j job) (action.Fire, bool) {
	f := j.fire
	f.FiredAt = s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.events[f.EventID]
	if ev == nil || ev.gen != j.gen {
		return f, false
	}
	ev.fires++
	ev.lastFire = f.FiredAt
	return f, true
}

func (s *Service) exec(ctx context.Context, f action.Fire) {
	cfg := s.Config()

	s.inFlight.Add(1)
	t0 := time.Now()
	runCtx := ctx
	var cancel context.CancelFunc
	if cfg.ActionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cfg.ActionTimeout)
	}
	err := action.Safe(runCtx, s.act, f)
	if cancel != nil {
		cancel()
	}
	dur := time.Since(t0)
	s.inFlight.Add(-1)

	s.mu.Lock()
	if ev := s.events[f.EventID]; ev != nil && err != nil {
		ev.failures++
	}
	if err != nil {
		s.failed++
	} else {
		s.fired++
	}
	s.mu.Unlock()

	rec := FireRecord{
		EventID:     f.EventID,
		Command:     f.Command,
		Seq:         f.Seq,
		ScheduledAt: f.ScheduledAt,
		StartedAt:   f.FiredAt,
		Duration:    dur,
		Status:      FireOK,
	}
	if err != nil {
		rec.Status = FireFailed
		rec.Error = err.Error()
		fields := []logx.Field{logx.String("id", f.EventID), logx.String("cmd", f.Command), logx.Duration("dur", dur), logx.Err(err)}
		var pe *action.PanicError
		if errors.As(err, &pe) {
			fields = append(fields, logx.Stack(pe.Stack))
		}
		s.log.Error("Event action failed", fields...)
	} else {
		s.log.Debug("Event action finished", logx.String("id", f.EventID), logx.Duration("dur", dur))
	}
	s.record(ctx, rec)
}

// releaseLocked clears the running flag of ev and hands back its backlog.
// Call with s.mu held.
func (s *Service) releaseLocked(ev *event) []job {
	rest := ev.backlog
	ev.backlog = nil
	ev.running = false
	return rest
}

// drop records a fire that never reached a worker and releases its event,
// together with anything waiting behind it.
func (s *Service) drop(ctx context.Context, j job, cause error) {
	s.mu.Lock()
	var rest []job
	if ev := s.events[j.fire.EventID]; ev != nil {
		rest = s.releaseLocked(ev)
	}
	s.mu.Unlock()
	s.dropAll(ctx, append([]job{j}, rest...), cause)
}

func (s *Service) dropAll(ctx context.Context, js []job, cause error) {
	if len(js) == 0 {
		return
	}
	s.mu.Lock()
	s.dropped += uint64(len(js))
	s.mu.Unlock()

	if s.shouldWarn(&s.lastDropWarnAt, time.Now()) {
		s.log.Warn("Event fire dropped", logx.String("id", js[0].fire.EventID), logx.Int("fires", len(js)), logx.Err(cause))
	}
	for _, j := range js {
		s.record(ctx, FireRecord{
			EventID:     j.fire.EventID,
			Command:     j.fire.Command,
			Seq:         j.fire.Seq,
			ScheduledAt: j.fire.ScheduledAt,
			StartedAt:   j.enqueued,
			Status:      FireDropped,
			Error:       cause.Error(),
		})
	}
}

// record adds rec to the history and passes it to the recorder. A failing or
// panicking recorder costs only the record.
func (s *Service) record(ctx context.Context, rec FireRecord) {
	s.hist.add(rec)
	if s.rec == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("fire recorder panicked", logx.String("id", rec.EventID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if err := s.rec.RecordFire(ctx, rec); err != nil {
		s.log.Warn("fire record not stored", logx.String("id", rec.EventID), logx.Err(err))
	}
}
