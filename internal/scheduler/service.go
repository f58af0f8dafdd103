package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"schedd/internal/action"
	rtsup "schedd/internal/runtime/supervisor"
	"schedd/internal/timequeue"
	"schedd/internal/timespec"
	logx "schedd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Recorder receives every finished fire record. It is called outside the
// scheduler lock.
type Recorder interface {
	RecordFire(ctx context.Context, r FireRecord) error
}

type Option func(*Service)

// WithClock replaces time.Now. Tests use it to drive fireDue directly.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithRecorder(r Recorder) Option { return func(s *Service) { s.rec = r } }

// Service owns the event registry and the time queue. A single mutex guards
// both, so every cancel/replace/re-insert and every pop/re-arm is atomic
// with respect to the others.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	events map[string]*event
	q      *timequeue.Queue[string]

	log logx.Logger
	act action.Action
	rec Recorder
	now func() time.Time

	// wake interrupts the runner wait when a new head is inserted.
	wake      chan struct{}
	runActive atomic.Bool

	hist *history

	// action pool
	poolMu     sync.Mutex
	poolParent context.Context
	jobs       chan job
	stopCh     chan struct{}
	sending    *sync.WaitGroup // submitters blocked on jobs
	sup        *rtsup.Supervisor
	inFlight   atomic.Int32

	// retention sweep
	cronMu sync.Mutex
	cron   *cron.Cron

	fired    uint64
	failed   uint64
	dropped  uint64
	deferred uint64
	evicted  uint64

	lastDropWarnAt  int64
	lastDeferWarnAt int64
}

func New(cfg Config, act action.Action, log logx.Logger, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:    cfg,
		events: map[string]*event{},
		q:      timequeue.New[string](),
		log:    log,
		act:    act,
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		hist:   newHistory(cfg.HistorySize),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Config returns the effective config.
func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply updates live settings. A different worker count or queue size
// restarts the action pool; a different sweep spec or retention restarts the
// sweep. Registry and queue are untouched.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if prev.HistorySize != cfg.HistorySize {
		s.hist.resize(cfg.HistorySize)
	}
	if parent := s.runningParent(); parent != nil {
		if prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize {
			s.stopPool(ctx)
			s.startPool(parent)
		}
		if prev.Sweep != cfg.Sweep || prev.Retention != cfg.Retention {
			s.restartSweep()
		}
	}
	// Poll interval changes take effect on the next wait.
	s.signal()
}

// Start starts the action pool and the retention sweep. The queue runner is
// started separately through Run.
func (s *Service) Start(ctx context.Context) {
	s.poolMu.Lock()
	s.poolParent = ctx
	s.poolMu.Unlock()
	s.startPool(ctx)
	s.restartSweep()
}

// Stop stops the sweep and the action pool, waiting for in-flight actions
// until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.stopSweep(ctx)
	s.stopPool(ctx)
}

// Lookup returns the event registered under id.
func (s *Service) Lookup(id string) (EventInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return EventInfo{}, false
	}
	return ev.info(), true
}

// Create registers a new event. An existing id is routed to update.
func (s *Service) Create(sp Spec) (EventInfo, error) {
	info, _, err := s.upsert(sp, false)
	return info, err
}

// Update replaces the payload of an existing event, cancels its pending fire
// and re-arms it when sp.Time is non-empty.
func (s *Service) Update(sp Spec) (EventInfo, error) {
	info, _, err := s.upsert(sp, true)
	return info, err
}

// Upsert creates or updates; created reports which happened.
func (s *Service) Upsert(sp Spec) (info EventInfo, created bool, err error) {
	return s.upsert(sp, false)
}

func (s *Service) upsert(sp Spec, mustExist bool) (EventInfo, bool, error) {
	// The id is kept exactly as sent; only a blank one is refused.
	id := sp.ID
	if strings.TrimSpace(id) == "" {
		return EventInfo{}, false, ErrInvalidEvent
	}
	now := s.now()
	// Parse before touching anything so a bad spec leaves the event as is.
	var delay int64
	hasTime := strings.TrimSpace(sp.Time) != ""
	if hasTime {
		d, err := timespec.Parse(sp.Time, now)
		if err != nil {
			return EventInfo{}, false, err
		}
		delay = d
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, exists := s.events[id]
	switch {
	case !exists && mustExist:
		return EventInfo{}, false, fmt.Errorf("%w: %s", ErrUnknownEvent, id)
	case !exists:
		if s.cfg.MaxEvents > 0 && len(s.events) >= s.cfg.MaxEvents {
			return EventInfo{}, false, fmt.Errorf("%w (max %d)", ErrRegistryFull, s.cfg.MaxEvents)
		}
		ev = &event{id: id, priority: s.cfg.DefaultPriority, created: now}
		s.events[id] = ev
	default:
		if ev.handle != timequeue.Zero {
			// Already popped is fine: the handle is simply gone.
			s.q.Cancel(ev.handle)
			ev.handle = timequeue.Zero
			s.log.Info("Event unregistered", logx.String("id", id))
		}
		// Fires of the old payload that have not started yet never run.
		ev.gen++
		if n := len(ev.backlog); n > 0 {
			ev.backlog = nil
			s.log.Debug("Event backlog discarded", logx.String("id", id), logx.Int("fires", n))
		}
	}

	ev.time = sp.Time
	ev.command = sp.Command
	ev.args = append([]any(nil), sp.Args...)
	if sp.Priority != nil {
		ev.priority = *sp.Priority
	}
	ev.updated = now

	if hasTime {
		if delay > 0 {
			s.armLocked(ev, now.Add(time.Duration(delay)*time.Second))
			s.log.Info(
				fmt.Sprintf("Event registered, repeat every %d second(s), next start at %s", delay, ev.nextFire.Format(time.DateTime)),
				logx.String("id", id),
				logx.String("cmd", ev.command),
				logx.Int("priority", ev.priority),
			)
		} else {
			s.log.Info("Event not scheduled: time already passed", logx.String("id", id), logx.String("time", sp.Time), logx.Int64("delay", delay))
		}
	}
	return ev.info(), !exists, nil
}

// armLocked inserts the next fire of ev. Call with s.mu held.
func (s *Service) armLocked(ev *event, at time.Time) {
	h := s.q.Insert(at, ev.priority, ev.id)
	ev.handle = h
	ev.nextFire = at
	if head, ok := s.q.Peek(); ok && head.Handle == h {
		s.signal()
	}
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Ack acknowledges the start of id. It reports whether id is registered.
func (s *Service) Ack(id string) bool {
	s.mu.Lock()
	_, ok := s.events[id]
	s.mu.Unlock()
	return ok
}

// Pending returns the queued fires in fire order.
func (s *Service) Pending() []PendingEntry {
	s.mu.Lock()
	es := s.q.Pending()
	s.mu.Unlock()
	out := make([]PendingEntry, 0, len(es))
	for _, e := range es {
		out = append(out, PendingEntry{ID: e.Value, At: e.At, Priority: e.Priority, Seq: uint64(e.Handle)})
	}
	return out
}

// Events returns a registry snapshot sorted by id.
func (s *Service) Events() []EventInfo {
	s.mu.Lock()
	out := make([]EventInfo, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.info())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns up to limit recent fires, newest first.
func (s *Service) History(limit int) []FireRecord { return s.hist.recent(limit) }

func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Events:   len(s.events),
		Pending:  s.q.Len(),
		Fired:    s.fired,
		Failed:   s.failed,
		Dropped:  s.dropped,
		Deferred: s.deferred,
		Evicted:  s.evicted,
		Workers:  s.cfg.Workers,
	}
	s.mu.Unlock()

	s.poolMu.Lock()
	if s.jobs != nil {
		st.QueueLen = len(s.jobs)
		st.QueueCap = cap(s.jobs)
	}
	s.poolMu.Unlock()
	st.InFlight = int(s.inFlight.Load())
	return st
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}
