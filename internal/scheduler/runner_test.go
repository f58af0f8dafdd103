package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"schedd/internal/action"
	logx "schedd/pkg/logx"
)

func TestFireRearmsBeforeActionRuns(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	t0 := clk.Now()
	release := make(chan struct{})
	started := make(chan action.Fire, 1)
	act := action.Func(func(ctx context.Context, f action.Fire) error {
		started <- f
		<-release
		return nil
	})
	s := newTestService(t, Config{}, act, clk)
	mustUpsert(t, s, Spec{ID: "tick", Time: "5 0 0", Command: "beep", Args: []any{1}})

	clk.Advance(5 * time.Second)
	if n := s.fireDue(context.Background()); n != 1 {
		t.Fatalf("fireDue = %d, want 1", n)
	}
	f := <-started
	if f.EventID != "tick" || f.Command != "beep" || !f.ScheduledAt.Equal(t0.Add(5*time.Second)) {
		t.Fatalf("fire = %+v", f)
	}

	// The action is still blocked, the next fire is already queued.
	info, _ := s.Lookup("tick")
	if info.State != StateFiring {
		t.Fatalf("state = %s, want firing", info.State)
	}
	if want := t0.Add(10 * time.Second); !info.NextFire.Equal(want) {
		t.Fatalf("next fire = %v, want %v", info.NextFire, want)
	}
	if p := s.Pending(); len(p) != 1 || p[0].ID != "tick" {
		t.Fatalf("pending = %+v", p)
	}

	close(release)
	waitFor(t, "action completion", func() bool { return s.Stats().Fired == 1 })
	if info, _ := s.Lookup("tick"); info.State != StateScheduled || info.Fires != 1 {
		t.Fatalf("info after run = %+v", info)
	}
}

func TestOverlappingFireRunsAfterPrevious(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	release := make(chan struct{})
	var runs, active, overlap atomic.Int32
	act := action.Func(func(ctx context.Context, f action.Fire) error {
		if active.Add(1) > 1 {
			overlap.Add(1)
		}
		defer active.Add(-1)
		runs.Add(1)
		<-release
		return nil
	})
	s := newTestService(t, Config{Workers: 4}, act, clk)
	mustUpsert(t, s, Spec{ID: "slow", Time: "5 0 0"})

	clk.Advance(5 * time.Second)
	if n := s.fireDue(context.Background()); n != 1 {
		t.Fatalf("first fireDue = %d", n)
	}
	waitFor(t, "first run", func() bool { return runs.Load() == 1 })

	for i := 0; i < 2; i++ {
		clk.Advance(5 * time.Second)
		if n := s.fireDue(context.Background()); n != 1 {
			t.Fatalf("tick %d: fireDue = %d, want the fire accepted", i+2, n)
		}
	}
	if st := s.Stats(); st.Deferred != 2 {
		t.Fatalf("deferred = %d", st.Deferred)
	}
	// Queued fires are not counted until they start.
	if info, _ := s.Lookup("slow"); info.Fires != 1 || info.State != StateFiring {
		t.Fatalf("info while blocked = %+v", info)
	}
	if p := s.Pending(); len(p) != 1 {
		t.Fatalf("pending = %+v", p)
	}
	time.Sleep(20 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs while first is blocked = %d, want 1", got)
	}

	close(release)
	waitFor(t, "every tick ran", func() bool { return s.Stats().Fired == 3 })
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
	if overlap.Load() != 0 {
		t.Fatal("event ran concurrently with itself")
	}
	waitFor(t, "guard released", func() bool {
		info, _ := s.Lookup("slow")
		return info.State == StateScheduled && info.Fires == 3
	})
	for _, r := range s.History(0) {
		if r.Status != FireOK {
			t.Fatalf("history = %+v", s.History(0))
		}
	}
}

func TestUpdateDiscardsQueuedFiresOfOldPayload(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	release := make(chan struct{})
	var mu sync.Mutex
	var cmds []string
	act := action.Func(func(ctx context.Context, f action.Fire) error {
		mu.Lock()
		cmds = append(cmds, f.Command)
		mu.Unlock()
		<-release
		return nil
	})
	s := newTestService(t, Config{}, act, clk)
	mustUpsert(t, s, Spec{ID: "ev", Time: "5 0 0", Command: "old"})

	clk.Advance(5 * time.Second)
	s.fireDue(context.Background())
	waitFor(t, "first run", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(cmds) == 1
	})
	clk.Advance(5 * time.Second)
	s.fireDue(context.Background()) // queued behind the first run

	mustUpsert(t, s, Spec{ID: "ev", Time: "", Command: "new"})
	close(release)
	waitFor(t, "first run done", func() bool { return s.Stats().Fired == 1 })
	waitFor(t, "guard released", func() bool {
		info, _ := s.Lookup("ev")
		return info.State == StateUnscheduled
	})

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"old"}, cmds); diff != "" {
		t.Fatalf("runs mismatch (-want +got):\n%s", diff)
	}
}

func TestPanickingRecorderDoesNotStopFires(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	rec := &panicRecorder{}
	s := newTestService(t, Config{}, nil, clk, WithRecorder(rec))
	mustUpsert(t, s, Spec{ID: "tick", Time: "5 0 0"})

	for i := 1; i <= 2; i++ {
		clk.Advance(5 * time.Second)
		if n := s.fireDue(context.Background()); n != 1 {
			t.Fatalf("tick %d: fireDue = %d", i, n)
		}
		waitFor(t, "fire", func() bool { return s.Stats().Fired == uint64(i) })
	}
	waitFor(t, "recorder calls", func() bool { return rec.calls.Load() == 2 })
	waitFor(t, "guard released", func() bool {
		info, _ := s.Lookup("tick")
		return info.State == StateScheduled
	})
	if h := s.History(0); len(h) != 2 {
		t.Fatalf("history = %+v", h)
	}
}

func TestRunReturnsErrorOnPanic(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	var broken atomic.Bool
	now := func() time.Time {
		if broken.Load() {
			panic("clock boom")
		}
		return clk.Now()
	}
	s := New(Config{PollInterval: 10 * time.Millisecond, DefaultPriority: 100}, nil, logx.Nop(), WithClock(now))
	mustUpsert(t, s, Spec{ID: "tick", Time: "5 0 0"})

	broken.Store(true)
	err := s.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "clock boom") {
		t.Fatalf("Run err = %v, want panic error", err)
	}

	// The runner can be started again afterwards.
	broken.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("second Run err = %v", err)
	}
}

func TestConcurrentUpdatesRacingFires(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	var runs, active, overlap atomic.Int32
	act := action.Func(func(ctx context.Context, f action.Fire) error {
		if active.Add(1) > 1 {
			overlap.Add(1)
		}
		runs.Add(1)
		time.Sleep(time.Millisecond)
		active.Add(-1)
		return nil
	})
	s := newTestService(t, Config{Workers: 4, PollInterval: time.Millisecond}, act, clk)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	clockCtx, stopClock := context.WithCancel(context.Background())
	defer stopClock()
	clockDone := make(chan struct{})
	go func() {
		defer close(clockDone)
		for {
			select {
			case <-clockCtx.Done():
				return
			case <-time.After(time.Millisecond):
				clk.Advance(time.Second)
			}
		}
	}()

	mustUpsert(t, s, Spec{ID: "race", Time: "1 0 0", Command: "c"})
	waitFor(t, "first fire", func() bool { return runs.Load() > 0 })

	var wg sync.WaitGroup
	var badPending atomic.Int32
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				tm := "1 0 0"
				if (g+i)%2 == 0 {
					tm = ""
				}
				if _, _, err := s.Upsert(Spec{ID: "race", Time: tm, Command: "c", Args: []any{g, i}}); err != nil {
					t.Errorf("Upsert: %v", err)
					return
				}
				n := 0
				for _, p := range s.Pending() {
					if p.ID == "race" {
						n++
					}
				}
				if n > 1 {
					badPending.Add(1)
				}
			}
		}(g)
	}
	wg.Wait()

	mustUpsert(t, s, Spec{ID: "race", Time: "", Command: "c"})
	waitFor(t, "in-flight run finished", func() bool {
		info, _ := s.Lookup("race")
		return info.State == StateUnscheduled && active.Load() == 0
	})
	after := runs.Load()
	time.Sleep(50 * time.Millisecond) // roughly 50 fake seconds
	stopClock()
	<-clockDone

	if got := runs.Load(); got != after {
		t.Fatalf("runs after final cancel: %d -> %d", after, got)
	}
	if p := s.Pending(); len(p) != 0 {
		t.Fatalf("pending after cancel = %+v", p)
	}
	if overlap.Load() != 0 {
		t.Fatal("event ran concurrently with itself")
	}
	if badPending.Load() != 0 {
		t.Fatalf("saw more than one pending entry for one event %d times", badPending.Load())
	}
}

func TestMissedTicksAreCoalesced(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	t0 := clk.Now()
	s := newTestService(t, Config{}, nil, clk)
	mustUpsert(t, s, Spec{ID: "tick", Time: "5 0 0"})

	clk.Advance(17 * time.Second)
	if n := s.fireDue(context.Background()); n != 1 {
		t.Fatalf("fireDue = %d, want a single fire", n)
	}
	info, _ := s.Lookup("tick")
	if want := t0.Add(20 * time.Second); !info.NextFire.Equal(want) {
		t.Fatalf("next fire = %v, want %v", info.NextFire, want)
	}
}

func TestHundredOneShotEventsFireOnce(t *testing.T) {
	t.Parallel()
	clk := newFakeClock() // 10:00
	var mu sync.Mutex
	seen := map[string]int{}
	act := action.Func(func(ctx context.Context, f action.Fire) error {
		mu.Lock()
		seen[f.EventID]++
		mu.Unlock()
		return nil
	})
	s := newTestService(t, Config{Workers: 8, QueueSize: 256}, act, clk)

	want := map[string]int{}
	for i := 1; i <= 100; i++ {
		at := clk.Now().Add(time.Duration(i) * time.Minute)
		id := fmt.Sprintf("ev-%03d", i)
		mustUpsert(t, s, Spec{ID: id, Time: at.Format("15:04"), Command: "once"})
		want[id] = 1
	}
	for i := 0; i < 120; i++ {
		clk.Advance(time.Minute)
		s.fireDue(context.Background())
	}
	waitFor(t, "all fires", func() bool { return s.Stats().Fired == 100 })

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("fires mismatch (-want +got):\n%s", diff)
	}
	if p := s.Pending(); len(p) != 0 {
		t.Fatalf("one-shot events left %d pending entries", len(p))
	}
}

func TestActionFailureIsIsolated(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	boom := errors.New("boom")
	act := action.Func(func(ctx context.Context, f action.Fire) error {
		switch f.EventID {
		case "panics":
			panic("kaboom")
		case "fails":
			return boom
		}
		return nil
	})
	rec := &memRecorder{}
	s := newTestService(t, Config{}, act, clk, WithRecorder(rec))
	for _, id := range []string{"panics", "fails", "good"} {
		mustUpsert(t, s, Spec{ID: id, Time: "5 0 0"})
	}
	clk.Advance(5 * time.Second)
	if n := s.fireDue(context.Background()); n != 3 {
		t.Fatalf("fireDue = %d", n)
	}
	waitFor(t, "all records", func() bool { return len(rec.all()) == 3 })

	st := s.Stats()
	if st.Fired != 1 || st.Failed != 2 {
		t.Fatalf("stats = %+v", st)
	}
	for _, id := range []string{"panics", "fails"} {
		info, _ := s.Lookup(id)
		if info.Failures != 1 || info.State != StateScheduled {
			t.Fatalf("%s info = %+v", id, info)
		}
	}
	got := map[string]FireStatus{}
	for _, r := range rec.all() {
		got[r.EventID] = r.Status
	}
	want := map[string]FireStatus{"panics": FireFailed, "fails": FireFailed, "good": FireOK}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("recorded mismatch (-want +got):\n%s", diff)
	}
}

func TestFireWithoutPoolIsDropped(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(Config{DefaultPriority: 100}, nil, logx.Nop(), WithClock(clk.Now))
	mustUpsert(t, s, Spec{ID: "ev", Time: "5 0 0"})

	clk.Advance(5 * time.Second)
	if n := s.fireDue(context.Background()); n != 0 {
		t.Fatalf("fireDue = %d", n)
	}
	if st := s.Stats(); st.Dropped != 1 {
		t.Fatalf("dropped = %d", st.Dropped)
	}
	info, _ := s.Lookup("ev")
	if info.State != StateScheduled {
		t.Fatalf("state = %s, want scheduled (guard released, re-armed)", info.State)
	}
	h := s.History(0)
	if len(h) != 1 || h[0].Status != FireDropped || h[0].Error != ErrPoolStopped.Error() {
		t.Fatalf("history = %+v", h)
	}
}

func TestRunWakesOnNewHead(t *testing.T) {
	t.Parallel()
	fired := make(chan string, 4)
	act := action.Func(func(ctx context.Context, f action.Fire) error {
		fired <- f.EventID
		return nil
	})
	s := New(Config{PollInterval: time.Hour, DefaultPriority: 100}, act, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	waitFor(t, "runner start", s.runActive.Load)

	if err := s.Run(ctx); !errors.Is(err, ErrRunnerActive) {
		t.Fatalf("second Run err = %v", err)
	}

	mustUpsert(t, s, Spec{ID: "soon", Time: "1 0 0"})
	select {
	case id := <-fired:
		if id != "soon" {
			t.Fatalf("fired %q", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not wake for the new head entry")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run err = %v", err)
	}
}

func TestSweepEvictsIdleUnscheduled(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(Config{Retention: time.Minute, DefaultPriority: 100}, nil, logx.Nop(), WithClock(clk.Now))
	mustUpsert(t, s, Spec{ID: "idle"})
	mustUpsert(t, s, Spec{ID: "armed", Time: "0 0 1"})

	clk.Advance(30 * time.Second)
	if n := s.Sweep(); n != 0 {
		t.Fatalf("early sweep evicted %d", n)
	}
	clk.Advance(time.Minute)
	if n := s.Sweep(); n != 1 {
		t.Fatalf("sweep evicted %d, want 1", n)
	}
	if _, ok := s.Lookup("idle"); ok {
		t.Fatal("idle event still registered")
	}
	if _, ok := s.Lookup("armed"); !ok {
		t.Fatal("scheduled event evicted")
	}
	if st := s.Stats(); st.Evicted != 1 {
		t.Fatalf("evicted = %d", st.Evicted)
	}
}

func TestSweepDisabledByDefault(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	s := New(Config{}, nil, logx.Nop(), WithClock(clk.Now))
	mustUpsert(t, s, Spec{ID: "idle"})
	clk.Advance(24 * time.Hour)
	if n := s.Sweep(); n != 0 {
		t.Fatalf("sweep evicted %d with retention off", n)
	}
}

func TestValidateSweep(t *testing.T) {
	t.Parallel()
	for _, ok := range []string{"@every 1m", "*/5 * * * *", "0 */5 * * * *", "@hourly"} {
		if err := ValidateSweep(ok); err != nil {
			t.Errorf("ValidateSweep(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "every minute", "@every nope"} {
		if err := ValidateSweep(bad); err == nil {
			t.Errorf("ValidateSweep(%q) accepted", bad)
		}
	}
}

func TestHistoryRing(t *testing.T) {
	t.Parallel()
	h := newHistory(3)
	for i := 1; i <= 5; i++ {
		h.add(FireRecord{Seq: uint64(i)})
	}
	seqs := func(rs []FireRecord) []uint64 {
		out := make([]uint64, 0, len(rs))
		for _, r := range rs {
			out = append(out, r.Seq)
		}
		return out
	}
	if diff := cmp.Diff([]uint64{5, 4, 3}, seqs(h.recent(0))); diff != "" {
		t.Fatalf("recent mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{5}, seqs(h.recent(1))); diff != "" {
		t.Fatalf("recent(1) mismatch (-want +got):\n%s", diff)
	}
	h.resize(2)
	if diff := cmp.Diff([]uint64{5, 4}, seqs(h.recent(0))); diff != "" {
		t.Fatalf("after shrink (-want +got):\n%s", diff)
	}
	h.resize(4)
	h.add(FireRecord{Seq: 6})
	if diff := cmp.Diff([]uint64{6, 5, 4}, seqs(h.recent(0))); diff != "" {
		t.Fatalf("after grow (-want +got):\n%s", diff)
	}
}

type panicRecorder struct{ calls atomic.Int32 }

func (p *panicRecorder) RecordFire(context.Context, FireRecord) error {
	p.calls.Add(1)
	panic("recorder boom")
}

type memRecorder struct {
	mu   sync.Mutex
	recs []FireRecord
}

func (m *memRecorder) RecordFire(_ context.Context, r FireRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, r)
	m.mu.Unlock()
	return nil
}

func (m *memRecorder) all() []FireRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]FireRecord(nil), m.recs...)
}
