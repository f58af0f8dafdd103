package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"schedd/internal/timequeue"
	logx "schedd/pkg/logx"
)

var sweepParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSweep reports whether spec is an accepted retention sweep schedule
// ("@every 1m", "0 */5 * * * *", ...).
func ValidateSweep(spec string) error {
	if _, err := sweepParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid sweep %q: %w", spec, err)
	}
	return nil
}

func (s *Service) restartSweep() {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}

	cfg := s.Config()
	if cfg.Retention <= 0 {
		return
	}
	cl := cronLogger{log: s.log}
	c := cron.New(cron.WithParser(sweepParser), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(cfg.Sweep, func() { s.Sweep() }); err != nil {
		s.log.Error("retention sweep disabled", logx.String("sweep", cfg.Sweep), logx.Err(err))
		return
	}
	c.Start()
	s.cron = c
	s.log.Info("retention sweep started", logx.String("sweep", cfg.Sweep), logx.Duration("retention", cfg.Retention))
}

func (s *Service) stopSweep(ctx context.Context) {
	s.cronMu.Lock()
	c := s.cron
	s.cron = nil
	s.cronMu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep evicts events that are unscheduled, not firing and untouched for
// longer than the configured retention. It returns the number evicted.
func (s *Service) Sweep() int {
	now := s.now()
	s.mu.Lock()
	ret := s.cfg.Retention
	if ret <= 0 {
		s.mu.Unlock()
		return 0
	}
	var ids []string
	for id, ev := range s.events {
		if ev.handle != timequeue.Zero || ev.running {
			continue
		}
		last := ev.updated
		if ev.lastFire.After(last) {
			last = ev.lastFire
		}
		if now.Sub(last) > ret {
			delete(s.events, id)
			ids = append(ids, id)
		}
	}
	s.evicted += uint64(len(ids))
	s.mu.Unlock()

	if len(ids) > 0 {
		s.log.Info("Events evicted", logx.Int("count", len(ids)), logx.Any("ids", ids))
	}
	return len(ids)
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
