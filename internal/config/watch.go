package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "schedd/pkg/logx"
)

const (
	watchRetryMin = 250 * time.Millisecond
	watchRetryMax = 5 * time.Second

	watchOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod
)

// Watch reloads the file after changes settle for the debounce interval.
// The parent directory is watched so editors that replace the file are
// seen. A failed watcher is recreated with backoff. Watch returns nil when
// ctx ends.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, file := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir), logx.String("file", file))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	retry := watchRetryMin
	for ctx.Err() == nil {
		err := m.watchOnce(ctx, dir, file, debounce, log)
		if ctx.Err() != nil {
			break
		}
		if errors.Is(err, errWatcherHealthy) {
			retry = watchRetryMin
		}
		wait := retry + rand.N(retry/2+1)
		retry = min(retry*2, watchRetryMax)
		log.Warn("config watcher stopped; restarting", logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}
	return nil
}

// errWatcherHealthy marks a watcher that ran before it broke.
var errWatcherHealthy = errors.New("watcher closed")

func (m *ConfigManager) watchOnce(ctx context.Context, dir, file string, debounce *time.Timer, log logx.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	log.Debug("config watcher started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-debounce.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return errWatcherHealthy
			}
			if ev.Op&watchOps != 0 && strings.EqualFold(filepath.Base(ev.Name), file) {
				debounce.Reset(m.debounce)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok, errors.Is(err, fsnotify.ErrClosed):
				return errWatcherHealthy
			case errors.Is(err, fsnotify.ErrEventOverflow):
				log.Warn("config watch overflow; forcing reload", logx.Err(err))
				debounce.Reset(m.debounce)
			case err != nil:
				log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}
