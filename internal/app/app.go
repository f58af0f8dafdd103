package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"schedd/internal/action"
	"schedd/internal/config"
	"schedd/internal/observability/pprof"
	rtsup "schedd/internal/runtime/supervisor"
	"schedd/internal/scheduler"
	"schedd/internal/server"
	"schedd/internal/storage"
	logx "schedd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store
	rdb   *redis.Client

	sched *scheduler.Service
	srv   *server.Server
	pprof *pprof.Service
	sd    *notifier

	backoff backoff
	// rebind asks the running engine pair to restart on a new address.
	rebind    chan struct{}
	readyOnce sync.Once
}

// New builds every component from cfg. cfgm must already hold cfg.
func New(ctx context.Context, cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}
	logs, root := logx.New(mapLoggingConfig(cfg))
	log := root.With(logx.Comp("app"))

	a := &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logs,
		sd:     newNotifier(root.With(logx.Comp("systemd"))),
		rebind: make(chan struct{}, 1),
	}
	fail := func(err error) (*App, error) {
		a.closeResources()
		_ = logs.Close()
		return nil, err
	}

	var opts []scheduler.Option
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return fail(err)
	} else if enabled {
		st, err := storage.Open(sc, root.With(logx.Comp("storage")))
		if err != nil {
			return fail(fmt.Errorf("open storage: %w", err))
		}
		a.store = st
		opts = append(opts, scheduler.WithRecorder(storeRecorder{st: st}))
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	act, err := a.buildAction(ctx, cfg, root)
	if err != nil {
		return fail(err)
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.sched = scheduler.New(schedCfg, act, root.With(logx.Comp("scheduler")), opts...)

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.srv = server.New(srvCfg, a.sched, root.With(logx.Comp("server")),
		server.WithOnListen(func(net.Addr) { a.readyOnce.Do(a.sd.ready) }),
	)

	ppc, err := mapPprofConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.pprof = pprof.New(ppc, root.With(logx.Comp("pprof")), a.statsSnapshot)

	if a.backoff, err = mapSupervisorConfig(cfg); err != nil {
		return fail(err)
	}
	return a, nil
}

func (a *App) buildAction(ctx context.Context, cfg *config.Config, root logx.Logger) (action.Action, error) {
	var acts []action.Action
	if logActionEnabled(cfg) {
		acts = append(acts, action.NewLog(root.With(logx.Comp("action"))))
	}
	rc, enabled, err := mapRedisConfig(cfg)
	if err != nil {
		return nil, err
	}
	if enabled {
		rdb, err := action.NewRedisClient(ctx, rc)
		if err != nil {
			return nil, err
		}
		a.rdb = rdb
		acts = append(acts, action.NewRedisStream(rdb, rc.Stream, rc.MaxLen))
		a.log.Info("redis stream action enabled", logx.String("stream", rc.Stream))
	}
	return action.Combine(acts...), nil
}

// Scheduler exposes the scheduler service, mainly for tests.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Addr is the command listener address once bound.
func (a *App) Addr() net.Addr { return a.srv.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

type statsSnapshot struct {
	Scheduler  scheduler.Stats `json:"scheduler"`
	Server     server.Stats    `json:"server"`
	Supervisor []rtsup.Stats   `json:"supervisor,omitempty"`
}

func (a *App) statsSnapshot() any {
	s := statsSnapshot{Scheduler: a.sched.Stats(), Server: a.srv.Stats()}
	if a.sup != nil {
		s.Supervisor = a.sup.Snapshot()
	}
	return s
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.logs.Logger().With(logx.Comp("supervisor"))), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// The action pool outlives the run context so queued fires drain in Stop.
	a.sched.Start(context.WithoutCancel(ctx))
	a.pprof.Start(runCtx)

	// Registry and queue live in a.sched, so a restarted pair resumes them.
	a.sup.GoRestart("engine", a.runEngine, rtsup.WithRestartBackoff(a.backoff.min, a.backoff.max))

	if a.cfgm != nil && a.cfgm.Path() != "" {
		a.cfgm.SetLogger(a.logs.Logger().With(logx.Comp("config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })
		a.sup.Go("config.watch", a.cfgm.Watch)
	}
	a.sup.Go0("systemd.watchdog", a.sd.watchdog)

	a.log.Info("app started")
	return nil
}

// runEngine runs the listener and the queue runner together. When either
// exits the other is stopped; an address change restarts both in place.
func (a *App) runEngine(ctx context.Context) error {
	for {
		rebound, err := a.runPair(ctx)
		if !rebound {
			return err
		}
		a.log.Info("engine restarted for new listen address", logx.String("addr", a.srv.Config().Addr))
	}
}

func (a *App) runPair(ctx context.Context) (rebound bool, err error) {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- a.guard(pctx, "listener", a.srv.ListenAndServe) }()
	go func() { errc <- a.guard(pctx, "runner", a.sched.Run) }()

	pending := 2
	select {
	case err = <-errc:
		pending--
	case <-a.rebind:
		rebound = true
	}
	cancel()
	for ; pending > 0; pending-- {
		<-errc
	}
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return rebound, err
}

// guard runs fn and turns a panic into an error, so the engine restarts
// instead of the process dying.
func (a *App) guard(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("engine goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("%s panic: %v", name, r)
		}
	}()
	return fn(ctx)
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.sd.reloading()
			a.apply(ctx, last, cfg)
			last = cfg
			a.sd.ready()
		}
	}
}

// apply pushes a validated config into the running components.
func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	if sc, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(ctx, sc)
	}

	if sc, err := mapServerConfig(cfg); err != nil {
		a.log.Warn("invalid server config; keeping previous", logx.Err(err))
	} else {
		addrChanged := sc.Addr != a.srv.Config().Addr
		a.srv.Apply(sc)
		if addrChanged {
			select {
			case a.rebind <- struct{}{}:
			default:
			}
		}
	}

	if ppc, err := mapPprofConfig(cfg); err != nil {
		a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
	} else {
		a.pprof.Apply(ctx, ppc)
	}

	for _, s := range []string{"actions", "storage", "supervisor"} {
		if config.HasSection(sections, s) {
			a.log.Warn(s + " config changed; restart required for changes to take effect")
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
		a.rdb = nil
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		_ = a.logs.Close()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.stopping()

	// Listener, runner and watcher unwind as soon as the run context ends.
	a.sup.Cancel()

	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "scheduler", 5*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	a.step(ctx, "resources", time.Second, func(context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	return a.logs.Close()
}

// step runs one shutdown step bounded by max and by ctx. A step that
// overruns is left behind and reported when it finishes.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
