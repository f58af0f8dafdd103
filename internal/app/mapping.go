package app

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"schedd/internal/action"
	"schedd/internal/config"
	"schedd/internal/observability/pprof"
	"schedd/internal/scheduler"
	"schedd/internal/server"
	"schedd/internal/storage"
	logx "schedd/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapServerConfig(cfg *config.Config) (server.Config, error) {
	sc := cfg.Server
	if sc.Port < 0 || sc.Port > 65535 {
		return server.Config{}, fmt.Errorf("server.port: out of range: %d", sc.Port)
	}
	if sc.MaxConns < 0 {
		return server.Config{}, fmt.Errorf("server.max_conns must be >= 0")
	}
	if sc.AcceptRate < 0 || sc.AcceptBurst < 0 {
		return server.Config{}, fmt.Errorf("server.accept_rate and server.accept_burst must be >= 0")
	}
	host := strings.TrimSpace(sc.Host)
	if host == "" {
		host = config.DefaultHost
	}
	port := sc.Port
	if port == 0 {
		port = config.DefaultPort
	}
	maxMsg := sc.MaxMessageBytes
	if maxMsg == 0 {
		maxMsg = config.DefaultMaxMessageBytes
	}
	read, err := config.ParseDurationOrDefault("server.read_timeout", sc.ReadTimeout, config.DefaultReadTimeout)
	if err != nil {
		return server.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("server.write_timeout", sc.WriteTimeout, config.DefaultWriteTimeout)
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:            net.JoinHostPort(host, strconv.Itoa(port)),
		MaxConns:        sc.MaxConns,
		MaxMessageBytes: maxMsg,
		ReadTimeout:     read,
		WriteTimeout:    write,
		AcceptRate:      sc.AcceptRate,
		AcceptBurst:     sc.AcceptBurst,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	r, g := cfg.Runner, cfg.Registry
	if r.Workers < 0 || r.QueueSize < 0 || r.HistorySize < 0 {
		return scheduler.Config{}, fmt.Errorf("runner.workers, runner.queue_size and runner.history_size must be >= 0")
	}
	if g.MaxEvents < 0 {
		return scheduler.Config{}, fmt.Errorf("registry.max_events must be >= 0")
	}
	poll, err := config.ParseDurationOrDefault("runner.poll_interval", r.PollInterval, config.DefaultPollInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	actTimeout, err := config.ParseDurationField("runner.action_timeout", r.ActionTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	retention, err := config.ParseDurationField("registry.retention", g.Retention)
	if err != nil {
		return scheduler.Config{}, err
	}
	sweep := strings.TrimSpace(g.Sweep)
	if sweep == "" {
		sweep = config.DefaultSweep
	}
	if err := scheduler.ValidateSweep(sweep); err != nil {
		return scheduler.Config{}, fmt.Errorf("registry.sweep: %w", err)
	}
	prio := config.DefaultPriority
	if g.DefaultPriority != nil {
		prio = *g.DefaultPriority
	}
	return scheduler.Config{
		Workers:         r.Workers,
		QueueSize:       r.QueueSize,
		PollInterval:    poll,
		ActionTimeout:   actTimeout,
		HistorySize:     r.HistorySize,
		DefaultPriority: prio,
		MaxEvents:       g.MaxEvents,
		Retention:       retention,
		Sweep:           sweep,
	}, nil
}

func mapRedisConfig(cfg *config.Config) (action.RedisConfig, bool, error) {
	rc := cfg.Actions.Redis
	if !rc.Enabled {
		return action.RedisConfig{}, false, nil
	}
	if strings.TrimSpace(rc.Addr) == "" {
		return action.RedisConfig{}, false, fmt.Errorf("actions.redis.addr is required when actions.redis.enabled=true")
	}
	if rc.MaxLen < 0 {
		return action.RedisConfig{}, false, fmt.Errorf("actions.redis.max_len must be >= 0")
	}
	stream := strings.TrimSpace(rc.Stream)
	if stream == "" {
		stream = config.DefaultRedisStream
	}
	return action.RedisConfig{
		Addr:     strings.TrimSpace(rc.Addr),
		Password: rc.Password,
		DB:       rc.DB,
		Stream:   stream,
		MaxLen:   rc.MaxLen,
	}, true, nil
}

func logActionEnabled(cfg *config.Config) bool {
	return cfg.Actions.Log == nil || *cfg.Actions.Log
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "none":
		return storage.Config{}, false, nil
	case "file", "jsonl":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	read, err := config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	// profile and trace stream for their whole duration
	write, err := config.ParseDurationOrDefault("pprof.write_timeout", pc.WriteTimeout, 60*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, 60*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          strings.TrimSpace(pc.Addr),
		Prefix:        pc.Prefix,
		Token:         pc.Token,
		AllowInsecure: pc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

type backoff struct{ min, max time.Duration }

func mapSupervisorConfig(cfg *config.Config) (backoff, error) {
	lo, err := config.ParseDurationOrDefault("supervisor.min_backoff", cfg.Supervisor.MinBackoff, config.DefaultMinBackoff)
	if err != nil {
		return backoff{}, err
	}
	hi, err := config.ParseDurationOrDefault("supervisor.max_backoff", cfg.Supervisor.MaxBackoff, config.DefaultMaxBackoff)
	if err != nil {
		return backoff{}, err
	}
	if hi < lo {
		return backoff{}, fmt.Errorf("supervisor.max_backoff must be >= supervisor.min_backoff")
	}
	return backoff{min: lo, max: hi}, nil
}

// validate rejects a config before it is committed on hot reload.
func validate(cfg *config.Config) error {
	if _, err := mapServerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapRedisConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	_, err := mapSupervisorConfig(cfg)
	return err
}
