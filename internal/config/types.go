package config

import "time"

type Config struct {
	Server     ServerConfig     `json:"server"`
	Runner     RunnerConfig     `json:"runner"`
	Registry   RegistryConfig   `json:"registry"`
	Actions    ActionsConfig    `json:"actions"`
	Logging    LoggingConfig    `json:"logging"`
	Pprof      PprofConfig      `json:"pprof,omitempty"`
	Supervisor SupervisorConfig `json:"supervisor,omitempty"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
}

// ServerConfig controls the command listener.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - host: "localhost"
//   - port: 9000
//   - max_conns: 64
//   - max_message_bytes: 4096
//   - read_timeout: "30s"
//   - write_timeout: "5s"
//   - accept_rate: 0 (unlimited)
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	MaxConns        int `json:"max_conns,omitempty"`
	MaxMessageBytes int `json:"max_message_bytes,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`

	// AcceptRate limits new connections per second. AcceptBurst defaults to
	// AcceptRate when omitted.
	AcceptRate  float64 `json:"accept_rate,omitempty"`
	AcceptBurst int     `json:"accept_burst,omitempty"`
}

// RunnerConfig controls the queue runner and its action pool.
//
// Defaults:
//   - workers: 4
//   - queue_size: 256
//   - poll_interval: "500ms"
//   - action_timeout: "0s" (disabled)
//   - history_size: 200
type RunnerConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	PollInterval  string `json:"poll_interval,omitempty"`
	ActionTimeout string `json:"action_timeout,omitempty"`
	HistorySize   int    `json:"history_size,omitempty"`
}

// RegistryConfig controls event bookkeeping.
//
// Retention is opt-in: with retention "0s" (default) events are never
// evicted, and max_events 0 means no cap.
type RegistryConfig struct {
	DefaultPriority *int   `json:"default_priority,omitempty"`
	MaxEvents       int    `json:"max_events,omitempty"`
	Retention       string `json:"retention,omitempty"`
	// Sweep is a robfig/cron spec, default "@every 1m".
	Sweep string `json:"sweep,omitempty"`
}

type ActionsConfig struct {
	// Log is a pointer so an omitted section keeps the log action on.
	Log   *bool       `json:"log,omitempty"`
	Redis RedisConfig `json:"redis,omitempty"`
}

// RedisConfig forwards every fire to a Redis stream.
//
// Example:
//
//	"redis": { "enabled": true, "addr": "127.0.0.1:6379", "stream": "schedd:fires" }
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"` // do not log
	DB       int    `json:"db,omitempty"`
	Stream   string `json:"stream,omitempty"`
	MaxLen   int64  `json:"max_len,omitempty"`
}

// StorageConfig controls the optional fire history sink.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./schedd_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "console" | "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SupervisorConfig sets the restart backoff of the listener/runner pair.
type SupervisorConfig struct {
	MinBackoff string `json:"min_backoff,omitempty"` // default "500ms"
	MaxBackoff string `json:"max_backoff,omitempty"` // default "30s"
}

const (
	DefaultHost            = "localhost"
	DefaultPort            = 9000
	DefaultMaxConns        = 64
	DefaultMaxMessageBytes = 4096
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 5 * time.Second

	DefaultWorkers      = 4
	DefaultQueueSize    = 256
	DefaultPollInterval = 500 * time.Millisecond
	DefaultHistorySize  = 200

	DefaultPriority = 100
	DefaultSweep    = "@every 1m"

	DefaultRedisStream = "schedd:fires"

	DefaultMinBackoff = 500 * time.Millisecond
	DefaultMaxBackoff = 30 * time.Second
)

// Default returns a config that runs with no file at all.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Host: DefaultHost, Port: DefaultPort},
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}
