package scheduler

import (
	"time"

	"schedd/internal/action"
	"schedd/internal/timequeue"
)

// Config controls the scheduler service.
//
// The app layer maps config.runner and config.registry into this struct.
type Config struct {
	Workers   int
	QueueSize int

	// PollInterval bounds the runner wait while the queue is empty.
	PollInterval time.Duration
	// ActionTimeout bounds one action run. 0 disables it.
	ActionTimeout time.Duration

	HistorySize int

	DefaultPriority int
	// MaxEvents caps the registry. 0 means no cap.
	MaxEvents int
	// Retention evicts unscheduled, idle events older than this. 0 disables eviction.
	Retention time.Duration
	// Sweep is the robfig/cron spec driving eviction.
	Sweep string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.ActionTimeout < 0 {
		c.ActionTimeout = 0
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	if c.MaxEvents < 0 {
		c.MaxEvents = 0
	}
	if c.Retention < 0 {
		c.Retention = 0
	}
	if c.Sweep == "" {
		c.Sweep = "@every 1m"
	}
	return c
}

// Spec is the client-supplied description of an event.
//
// An empty Time leaves the event registered but unscheduled. A nil Priority
// keeps the current priority on update and uses the default on create.
type Spec struct {
	ID       string
	Time     string
	Command  string
	Args     []any
	Priority *int
}

// State is the externally visible lifecycle state of an event.
type State string

const (
	StateUnscheduled State = "unscheduled"
	StateScheduled   State = "scheduled"
	// StateFiring means an action for the event is in flight. The event may
	// already be re-armed.
	StateFiring State = "firing"
)

// EventInfo is a copy of one registry entry.
type EventInfo struct {
	ID       string    `json:"id" msgpack:"id"`
	Time     string    `json:"time" msgpack:"time"`
	Command  string    `json:"cmd" msgpack:"cmd"`
	Args     []any     `json:"args" msgpack:"args"`
	Priority int       `json:"priority" msgpack:"priority"`
	State    State     `json:"state" msgpack:"state"`
	NextFire time.Time `json:"next_fire,omitzero" msgpack:"next_fire,omitempty"`
	LastFire time.Time `json:"last_fire,omitzero" msgpack:"last_fire,omitempty"`
	Fires    uint64    `json:"fires" msgpack:"fires"`
	Failures uint64    `json:"failures" msgpack:"failures"`
	Created  time.Time `json:"created" msgpack:"created"`
	Updated  time.Time `json:"updated" msgpack:"updated"`
}

// PendingEntry is one queued fire.
type PendingEntry struct {
	ID       string    `json:"id" msgpack:"id"`
	At       time.Time `json:"at" msgpack:"at"`
	Priority int       `json:"priority" msgpack:"priority"`
	Seq      uint64    `json:"seq" msgpack:"seq"`
}

// FireStatus classifies a FireRecord.
type FireStatus string

const (
	FireOK      FireStatus = "ok"
	FireFailed  FireStatus = "failed"
	FireDropped FireStatus = "dropped" // action pool stopped before the fire ran
)

// FireRecord is one entry of the fire history.
type FireRecord struct {
	EventID     string        `json:"event_id" msgpack:"event_id"`
	Command     string        `json:"cmd" msgpack:"cmd"`
	Seq         uint64        `json:"seq" msgpack:"seq"`
	ScheduledAt time.Time     `json:"scheduled_at" msgpack:"scheduled_at"`
	StartedAt   time.Time     `json:"started_at" msgpack:"started_at"`
	Duration    time.Duration `json:"duration" msgpack:"duration"`
	Status      FireStatus    `json:"status" msgpack:"status"`
	Error       string        `json:"error,omitempty" msgpack:"error,omitempty"`
}

// Stats are cumulative counters plus current sizes.
type Stats struct {
	Events   int    `json:"events" msgpack:"events"`
	Pending  int    `json:"pending" msgpack:"pending"`
	InFlight int    `json:"in_flight" msgpack:"in_flight"`
	Fired    uint64 `json:"fired" msgpack:"fired"`
	Failed   uint64 `json:"failed" msgpack:"failed"`
	Dropped  uint64 `json:"dropped" msgpack:"dropped"`
	Deferred uint64 `json:"deferred" msgpack:"deferred"` // fires that waited for a previous run
	Evicted  uint64 `json:"evicted" msgpack:"evicted"`
	Workers  int    `json:"workers" msgpack:"workers"`
	QueueLen int    `json:"queue_len" msgpack:"queue_len"`
	QueueCap int    `json:"queue_cap" msgpack:"queue_cap"`
}

type event struct {
	id       string
	time     string
	command  string
	args     []any
	priority int

	handle   timequeue.Handle
	nextFire time.Time
	// gen changes on every update; fires carrying an older gen are discarded.
	gen     uint64
	running bool
	// backlog holds fires that came due while a run was active, oldest first.
	backlog []job

	fires    uint64
	failures uint64
	lastFire time.Time
	created  time.Time
	updated  time.Time
}

func (e *event) state() State {
	switch {
	case e.running:
		return StateFiring
	case e.handle != timequeue.Zero:
		return StateScheduled
	default:
		return StateUnscheduled
	}
}

func (e *event) info() EventInfo {
	info := EventInfo{
		ID:       e.id,
		Time:     e.time,
		Command:  e.command,
		Args:     append([]any(nil), e.args...),
		Priority: e.priority,
		State:    e.state(),
		LastFire: e.lastFire,
		Fires:    e.fires,
		Failures: e.failures,
		Created:  e.created,
		Updated:  e.updated,
	}
	if e.handle != timequeue.Zero {
		info.NextFire = e.nextFire
	}
	return info
}

// job is one fire handed to the action pool.
type job struct {
	fire     action.Fire
	gen      uint64
	enqueued time.Time
}
