package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines file at Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// FireEntry is one finished fire.
// Keep it compact and schema-stable.
type FireEntry struct {
	At          time.Time `json:"at"`
	EventID     string    `json:"event_id"`
	Command     string    `json:"cmd"`
	Seq         uint64    `json:"seq"`
	ScheduledAt time.Time `json:"scheduled_at"`
	TookMS      int64     `json:"took_ms"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
}
