package storage

import (
	"context"
	"fmt"
	"strings"

	logx "schedd/pkg/logx"
)

// Store is the persistence API used by the app.
type Store interface {
	AppendFire(ctx context.Context, e FireEntry) error
	// RecentFires returns up to limit entries, newest first.
	RecentFires(ctx context.Context, limit int) ([]FireEntry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file", "jsonl":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}
