package app

import (
	"context"

	"schedd/internal/scheduler"
	"schedd/internal/storage"
)

// storeRecorder writes finished fires to the configured store.
type storeRecorder struct{ st storage.Store }

func (r storeRecorder) RecordFire(ctx context.Context, f scheduler.FireRecord) error {
	return r.st.AppendFire(ctx, storage.FireEntry{
		At:          f.StartedAt.Add(f.Duration),
		EventID:     f.EventID,
		Command:     f.Command,
		Seq:         f.Seq,
		ScheduledAt: f.ScheduledAt,
		TookMS:      f.Duration.Milliseconds(),
		Status:      string(f.Status),
		Error:       f.Error,
	})
}
