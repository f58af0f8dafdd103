// Package storage keeps an append-only trail of finished fires.
//
// It is write-mostly: RecentFires exists for inspection and tests, nothing
// reads the trail back into the scheduler.
package storage
