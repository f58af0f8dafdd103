// Package scheduler holds the event registry and the queue runner.
//
// A Service keeps one event per client id and at most one pending time queue
// entry per event. Registry and queue share a single mutex; update
// (cancel, replace, re-insert) and fire (pop, re-arm, snapshot) are each one
// critical section, so a stale payload never fires after an update returns.
//
// Actions run on a bounded worker pool outside the lock. An event never runs
// concurrently with itself: a fire that finds the previous run still active
// waits in the event's backlog and runs, late, right after it. A full pool
// queue blocks the runner instead of losing fires; fires are only dropped
// when the pool stops.
package scheduler
