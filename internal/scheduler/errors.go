package scheduler

import "errors"

var (
	ErrInvalidEvent = errors.New("event id is required")
	ErrUnknownEvent = errors.New("unknown event")
	ErrRegistryFull = errors.New("event registry full")
	ErrRunnerActive = errors.New("queue runner already running")
	ErrPoolStopped  = errors.New("action pool stopped")
)
