// Package action holds the effects invoked when a scheduled event fires.
//
// Commands and arguments are opaque payloads: no action here resolves them to
// code. An Action logs them or forwards them somewhere else.
package action

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"
)

// Fire describes one fire of one event.
type Fire struct {
	EventID     string
	Command     string
	Args        []any
	ScheduledAt time.Time
	FiredAt     time.Time
	// Seq is the queue handle that produced this fire.
	Seq uint64
}

// Action is invoked once per fire. Implementations must honor ctx.
type Action interface {
	Run(ctx context.Context, f Fire) error
}

// Func adapts a function to Action.
type Func func(ctx context.Context, f Fire) error

func (fn Func) Run(ctx context.Context, f Fire) error { return fn(ctx, f) }

// PanicError is returned by Safe when the wrapped action panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

// Safe runs a and converts a panic into a *PanicError.
func Safe(ctx context.Context, a Action, f Fire) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	if a == nil {
		return nil
	}
	return a.Run(ctx, f)
}
