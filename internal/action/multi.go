package action

import (
	"context"
	"errors"
)

// Multi runs every action in order. A failing or panicking action does not
// stop the rest; all failures are joined.
type Multi []Action

func (m Multi) Run(ctx context.Context, f Fire) error {
	var errs []error
	for _, a := range m {
		if err := Safe(ctx, a, f); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Combine drops nil actions and unwraps a single survivor.
func Combine(actions ...Action) Action {
	out := make(Multi, 0, len(actions))
	for _, a := range actions {
		if a != nil {
			out = append(out, a)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}
