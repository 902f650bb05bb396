package health

import (
	"context"
	"errors"
	"fmt"
)

// Required fails while value is empty. Use it for settings that cannot work
// without a value, such as an agent API key.
func Required(name, value string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if value == "" {
				return errors.New("not configured")
			}
			return nil
		},
	}
}

// StateFunc reports a component's current state and whether that state
// counts as ready.
type StateFunc func() (state string, ready bool)

// State wraps a StateFunc as a [Checker]. A failing check names the state.
func State(name string, fn StateFunc) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			state, ready := fn()
			if !ready {
				return fmt.Errorf("state %s", state)
			}
			return nil
		},
	}
}
