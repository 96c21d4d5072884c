package control

import (
	"errors"
	"fmt"
)

var (
	ErrNothingToUndo = errors.New("nothing to undo")
	ErrNothingToRedo = errors.New("nothing to redo")
	ErrNotParameter  = errors.New("port is not a parameter")
	ErrClosed        = errors.New("engine closed")
	ErrNotArmed      = errors.New("port is not armed for recording")
)

// ActionError is returned when an action could not be applied, undone or
// redone. The live graph and the undo stack are unchanged when it is
// returned.
type ActionError struct {
	Op     string // "apply", "undo" or "redo"
	Action Action
	Err    error
}

func (e *ActionError) Error() string {
	if e.Action == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %v: %v", e.Op, e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }
