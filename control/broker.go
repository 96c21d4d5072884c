package control

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patchbay-audio/patchbay"
)

type (
	// ActionID identifies a committed action in events and logs.
	ActionID = uuid.UUID

	// EventKind tells what an Event is about.
	EventKind int

	// Event is sent on the engine's event channel. Only the fields relevant
	// to the Kind are set.
	Event struct {
		Kind    EventKind
		Time    time.Time
		Node    patchbay.NodeID
		Action  ActionID
		Desc    string
		Version uint64
		Backend string
		Frame   uint64
		Regions []Region
		Err     error
	}
)

const (
	NodeCrashed EventKind = iota
	XRun
	GraphRecompiled
	ActionApplied
	ActionUndone
	ActionRedone
	PluginFailed
	BackendChanged
	BackendDisconnected
	RecordingFinished
)

func (k EventKind) String() string {
	switch k {
	case NodeCrashed:
		return "node-crashed"
	case XRun:
		return "xrun"
	case GraphRecompiled:
		return "graph-recompiled"
	case ActionApplied:
		return "action-applied"
	case ActionUndone:
		return "action-undone"
	case ActionRedone:
		return "action-redone"
	case PluginFailed:
		return "plugin-failed"
	case BackendChanged:
		return "backend-changed"
	case BackendDisconnected:
		return "backend-disconnected"
	case RecordingFinished:
		return "recording-finished"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

func (e Event) String() string {
	switch e.Kind {
	case NodeCrashed, PluginFailed:
		if e.Err != nil {
			return fmt.Sprintf("%v node %d: %v", e.Kind, e.Node, e.Err)
		}
		return fmt.Sprintf("%v node %d", e.Kind, e.Node)
	case ActionApplied, ActionUndone, ActionRedone:
		return fmt.Sprintf("%v %s", e.Kind, e.Desc)
	case GraphRecompiled:
		return fmt.Sprintf("%v version %d", e.Kind, e.Version)
	case XRun, BackendChanged, BackendDisconnected:
		return fmt.Sprintf("%v %s", e.Kind, e.Backend)
	case RecordingFinished:
		return fmt.Sprintf("%v %d regions", e.Kind, len(e.Regions))
	}
	return e.Kind.String()
}

// TrySend is a helper function to send a value to a channel if it is not full.
// It is guaranteed to be non-blocking. Return true if the value was sent, false
// otherwise.
func TrySend[T any](c chan<- T, v T) bool {
	select {
	case c <- v:
	default:
		return false
	}
	return true
}

// TimeoutReceive is a helper function to block until a value is received from a
// channel, or timing out after t. ok will be false if the timeout occurred or
// if the channel is closed.
func TimeoutReceive[T any](c <-chan T, t time.Duration) (v T, ok bool) {
	select {
	case v, ok = <-c:
		return v, ok
	case <-time.After(t):
		return v, false
	}
}
