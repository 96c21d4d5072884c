package rt

import (
	"fmt"
	"sync/atomic"

	"github.com/patchbay-audio/patchbay"
)

type (
	// NodeState is the part of a node that outlives a single compiled
	// snapshot: the plugin instance and the crashed flag. It is owned by the
	// control side and shared by every snapshot that contains the node.
	NodeState struct {
		Plugin  patchbay.Plugin
		crashed atomic.Bool
	}

	// Tap captures what flows through one port while recording. The real-time
	// thread is the only writer, one control goroutine the only reader.
	Tap struct {
		Port   patchbay.PortID
		Audio  *Ring[float32]
		Events *Ring[patchbay.MIDIEvent]

		started atomic.Bool
		origin  atomic.Uint64
		dropped atomic.Uint64
	}

	// CrashPolicy decides what a crashed node outputs.
	CrashPolicy int

	// NotificationKind tells what a Notification is about.
	NotificationKind uint8

	// Notification is sent from the real-time thread to the control side
	// through a lock-free queue.
	Notification struct {
		Kind    NotificationKind
		Node    patchbay.NodeID
		Backend string
		Frame   uint64
		Time    int64 // unix nanoseconds
	}
)

const (
	Silence CrashPolicy = iota
	PassThrough
)

const (
	NodeCrashed NotificationKind = iota
	XRun
	Disconnected
)

func (s *NodeState) Crashed() bool { return s.crashed.Load() }

// MarkCrashed flags the node as crashed. It returns false if it already was.
func (s *NodeState) MarkCrashed() bool { return s.crashed.CompareAndSwap(false, true) }

// NewTap returns a tap for a port of the given type, with room for the given
// number of samples or events between two drains.
func NewTap(port patchbay.PortID, typ patchbay.PortType, capacity int) *Tap {
	t := &Tap{Port: port}
	if typ == patchbay.MIDI {
		t.Events = NewRing[patchbay.MIDIEvent](capacity)
	} else {
		t.Audio = NewRing[float32](capacity)
	}
	return t
}

// Origin returns the transport frame of the first captured sample.
func (t *Tap) Origin() (frame uint64, ok bool) {
	if !t.started.Load() {
		return 0, false
	}
	return t.origin.Load(), true
}

// Dropped is the number of samples or events lost because the ring was full.
func (t *Tap) Dropped() uint64 { return t.dropped.Load() }

func (t *Tap) capture(frame uint64, buf []float32, events []patchbay.MIDIEvent) {
	if !t.started.Load() {
		t.origin.Store(frame)
		t.started.Store(true)
	}
	if t.Audio != nil {
		if n := t.Audio.Write(buf); n < len(buf) {
			t.dropped.Add(uint64(len(buf) - n))
		}
		return
	}
	rel := int32(frame - t.origin.Load())
	for _, ev := range events {
		ev.Frame += rel
		if !t.Events.Push(ev) {
			t.dropped.Add(1)
		}
	}
}

func (p CrashPolicy) String() string {
	switch p {
	case Silence:
		return "silence"
	case PassThrough:
		return "passthrough"
	}
	return fmt.Sprintf("unknown(%d)", int(p))
}

func (p CrashPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *CrashPolicy) UnmarshalText(b []byte) error {
	switch string(b) {
	case "silence", "":
		*p = Silence
	case "passthrough":
		*p = PassThrough
	default:
		return fmt.Errorf("unknown crash policy %q", b)
	}
	return nil
}
