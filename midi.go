package patchbay

import (
	"fmt"

	"gitlab.com/gomidi/midi/v2"
)

// MIDIEvent is a short (at most three byte) MIDI message with a timestamp. In
// a cycle, Frame is relative to the start of the block. In a recorded Region,
// Frame is relative to the start of the region. The struct is fixed size so
// that event buffers can be preallocated and reused on the real-time thread.
type MIDIEvent struct {
	Frame int32
	Len   uint8
	Data  [3]byte
}

// EventFromMessage converts a gomidi message into an event. Messages longer
// than three bytes (sysex) are not supported and return ok == false.
func EventFromMessage(frame int, msg midi.Message) (ev MIDIEvent, ok bool) {
	if len(msg) == 0 || len(msg) > 3 {
		return MIDIEvent{}, false
	}
	ev.Frame = int32(frame)
	ev.Len = uint8(copy(ev.Data[:], msg))
	return ev, true
}

// NoteOn builds a note-on event.
func NoteOn(frame int, channel, key, velocity uint8) MIDIEvent {
	ev, _ := EventFromMessage(frame, midi.NoteOn(channel, key, velocity))
	return ev
}

// NoteOff builds a note-off event.
func NoteOff(frame int, channel, key uint8) MIDIEvent {
	ev, _ := EventFromMessage(frame, midi.NoteOff(channel, key))
	return ev
}

// ControlChange builds a control change event.
func ControlChange(frame int, channel, controller, value uint8) MIDIEvent {
	ev, _ := EventFromMessage(frame, midi.ControlChange(channel, controller, value))
	return ev
}

// Message returns the event as a gomidi message. It allocates, so it is meant
// for the control side only.
func (e MIDIEvent) Message() midi.Message {
	return midi.Message(append([]byte(nil), e.Data[:e.Len]...))
}

func (e MIDIEvent) String() string {
	return fmt.Sprintf("@%d %s", e.Frame, e.Message().String())
}
