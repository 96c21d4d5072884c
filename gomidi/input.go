// Package gomidi feeds hardware MIDI input to a backend. Messages arrive on
// the driver's thread with millisecond timestamps; Input turns them into
// block-relative events on the real-time thread, slowly steering its clock
// so that events keep the spacing with which they were played.
package gomidi

import (
	"errors"
	"fmt"
	"strings"

	"github.com/patchbay-audio/patchbay"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
)

const queueLength = 1024

var (
	ErrNoDriver = errors.New("no MIDI driver available")
	ErrNoDevice = errors.New("no matching MIDI input")
)

type (
	// Input is a patchbay.MIDISource reading one MIDI input port.
	Input struct {
		rate    int
		events  chan stamped
		pending []stamped
		start   int
		started bool

		in   drivers.In
		stop func()
	}

	stamped struct {
		frame int
		ev    patchbay.MIDIEvent
	}
)

// NewInput returns an input that is not connected to any port; messages are
// given to it with HandleMessage. rate is the sample rate of the backend
// reading it.
func NewInput(rate int) *Input {
	return &Input{
		rate:    rate,
		events:  make(chan stamped, queueLength),
		pending: make([]stamped, 0, queueLength),
	}
}

// Devices lists the names of the input ports of drv.
func Devices(drv drivers.Driver) ([]string, error) {
	ins, err := drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("cannot list MIDI inputs: %w", err)
	}
	ret := make([]string, len(ins))
	for i, in := range ins {
		ret[i] = in.String()
	}
	return ret, nil
}

// Open starts listening to the first port of drv whose name starts with
// prefix. An empty prefix takes the first port.
func Open(drv drivers.Driver, prefix string, rate int) (*Input, error) {
	ins, err := drv.Ins()
	if err != nil {
		return nil, fmt.Errorf("cannot list MIDI inputs: %w", err)
	}
	for _, in := range ins {
		if !strings.HasPrefix(in.String(), prefix) {
			continue
		}
		if err := in.Open(); err != nil {
			return nil, fmt.Errorf("opening MIDI input %q failed: %w", in.String(), err)
		}
		ret := NewInput(rate)
		stop, err := midi.ListenTo(in, ret.HandleMessage)
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("listening to MIDI input %q failed: %w", in.String(), err)
		}
		ret.in, ret.stop = in, stop
		return ret, nil
	}
	return nil, fmt.Errorf("%w starting with %q", ErrNoDevice, prefix)
}

func (i *Input) String() string {
	if i.in == nil {
		return "unconnected"
	}
	return i.in.String()
}

// HandleMessage queues a message received timestampms milliseconds after
// listening started. Messages that are not short MIDI messages, and messages
// arriving while the queue is full, are dropped.
func (i *Input) HandleMessage(msg midi.Message, timestampms int32) {
	ev, ok := patchbay.EventFromMessage(0, msg)
	if !ok {
		return
	}
	select {
	case i.events <- stamped{frame: int(int64(timestampms) * int64(i.rate) / 1000), ev: ev}:
	default:
	}
}

func (i *Input) ReadEvents(dst []patchbay.MIDIEvent, frames int) []patchbay.MIDIEvent {
F:
	for len(i.pending) < cap(i.pending) {
		select {
		case s := <-i.events:
			i.pending = append(i.pending, s)
		default:
			break F
		}
	}
	if len(i.pending) == 0 {
		i.start += frames
		return dst
	}
	if !i.started {
		i.start = i.pending[0].frame
		i.started = true
	}
	n := 0
	for ; n < len(i.pending); n++ {
		f := i.pending[n].frame - i.start
		if f >= frames {
			break
		}
		if f < 0 {
			// late: move the clock back towards the event
			i.start += f / 5
			f = 0
		}
		if len(dst) < cap(dst) {
			ev := i.pending[n].ev
			ev.Frame = int32(f)
			dst = append(dst, ev)
		}
	}
	i.pending = i.pending[:copy(i.pending, i.pending[n:])]
	i.start += frames
	if len(i.pending) > 0 {
		// early: move the clock forward towards the next event
		i.start -= (i.start - i.pending[0].frame) / 5
	}
	return dst
}

// Close stops listening and closes the port.
func (i *Input) Close() error {
	if i.in == nil {
		return nil
	}
	i.stop()
	err := i.in.Close()
	i.in = nil
	return err
}
