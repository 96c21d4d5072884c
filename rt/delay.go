package rt

import "github.com/patchbay-audio/patchbay"

type (
	// delayLine delays a signal by a fixed number of samples. The buffer is
	// allocated once, at compile time.
	delayLine struct {
		buf []float32
		pos int
	}

	// eventDelay delays MIDI events by a fixed number of frames, carrying
	// events that fall beyond the current block over to the next one.
	eventDelay struct {
		delay   int32
		pending []patchbay.MIDIEvent
		out     []patchbay.MIDIEvent
	}
)

func newDelayLine(samples int) *delayLine {
	return &delayLine{buf: make([]float32, samples)}
}

// process writes src delayed into dst; they must have equal length and may
// not alias.
func (d *delayLine) process(dst, src []float32) {
	n := len(d.buf)
	for i, x := range src {
		dst[i] = d.buf[d.pos]
		d.buf[d.pos] = x
		d.pos++
		if d.pos == n {
			d.pos = 0
		}
	}
}

func newEventDelay(frames, capacity int) *eventDelay {
	return &eventDelay{
		delay:   int32(frames),
		pending: make([]patchbay.MIDIEvent, 0, capacity),
		out:     make([]patchbay.MIDIEvent, 0, capacity),
	}
}

// process returns the events due in a block of the given length. The returned
// slice is valid until the next call.
func (d *eventDelay) process(src []patchbay.MIDIEvent, frames int) []patchbay.MIDIEvent {
	for _, ev := range src {
		if len(d.pending) == cap(d.pending) {
			break
		}
		ev.Frame += d.delay
		d.pending = append(d.pending, ev)
	}
	d.out = d.out[:0]
	kept := d.pending[:0]
	for _, ev := range d.pending {
		if ev.Frame < int32(frames) {
			d.out = append(d.out, ev)
			continue
		}
		ev.Frame -= int32(frames)
		kept = append(kept, ev)
	}
	d.pending = kept
	return d.out
}
