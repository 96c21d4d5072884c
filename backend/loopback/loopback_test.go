package loopback_test

import (
	"errors"
	"testing"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/backend/loopback"
)

// through copies the input to the output and echoes MIDI one frame later.
type through struct{}

func (through) ProcessBlock(b *patchbay.Block) {
	for ch := range b.Out {
		copy(b.Out[ch], b.In[ch])
	}
	b.MIDIOut = b.MIDIOut[:0]
	for _, ev := range b.MIDIIn {
		ev.Frame++
		b.MIDIOut = append(b.MIDIOut, ev)
	}
}

func TestLoopbackStep(t *testing.T) {
	spec := patchbay.AudioSpec{SampleRate: 48000, BlockSize: 16, Inputs: 2, Outputs: 2}
	b := loopback.New(spec)
	if err := b.Step(1); !errors.Is(err, loopback.ErrNotStarted) {
		t.Fatalf("Step before Start: expected ErrNotStarted, got %v", err)
	}
	b.SetSource(func(ch int, frame uint64, buf []float32) {
		for i := range buf {
			buf[i] = float32(ch*1000) + float32(frame) + float32(i)
		}
	})
	if err := b.Start(through{}, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	b.Step(1)
	b.QueueMIDI(patchbay.NoteOn(3, 0, 60, 100))
	if err := b.Step(2); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	out := b.Output()
	for ch := range out {
		if len(out[ch]) != 48 {
			t.Fatalf("channel %d: expected 48 frames, got %d", ch, len(out[ch]))
		}
		for i, x := range out[ch] {
			if want := float32(ch*1000 + i); x != want {
				t.Fatalf("channel %d, frame %d: got %v, expected %v", ch, i, x, want)
			}
		}
	}
	evs := b.MIDIOutput()
	if len(evs) != 1 || evs[0].Frame != 16+3+1 {
		t.Fatalf("unexpected MIDI output %v", evs)
	}
	if b.Frame() != 48 {
		t.Fatalf("expected frame 48, got %d", b.Frame())
	}
}
