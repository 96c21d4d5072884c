package gomidi_test

import (
	"testing"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/gomidi"
	"gitlab.com/gomidi/midi/v2"
)

func TestInputKeepsSpacing(t *testing.T) {
	in := gomidi.NewInput(1000) // one frame per millisecond
	in.HandleMessage(midi.NoteOn(0, 60, 100), 100)
	in.HandleMessage(midi.NoteOff(0, 60), 105)
	in.HandleMessage(midi.NoteOn(1, 62, 90), 300)
	dst := make([]patchbay.MIDIEvent, 0, 16)
	dst = in.ReadEvents(dst, 64)
	if len(dst) != 2 {
		t.Fatalf("expected 2 events in the first block, got %d", len(dst))
	}
	if dst[0].Frame != 0 || dst[1].Frame != 5 {
		t.Fatalf("expected frames 0 and 5, got %d and %d", dst[0].Frame, dst[1].Frame)
	}
	if dst[0] != patchbay.NoteOn(0, 0, 60, 100) {
		t.Fatalf("first event: got %v", dst[0])
	}
	for block := 0; block < 10; block++ {
		dst = in.ReadEvents(dst[:0], 64)
		if len(dst) == 0 {
			continue
		}
		if len(dst) != 1 || dst[0].Frame < 0 || dst[0].Frame >= 64 {
			t.Fatalf("expected the third event within the block, got %v", dst)
		}
		if dst[0].Data != patchbay.NoteOn(0, 1, 62, 90).Data {
			t.Fatalf("third event: got %v", dst[0])
		}
		return
	}
	t.Fatalf("third event never delivered")
}

func TestInputDropsSysex(t *testing.T) {
	in := gomidi.NewInput(48000)
	in.HandleMessage(midi.SysEx([]byte{1, 2, 3, 4}), 0)
	if got := in.ReadEvents(make([]patchbay.MIDIEvent, 0, 4), 256); len(got) != 0 {
		t.Fatalf("expected sysex to be dropped, got %v", got)
	}
}

func TestInputRespectsCapacity(t *testing.T) {
	in := gomidi.NewInput(1000)
	for i := range 10 {
		in.HandleMessage(midi.NoteOn(0, uint8(60+i), 100), 0)
	}
	dst := make([]patchbay.MIDIEvent, 0, 4)
	dst = in.ReadEvents(dst, 64)
	if len(dst) != 4 || cap(dst) != 4 {
		t.Fatalf("expected 4 events without growing the buffer, got %d (cap %d)", len(dst), cap(dst))
	}
}
