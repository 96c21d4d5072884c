// Package loopback is a backend driven by hand: every call to Step renders
// blocks from an input source and keeps what the processor wrote. It serves
// tests and offline processing.
package loopback

import (
	"errors"
	"sync"
	"time"

	"github.com/patchbay-audio/patchbay"
)

const (
	Name      = "loopback"
	maxEvents = 512
)

var ErrNotStarted = errors.New("loopback backend not started")

type (
	// Source fills buf with the input of one channel; frame is the index of
	// buf[0] counted from the first block.
	Source func(channel int, frame uint64, buf []float32)

	Backend struct {
		spec patchbay.AudioSpec

		mu      sync.Mutex
		p       patchbay.BlockProcessor
		n       patchbay.Notifier
		block   *patchbay.Block
		source  Source
		midi    []patchbay.MIDIEvent
		frame   uint64
		capture bool
		out     [][]float32
		events  []patchbay.MIDIEvent
	}
)

// New returns a backend with the given stream format. Output is captured
// until DiscardOutput is called.
func New(spec patchbay.AudioSpec) *Backend {
	return &Backend{spec: spec, capture: true, out: make([][]float32, spec.Outputs)}
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Spec() patchbay.AudioSpec { return b.spec }

func (b *Backend) Start(p patchbay.BlockProcessor, n patchbay.Notifier) error {
	if err := b.spec.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.p, b.n = p, n
	b.block = b.spec.NewBlock(maxEvents)
	return nil
}

func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.p, b.n = nil, nil
	return nil
}

// SetSource sets the function producing the hardware input. Without a
// source the input is silent.
func (b *Backend) SetSource(s Source) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.source = s
}

// QueueMIDI adds hardware MIDI input to the next block. Frames are relative
// to the start of that block.
func (b *Backend) QueueMIDI(evs ...patchbay.MIDIEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.midi = append(b.midi, evs...)
}

// Step renders n blocks.
func (b *Backend) Step(n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.p == nil {
		return ErrNotStarted
	}
	blk := b.block
	for i := 0; i < n; i++ {
		for ch, buf := range blk.In {
			if b.source != nil {
				b.source(ch, b.frame, buf)
			} else {
				clear(buf)
			}
		}
		blk.MIDIIn = blk.MIDIIn[:0]
		k := min(len(b.midi), cap(blk.MIDIIn))
		blk.MIDIIn = append(blk.MIDIIn, b.midi[:k]...)
		b.midi = b.midi[:0]
		b.p.ProcessBlock(blk)
		if b.capture {
			for ch, buf := range blk.Out {
				b.out[ch] = append(b.out[ch], buf[:blk.Frames]...)
			}
			for _, ev := range blk.MIDIOut {
				ev.Frame += int32(b.frame)
				b.events = append(b.events, ev)
			}
		}
		b.frame += uint64(blk.Frames)
	}
	return nil
}

// Output returns a copy of everything written to the output channels so far.
func (b *Backend) Output() [][]float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ret := make([][]float32, len(b.out))
	for i, o := range b.out {
		ret[i] = append([]float32(nil), o...)
	}
	return ret
}

// MIDIOutput returns the MIDI events written so far, frames counted from the
// first block.
func (b *Backend) MIDIOutput() []patchbay.MIDIEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]patchbay.MIDIEvent(nil), b.events...)
}

// DiscardOutput clears the captured output and stops capturing.
func (b *Backend) DiscardOutput() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capture = false
	for i := range b.out {
		b.out[i] = nil
	}
	b.events = nil
}

// Frame is the number of frames rendered so far.
func (b *Backend) Frame() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame
}

// XRun reports an xrun as a real device would.
func (b *Backend) XRun() { b.report(patchbay.XRun) }

// Disconnect reports that the device went away. The backend keeps working.
func (b *Backend) Disconnect() { b.report(patchbay.Disconnected) }

func (b *Backend) report(k patchbay.BackendEventKind) {
	b.mu.Lock()
	n := b.n
	b.mu.Unlock()
	if n != nil {
		n.Notify(patchbay.BackendEvent{Kind: k, Backend: Name, Time: time.Now()})
	}
}
