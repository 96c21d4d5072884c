// Package dummy is a backend without hardware: a software clock drives the
// processor in real time, the input is silence and the output is discarded.
// It is what the engine falls back to when its backend goes away.
package dummy

import (
	"errors"
	"sync"
	"time"

	"github.com/patchbay-audio/patchbay"
)

const (
	Name      = "dummy"
	maxEvents = 512
)

var ErrRunning = errors.New("backend already running")

// Backend is a software clock calling ProcessBlock once per block period.
// A block that takes longer than its period is reported as an xrun.
type Backend struct {
	spec patchbay.AudioSpec
	midi patchbay.MIDISource

	mu   sync.Mutex
	quit chan struct{}
	done chan struct{}
}

// New returns a stopped backend with the given stream format.
func New(spec patchbay.AudioSpec) *Backend {
	return &Backend{spec: spec}
}

// SetMIDI makes src the hardware MIDI input. It takes effect on the next
// Start.
func (b *Backend) SetMIDI(src patchbay.MIDISource) {
	b.mu.Lock()
	b.midi = src
	b.mu.Unlock()
}

func (b *Backend) Name() string { return Name }

func (b *Backend) Spec() patchbay.AudioSpec { return b.spec }

func (b *Backend) Start(p patchbay.BlockProcessor, n patchbay.Notifier) error {
	if err := b.spec.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.quit != nil {
		return ErrRunning
	}
	b.quit, b.done = make(chan struct{}), make(chan struct{})
	go b.loop(p, n, b.midi, b.quit, b.done)
	return nil
}

func (b *Backend) loop(p patchbay.BlockProcessor, n patchbay.Notifier, src patchbay.MIDISource, quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	period := b.spec.BlockDuration()
	block := b.spec.NewBlock(maxEvents)
	next := time.Now()
	for {
		next = next.Add(period)
		start := time.Now()
		if src != nil {
			block.MIDIIn = src.ReadEvents(block.MIDIIn[:0], block.Frames)
		}
		p.ProcessBlock(block)
		if time.Since(start) > period {
			n.Notify(patchbay.BackendEvent{Kind: patchbay.XRun, Backend: Name, Time: time.Now()})
		}
		wait := time.Until(next)
		if wait < 0 {
			// behind schedule: skip ahead instead of bursting
			next = time.Now()
			wait = 0
		}
		select {
		case <-quit:
			return
		case <-time.After(wait):
		}
	}
}

// Stop returns once the processor is no longer called.
func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.quit == nil {
		return nil
	}
	close(b.quit)
	<-b.done
	b.quit, b.done = nil, nil
	return nil
}
