// Package oto is a playback backend on top of the oto library. It has no
// audio inputs: oto pulls interleaved output from a reader, and the reader
// renders one engine block whenever it runs out of samples.
package oto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/patchbay-audio/patchbay"
)

const (
	Name      = "oto"
	maxEvents = 512
)

var ErrRunning = errors.New("backend already running")

// oto allows a single context per process, so it is shared by all backends
// and its format is fixed by the first one to start.
var (
	contextOnce sync.Once
	context     *oto.Context
	contextSpec patchbay.AudioSpec
	contextErr  error
)

// Backend plays the engine's output through the system's default device.
type Backend struct {
	spec   patchbay.AudioSpec
	buffer time.Duration
	midi   patchbay.MIDISource

	mu     sync.Mutex
	player *oto.Player
	reader *reader
}

// New returns a stopped backend. spec.Inputs is ignored; buffer is the
// latency asked from the device and defaults to two blocks.
func New(spec patchbay.AudioSpec, buffer time.Duration) *Backend {
	spec.Inputs = 0
	if spec.Outputs <= 0 {
		spec.Outputs = 2
	}
	if buffer <= 0 {
		buffer = 2 * spec.BlockDuration()
	}
	return &Backend{spec: spec, buffer: buffer}
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
	if b.player != nil {
		return ErrRunning
	}
	ctx, err := openContext(b.spec, b.buffer)
	if err != nil {
		return err
	}
	b.reader = &reader{
		ctx:   ctx,
		p:     p,
		n:     n,
		midi:  b.midi,
		block: b.spec.NewBlock(maxEvents),
	}
	b.player = ctx.NewPlayer(b.reader)
	b.player.Play()
	return nil
}

// Stop returns once the processor is no longer called.
func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.player == nil {
		return nil
	}
	b.reader.detach()
	b.player.Pause()
	err := b.player.Close()
	b.player, b.reader = nil, nil
	if err != nil {
		return fmt.Errorf("cannot close oto player: %w", err)
	}
	return nil
}

func openContext(spec patchbay.AudioSpec, buffer time.Duration) (*oto.Context, error) {
	contextOnce.Do(func() {
		var ready chan struct{}
		context, ready, contextErr = oto.NewContext(&oto.NewContextOptions{
			SampleRate:   spec.SampleRate,
			ChannelCount: spec.Outputs,
			Format:       oto.FormatFloat32LE,
			BufferSize:   buffer,
		})
		if contextErr != nil {
			contextErr = fmt.Errorf("cannot create oto context: %w", contextErr)
			return
		}
		<-ready
		contextSpec = spec
	})
	if contextErr != nil {
		return nil, contextErr
	}
	if contextSpec.SampleRate != spec.SampleRate || contextSpec.Outputs != spec.Outputs {
		return nil, fmt.Errorf("oto is already open at %d Hz with %d channels", contextSpec.SampleRate, contextSpec.Outputs)
	}
	return context, nil
}

// reader renders blocks on demand and hands them to oto as interleaved
// float32 samples.
type reader struct {
	ctx   *oto.Context
	midi  patchbay.MIDISource
	block *patchbay.Block

	mu   sync.Mutex
	p    patchbay.BlockProcessor
	n    patchbay.Notifier
	out  []byte
	off  int
	lost bool
}

func (r *reader) Read(buf []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.p == nil {
		clear(buf)
		return len(buf), nil
	}
	if err := r.ctx.Err(); err != nil && !r.lost {
		r.lost = true
		r.n.Notify(patchbay.BackendEvent{Kind: patchbay.Disconnected, Backend: Name, Time: time.Now()})
	}
	total := 0
	for len(buf) > 0 {
		if r.off == len(r.out) {
			if r.midi != nil {
				r.block.MIDIIn = r.midi.ReadEvents(r.block.MIDIIn[:0], r.block.Frames)
			}
			r.p.ProcessBlock(r.block)
			r.out = Float32LE(r.out[:0], r.block.Out, r.block.Frames)
			r.off = 0
		}
		c := copy(buf, r.out[r.off:])
		buf = buf[c:]
		r.off += c
		total += c
	}
	return total, nil
}

func (r *reader) detach() {
	r.mu.Lock()
	r.p, r.n = nil, nil
	r.mu.Unlock()
}
