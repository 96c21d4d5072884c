package patchbay

import (
	"fmt"
	"time"
)

// MaxBlockSize is the largest number of frames processed in one cycle. Larger
// blocks handed to a processor are split.
const MaxBlockSize = 8192

type (
	// AudioSpec is the stream format negotiated with a backend.
	AudioSpec struct {
		SampleRate int `yaml:"samplerate"`
		BlockSize  int `yaml:"blocksize"`
		Inputs     int `yaml:"inputs"`
		Outputs    int `yaml:"outputs"`
	}

	// Block is one cycle's worth of backend I/O. In and Out have one slice per
	// hardware channel, each Frames long. MIDIIn holds the hardware MIDI
	// events of this block sorted by frame; MIDIOut is filled by the engine
	// and has a fixed capacity.
	Block struct {
		Frames  int
		In      [][]float32
		Out     [][]float32
		MIDIIn  []MIDIEvent
		MIDIOut []MIDIEvent
	}

	// BlockProcessor is driven by a backend once per cycle. ProcessBlock runs
	// on the backend's real-time thread.
	BlockProcessor interface {
		ProcessBlock(b *Block)
	}

	// BackendEventKind tells what happened to a backend.
	BackendEventKind int

	// BackendEvent is reported asynchronously by backends. None of these are
	// fatal to the engine.
	BackendEvent struct {
		Kind    BackendEventKind
		Backend string
		Time    time.Time
	}

	// Notifier receives backend events. Notify may be called from the
	// real-time thread and must not block.
	Notifier interface {
		Notify(e BackendEvent)
	}

	// Backend is an audio I/O driver. Start begins calling p.ProcessBlock from
	// the backend's own thread; Stop returns only once no ProcessBlock call is
	// in flight anymore.
	Backend interface {
		Name() string
		Spec() AudioSpec
		Start(p BlockProcessor, n Notifier) error
		Stop() error
	}

	// MIDISource supplies hardware MIDI input to a backend. ReadEvents is
	// called on the real-time thread at the start of every block, appends the
	// events that fall within the next frames frames to dst and must not block.
	MIDISource interface {
		ReadEvents(dst []MIDIEvent, frames int) []MIDIEvent
	}
)

const (
	XRun BackendEventKind = iota
	Disconnected
)

func (k BackendEventKind) String() string {
	switch k {
	case XRun:
		return "xrun"
	case Disconnected:
		return "disconnected"
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// Validate checks that the spec can be used to compile a graph.
func (s AudioSpec) Validate() error {
	if s.SampleRate <= 0 {
		return fmt.Errorf("sample rate %d: %w", s.SampleRate, ErrSampleRate)
	}
	if s.BlockSize <= 0 || s.BlockSize > MaxBlockSize {
		return &GraphError{Kind: BufferSize, Msg: fmt.Sprintf("block size %d outside 1..%d", s.BlockSize, MaxBlockSize)}
	}
	return nil
}

// BlockDuration is the wall-clock duration of one full block.
func (s AudioSpec) BlockDuration() time.Duration {
	if s.SampleRate <= 0 {
		return 0
	}
	return time.Duration(s.BlockSize) * time.Second / time.Duration(s.SampleRate)
}

// NewBlock allocates a block with the channel counts of the spec, with room
// for maxEvents MIDI events in each direction.
func (s AudioSpec) NewBlock(maxEvents int) *Block {
	b := &Block{
		Frames:  s.BlockSize,
		In:      make([][]float32, s.Inputs),
		Out:     make([][]float32, s.Outputs),
		MIDIIn:  make([]MIDIEvent, 0, maxEvents),
		MIDIOut: make([]MIDIEvent, 0, maxEvents),
	}
	for i := range b.In {
		b.In[i] = make([]float32, s.BlockSize)
	}
	for i := range b.Out {
		b.Out[i] = make([]float32, s.BlockSize)
	}
	return b
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(BackendEvent)

func (f NotifierFunc) Notify(e BackendEvent) { f(e) }
