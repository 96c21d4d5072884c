package rt

import (
	"sync/atomic"
	"time"

	"github.com/patchbay-audio/patchbay"
	"github.com/viterin/vek/vek32"
)

// NotificationCapacity is the number of notifications the real-time thread
// can queue before the control side drains them. Further ones are counted as
// dropped.
const NotificationCapacity = 1024

type (
	// Runtime processes blocks for a backend. The control side publishes
	// compiled snapshots with Publish; the audio thread adopts the newest one
	// at the start of every block, so a snapshot is never swapped in the
	// middle of a cycle. ProcessBlock does not lock or allocate.
	Runtime struct {
		published atomic.Pointer[Snapshot]
		cur       *Snapshot
		seq       atomic.Uint64
		adopted   atomic.Uint64

		notes   *Queue[Notification]
		dropped atomic.Uint64

		pool   *pool
		policy CrashPolicy

		frame     atomic.Uint64
		rolling   atomic.Bool
		recording atomic.Bool
		locate    atomic.Int64
		cycles    atomic.Uint64
		busy      atomic.Int64 // nanoseconds spent in the last block
	}
)

// New returns a runtime running nodes on the given number of workers, the
// calling audio thread included. workers <= 0 uses GOMAXPROCS.
func New(workers int, policy CrashPolicy) *Runtime {
	r := &Runtime{
		notes:  NewQueue[Notification](NotificationCapacity),
		pool:   newPool(workers),
		policy: policy,
	}
	r.locate.Store(-1)
	return r
}

// Publish makes s the snapshot used from the next block on and returns its
// sequence number. Snapshots must not be published twice.
func (r *Runtime) Publish(s *Snapshot) uint64 {
	seq := r.seq.Add(1)
	s.seq = seq
	r.published.Store(s)
	return seq
}

// Adopted returns the sequence number of the snapshot the real-time thread
// used last. Snapshots published before it can be released.
func (r *Runtime) Adopted() uint64 { return r.adopted.Load() }

// Current returns the newest published snapshot.
func (r *Runtime) Current() *Snapshot { return r.published.Load() }

// ProcessBlock renders one block. Blocks longer than the snapshot's block
// size are processed as several cycles.
func (r *Runtime) ProcessBlock(b *patchbay.Block) {
	start := time.Now()
	if s := r.published.Load(); s != r.cur {
		r.cur = s
		if s != nil {
			r.adopted.Store(s.seq)
		}
	}
	for _, out := range b.Out {
		clear(out[:min(b.Frames, len(out))])
	}
	b.MIDIOut = b.MIDIOut[:0]
	if l := r.locate.Swap(-1); l >= 0 {
		r.frame.Store(uint64(l))
	}
	s := r.cur
	if s == nil {
		return
	}
	bs := s.Spec.BlockSize
	for off := 0; off < b.Frames; off += bs {
		r.cycle(s, b, off, min(bs, b.Frames-off))
	}
	r.busy.Store(int64(time.Since(start)))
}

func (r *Runtime) cycle(s *Snapshot, b *patchbay.Block, off, f int) {
	s.adoptParams()
	s.cyc = cycle{rt: r, block: b, off: off, frames: f, frame: r.frame.Load()}
	s.reset()
	r.pool.run(s)
	s.sink(&s.cyc)
	for _, fb := range s.feedback {
		copy(fb.buf[:f], s.ports[fb.src].buf[:f])
		clear(fb.buf[f:])
	}
	rolling := r.rolling.Load()
	if rolling && r.recording.Load() {
		for _, pi := range s.taps {
			p := &s.ports[pi]
			if p.typ.Signal() {
				p.tap.capture(s.cyc.frame, p.buf[:f], nil)
			} else {
				p.tap.capture(s.cyc.frame, nil, p.events)
			}
		}
	}
	if rolling {
		r.frame.Add(uint64(f))
	}
	r.cycles.Add(1)
}

// sink writes the inputs of hardware outputs to the block.
func (s *Snapshot) sink(c *cycle) {
	b, f := c.block, c.frames
	for _, i := range s.sinks {
		n := &s.nodes[i]
		if n.disabled || n.state.Crashed() {
			continue
		}
		l := &n.layout
		for k, pi := range l.sigIn {
			ch := n.channel + k
			if ch >= len(b.Out) || c.off+f > len(b.Out[ch]) {
				continue
			}
			vek32.Add_Inplace(b.Out[ch][c.off:c.off+f], s.ports[pi].buf[:f])
		}
		if l.midiIn < 0 {
			continue
		}
		for _, ev := range s.ports[l.midiIn].events {
			if len(b.MIDIOut) == cap(b.MIDIOut) {
				break
			}
			ev.Frame += int32(c.off)
			b.MIDIOut = append(b.MIDIOut, ev)
		}
	}
}

// Notify implements patchbay.Notifier; backends call it from their own
// threads to report xruns and disconnection.
func (r *Runtime) Notify(ev patchbay.BackendEvent) {
	n := Notification{Backend: ev.Backend, Frame: r.frame.Load(), Time: ev.Time.UnixNano()}
	switch ev.Kind {
	case patchbay.XRun:
		n.Kind = XRun
	case patchbay.Disconnected:
		n.Kind = Disconnected
	default:
		return
	}
	r.notify(n)
}

func (r *Runtime) notify(n Notification) {
	if !r.notes.Push(n) {
		r.dropped.Add(1)
	}
}

// Drain hands every queued notification to fn and returns how many there
// were. Only one goroutine may drain at a time.
func (r *Runtime) Drain(fn func(Notification)) int {
	k := 0
	for {
		n, ok := r.notes.Pop()
		if !ok {
			return k
		}
		fn(n)
		k++
	}
}

// DroppedNotifications is the number of notifications lost to a full queue.
func (r *Runtime) DroppedNotifications() uint64 { return r.dropped.Load() }

// Play starts the transport.
func (r *Runtime) Play() { r.rolling.Store(true) }

// Stop stops the transport; the position is kept.
func (r *Runtime) Stop() { r.rolling.Store(false) }

// Playing reports whether the transport is rolling.
func (r *Runtime) Playing() bool { return r.rolling.Load() }

// Locate moves the transport to frame at the start of the next block.
func (r *Runtime) Locate(frame uint64) { r.locate.Store(int64(frame)) }

// Position is the transport frame of the next cycle.
func (r *Runtime) Position() uint64 { return r.frame.Load() }

// SetRecording enables capture through the taps of the current snapshot
// while the transport rolls.
func (r *Runtime) SetRecording(on bool) { r.recording.Store(on) }

func (r *Runtime) Recording() bool { return r.recording.Load() }

// Cycles is the number of cycles processed so far.
func (r *Runtime) Cycles() uint64 { return r.cycles.Load() }

// Load is the time spent in the last block relative to its duration.
func (r *Runtime) Load() float64 {
	s := r.published.Load()
	if s == nil {
		return 0
	}
	d := s.Spec.BlockDuration()
	if d <= 0 {
		return 0
	}
	return float64(r.busy.Load()) / float64(d)
}

// Policy returns the crash policy of the runtime.
func (r *Runtime) Policy() CrashPolicy { return r.policy }

// Close stops the helper goroutines. The runtime must not be used afterwards.
func (r *Runtime) Close() {
	r.pool.close()
}
