package rt

import (
	"errors"
	"math"
	"time"

	"github.com/patchbay-audio/patchbay"
	"github.com/viterin/vek/vek32"
)

type (
	// processor is what a node kind does once its inputs have been mixed.
	processor interface {
		process(c *cycle, n *rtNode)
	}

	// gainProc implements Track, Channel, Fader and Send nodes: every audio
	// output is the matching audio input times the gain parameter, which may
	// be automated sample by sample through its Control input.
	gainProc struct {
		s    *Snapshot
		gain int32
		mute int32
	}

	hardwareInProc struct{ s *Snapshot }

	// hardwareOutProc does nothing while the graph runs; its inputs are
	// written to the backend once every node has finished.
	hardwareOutProc struct{}

	pluginProc struct {
		s    *Snapshot
		bufs patchbay.PluginBuffers
	}

	// layout groups a node's ports by role.
	layout struct {
		sigIn   []int32 // audio then CV inputs
		sigOut  []int32
		params  []int32 // Control inputs
		midiIn  int32
		midiOut int32
	}
)

var errPluginPanic = errors.New("plugin panicked")

func newProcessor(s *Snapshot, n *rtNode) (processor, error) {
	l := &n.layout
	l.midiIn, l.midiOut = -1, -1
	for _, group := range [][]int32{n.ins, n.outs} {
		for _, pi := range group {
			p := &s.ports[pi]
			switch {
			case p.typ == patchbay.MIDI && p.dir == patchbay.In:
				l.midiIn = pi
			case p.typ == patchbay.MIDI:
				l.midiOut = pi
			case p.typ == patchbay.Control && p.dir == patchbay.In:
				l.params = append(l.params, pi)
			case p.dir == patchbay.In:
				l.sigIn = append(l.sigIn, pi)
			default:
				l.sigOut = append(l.sigOut, pi)
			}
		}
	}
	byName := func(name string) int32 {
		for _, pi := range l.params {
			if s.ports[pi].name == name {
				return pi
			}
		}
		return -1
	}
	switch n.kind {
	case patchbay.Track, patchbay.Channel, patchbay.Fader:
		p := &gainProc{s: s, gain: byName(patchbay.ParamGain), mute: byName(patchbay.ParamMute)}
		return p, nil
	case patchbay.Send:
		return &gainProc{s: s, gain: byName(patchbay.ParamLevel), mute: -1}, nil
	case patchbay.HardwareIn:
		return &hardwareInProc{s: s}, nil
	case patchbay.HardwareOut:
		return hardwareOutProc{}, nil
	case patchbay.PluginNode:
		return &pluginProc{
			s: s,
			bufs: patchbay.PluginBuffers{
				In:        make([][]float32, len(l.sigIn)),
				Out:       make([][]float32, len(l.sigOut)),
				OutEvents: make([]patchbay.MIDIEvent, 0, MaxEvents),
			},
		}, nil
	}
	return nil, errors.New("unknown node kind")
}

// runNode mixes the node's inputs, processes it, releases its consumers and
// returns the first consumer that became ready (to be run by the same worker)
// or -1. Other consumers that became ready are pushed to the ready queue.
func (s *Snapshot) runNode(i int32) int32 {
	n := &s.nodes[i]
	c := &s.cyc
	for _, pi := range n.ins {
		s.mix(c, &s.ports[pi])
	}
	for _, pi := range n.outs {
		if p := &s.ports[pi]; p.typ == patchbay.MIDI {
			p.events = p.events[:0]
		}
	}
	switch {
	case n.state.Crashed():
		if c.rt.policy == PassThrough {
			s.passThrough(n, c.frames)
		} else {
			s.silence(n, c.frames)
		}
	case n.disabled:
		s.silence(n, c.frames)
	case n.bypass:
		s.passThrough(n, c.frames)
	default:
		n.proc.process(c, n)
	}
	s.meter(n, c.frames)
	next := int32(-1)
	for _, d := range n.down {
		if s.pending[d].Add(-1) == 0 {
			if next < 0 {
				next = d
			} else {
				s.ready.Push(d)
			}
		}
	}
	s.completed.Add(1)
	return next
}

// mix computes the contents of an input port from its connections.
func (s *Snapshot) mix(c *cycle, p *rtPort) {
	f := c.frames
	if p.typ == patchbay.MIDI {
		for k := range p.edges {
			e := &p.edges[k]
			var src []patchbay.MIDIEvent
			if e.enabled {
				src = s.ports[e.src].events
				if e.events != nil {
					src = e.events.process(src, f)
				}
			}
			p.srcEvents[k] = src
		}
		p.events = MergeEvents(p.events[:0], p.srcEvents, p.cursors)
		return
	}
	dst := p.buf[:f]
	mixed := false
	for k := range p.edges {
		e := &p.edges[k]
		if !e.enabled {
			continue
		}
		var src []float32
		switch {
		case e.fb != nil:
			src = e.fb[:f]
		case e.delay != nil:
			src = e.scratch[:f]
			e.delay.process(src, s.ports[e.src].buf[:f])
		default:
			src = s.ports[e.src].buf[:f]
		}
		switch {
		case !mixed && e.gain == 1:
			copy(dst, src)
		case !mixed:
			vek32.MulNumber_Into(dst, src, e.gain)
		case e.gain == 1:
			vek32.Add_Inplace(dst, src)
		default:
			for i, x := range src {
				dst[i] += x * e.gain
			}
		}
		mixed = true
	}
	if mixed {
		return
	}
	if p.cell >= 0 {
		v := float32(s.cells[p.cell].value)
		for i := range dst {
			dst[i] = v
		}
		return
	}
	clear(dst)
}

// MergeEvents merges event streams that are each sorted by frame into dst,
// which is returned. Events with the same frame are ordered by the index of
// their stream, lower first, and events of one stream keep their relative
// order. cursors is scratch space with at least len(srcs) entries. Events
// that do not fit in the capacity of dst are dropped.
func MergeEvents(dst []patchbay.MIDIEvent, srcs [][]patchbay.MIDIEvent, cursors []int) []patchbay.MIDIEvent {
	for i := range srcs {
		cursors[i] = 0
	}
	for {
		best := -1
		var frame int32
		for i, src := range srcs {
			if cursors[i] >= len(src) {
				continue
			}
			if f := src[cursors[i]].Frame; best < 0 || f < frame {
				best, frame = i, f
			}
		}
		if best < 0 {
			return dst
		}
		if len(dst) < cap(dst) {
			dst = append(dst, srcs[best][cursors[best]])
		}
		cursors[best]++
	}
}

func (s *Snapshot) silence(n *rtNode, f int) {
	for _, pi := range n.outs {
		if p := &s.ports[pi]; p.typ.Signal() {
			clear(p.buf[:f])
		}
	}
}

// passThrough copies the i'th signal input to the i'th signal output and
// MIDI input to MIDI output; outputs without a matching input are silenced.
func (s *Snapshot) passThrough(n *rtNode, f int) {
	l := &n.layout
	for k, pi := range l.sigOut {
		out := s.ports[pi].buf[:f]
		if k < len(l.sigIn) {
			copy(out, s.ports[l.sigIn[k]].buf[:f])
		} else {
			clear(out)
		}
	}
	if l.midiIn >= 0 && l.midiOut >= 0 {
		s.ports[l.midiOut].events = append(s.ports[l.midiOut].events[:0], s.ports[l.midiIn].events...)
	}
}

func (s *Snapshot) meter(n *rtNode, f int) {
	for _, pi := range n.ins {
		s.meterPort(&s.ports[pi], f)
	}
	for _, pi := range n.outs {
		s.meterPort(&s.ports[pi], f)
	}
}

func (s *Snapshot) meterPort(p *rtPort, f int) {
	var v float32
	switch {
	case p.cell >= 0:
		return
	case p.typ == patchbay.MIDI:
		v = float32(len(p.events))
	case f > 0:
		buf := p.buf[:f]
		v = max(vek32.Max(buf), -vek32.Min(buf))
	}
	p.meter.Store(math.Float32bits(v))
}

func (s *Snapshot) crash(c *cycle, n *rtNode) {
	if n.state.MarkCrashed() {
		c.rt.notify(Notification{Kind: NodeCrashed, Node: n.id, Frame: c.frame, Time: time.Now().UnixNano()})
	}
	if c.rt.policy == PassThrough {
		s.passThrough(n, c.frames)
	} else {
		s.silence(n, c.frames)
	}
}

func (p *gainProc) process(c *cycle, n *rtNode) {
	s, f, l := p.s, c.frames, &n.layout
	muted := p.mute >= 0 && s.ports[p.mute].buf[0] >= 0.5
	for k, pi := range l.sigOut {
		out := s.ports[pi].buf[:f]
		switch {
		case muted || k >= len(l.sigIn):
			clear(out)
		case p.gain < 0:
			copy(out, s.ports[l.sigIn[k]].buf[:f])
		default:
			vek32.Mul_Into(out, s.ports[l.sigIn[k]].buf[:f], s.ports[p.gain].buf[:f])
		}
	}
	if l.midiIn >= 0 && l.midiOut >= 0 {
		s.ports[l.midiOut].events = append(s.ports[l.midiOut].events[:0], s.ports[l.midiIn].events...)
	}
}

func (p *hardwareInProc) process(c *cycle, n *rtNode) {
	s, f, l, b := p.s, c.frames, &n.layout, c.block
	for k, pi := range l.sigOut {
		out := s.ports[pi].buf[:f]
		if ch := n.channel + k; ch < len(b.In) && c.off+f <= len(b.In[ch]) {
			copy(out, b.In[ch][c.off:c.off+f])
		} else {
			clear(out)
		}
	}
	if l.midiOut < 0 {
		return
	}
	out := s.ports[l.midiOut].events[:0]
	for _, ev := range b.MIDIIn {
		if int(ev.Frame) < c.off || int(ev.Frame) >= c.off+f || len(out) == cap(out) {
			continue
		}
		ev.Frame -= int32(c.off)
		out = append(out, ev)
	}
	s.ports[l.midiOut].events = out
}

func (hardwareOutProc) process(c *cycle, n *rtNode) {}

func (p *pluginProc) process(c *cycle, n *rtNode) {
	s, f, l := p.s, c.frames, &n.layout
	pl := n.state.Plugin
	if pl == nil {
		s.silence(n, f)
		return
	}
	for _, pi := range l.params {
		port := &s.ports[pi]
		if port.param < 0 {
			continue
		}
		if v := float64(port.buf[0]); v != port.sent {
			pl.SetParam(port.param, v)
			port.sent = v
		}
	}
	b := &p.bufs
	b.Frames = f
	for k, pi := range l.sigIn {
		b.In[k] = s.ports[pi].buf[:f]
	}
	for k, pi := range l.sigOut {
		b.Out[k] = s.ports[pi].buf[:f]
	}
	b.Events = nil
	if l.midiIn >= 0 {
		b.Events = s.ports[l.midiIn].events
	}
	b.OutEvents = b.OutEvents[:0]
	if err := safeProcess(pl, b); err != nil {
		s.crash(c, n)
		return
	}
	if l.midiOut >= 0 {
		out := b.OutEvents
		sortEvents(out)
		s.ports[l.midiOut].events = append(s.ports[l.midiOut].events[:0], out[:min(len(out), MaxEvents)]...)
	}
}

func safeProcess(pl patchbay.Plugin, b *patchbay.PluginBuffers) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errPluginPanic
		}
	}()
	return pl.Process(b)
}

// sortEvents is a stable insertion sort by frame; plugins usually emit
// sorted or nearly sorted events.
func sortEvents(evs []patchbay.MIDIEvent) {
	for i := 1; i < len(evs); i++ {
		for j := i; j > 0 && evs[j].Frame < evs[j-1].Frame; j-- {
			evs[j], evs[j-1] = evs[j-1], evs[j]
		}
	}
}
