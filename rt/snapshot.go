package rt

import (
	"fmt"
	"math"
	"slices"
	"sync/atomic"

	"github.com/patchbay-audio/patchbay"
)

// MaxEvents is the capacity of every MIDI port buffer. Events beyond it are
// dropped for the cycle.
const MaxEvents = 512

type (
	// Snapshot is a graph compiled for the real-time thread: every port buffer
	// is preallocated in one arena, connections are resolved to port indices
	// and delay lines, and nodes are laid out in schedule order with their
	// dependency counts. Snapshots are immutable from the control side's
	// point of view, except for the parameter cells written by SetParam.
	Snapshot struct {
		Version  uint64
		seq      uint64
		Spec     patchbay.AudioSpec
		Schedule *patchbay.Schedule
		Latency  patchbay.LatencyPlan

		nodes     []rtNode
		ports     []rtPort
		pending   []atomic.Int32
		completed atomic.Int32
		ready     *Queue[int32]
		sources   []int32
		sinks     []int32
		cells     []paramCell
		feedback  []feedbackEdge
		taps      []int32
		portIndex map[patchbay.PortID]int32
		nodeIndex map[patchbay.NodeID]int32
		cyc       cycle
	}

	rtNode struct {
		id       patchbay.NodeID
		kind     patchbay.NodeKind
		state    *NodeState
		proc     processor
		ins      []int32
		outs     []int32
		down     []int32
		deps     int32
		layout   layout
		bypass   bool
		disabled bool
		channel  int
	}

	rtPort struct {
		id     patchbay.PortID
		name   string
		typ    patchbay.PortType
		dir    patchbay.Direction
		node   int32
		buf    []float32
		events []patchbay.MIDIEvent
		edges  []edge
		tap    *Tap

		// merge state for MIDI inputs, one entry per edge
		srcEvents [][]patchbay.MIDIEvent
		cursors   []int

		cell  int32 // parameter cell of a Control input, or -1
		param int   // plugin parameter index, or -1
		sent  float64
		meter atomic.Uint32
	}

	edge struct {
		src     int32
		gain    float32
		enabled bool
		delay   *delayLine
		scratch []float32
		events  *eventDelay
		fb      []float32
	}

	feedbackEdge struct {
		src int32
		buf []float32
	}

	// paramCell double-buffers a parameter: the control side stores a pending
	// value, the real-time thread adopts it at the next cycle boundary.
	paramCell struct {
		pending atomic.Uint64
		dirty   atomic.Bool
		value   float64
	}

	cycle struct {
		rt     *Runtime
		block  *patchbay.Block
		off    int
		frames int
		frame  uint64
	}
)

// EffectiveLatency is the latency node n adds to the signals passing through
// it: the declared latency or the plugin's reported one, whichever is larger.
// Bypassed and disabled nodes add none.
func EffectiveLatency(n *patchbay.Node, st *NodeState) int {
	if n.Bypass || n.Disabled {
		return 0
	}
	l := n.Latency
	if st != nil && st.Plugin != nil {
		l = max(l, st.Plugin.Latency())
	}
	return l
}

// Compile validates g and compiles it for the given stream format. states
// holds the persistent state of plugin nodes (nodes missing from it get a
// fresh state); taps the recording taps of armed ports.
func Compile(g *patchbay.Graph, spec patchbay.AudioSpec, states map[patchbay.NodeID]*NodeState, taps map[patchbay.PortID]*Tap) (*Snapshot, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	sched, err := patchbay.NewSchedule(g)
	if err != nil {
		return nil, err
	}
	plan := patchbay.PlanLatency(g, sched.Order, func(n *patchbay.Node) int { return EffectiveLatency(n, states[n.ID]) })
	bs := spec.BlockSize
	s := &Snapshot{
		Version:   g.Version,
		Spec:      spec,
		Schedule:  sched,
		Latency:   plan,
		nodes:     make([]rtNode, len(sched.Order)),
		ports:     make([]rtPort, len(g.Ports)),
		pending:   make([]atomic.Int32, len(sched.Order)),
		ready:     NewQueue[int32](len(sched.Order)),
		portIndex: make(map[patchbay.PortID]int32, len(g.Ports)),
		nodeIndex: make(map[patchbay.NodeID]int32, len(sched.Order)),
	}
	for i, id := range sched.Order {
		s.nodeIndex[id] = int32(i)
	}
	signal, params := 0, 0
	for _, p := range g.Ports {
		if p.Type.Signal() {
			signal++
		}
		if p.Type == patchbay.Control && p.Dir == patchbay.In {
			params++
		}
	}
	arena := make([]float32, signal*bs)
	s.cells = make([]paramCell, params)
	params = 0
	for i, p := range g.Ports {
		rp := &s.ports[i]
		rp.id, rp.name, rp.typ, rp.dir, rp.param = p.ID, p.Name, p.Type, p.Dir, p.Param
		rp.node = s.nodeIndex[p.Node]
		rp.cell = -1
		rp.sent = math.NaN()
		if p.Type.Signal() {
			rp.buf = arena[:bs:bs]
			arena = arena[bs:]
		} else {
			rp.events = make([]patchbay.MIDIEvent, 0, MaxEvents)
		}
		if p.Type == patchbay.Control && p.Dir == patchbay.In {
			rp.cell = int32(params)
			s.cells[params].value = p.Value
			s.cells[params].pending.Store(math.Float64bits(p.Value))
			params++
		}
		if t := taps[p.ID]; t != nil {
			rp.tap = t
			s.taps = append(s.taps, int32(i))
		}
		s.portIndex[p.ID] = int32(i)
	}
	for ci, c := range g.Connections {
		si, di := s.portIndex[c.Src], s.portIndex[c.Dst]
		dst := &s.ports[di]
		e := edge{src: si, gain: c.Gain, enabled: c.Enabled}
		switch d := plan.Delay[ci]; {
		case c.Feedback:
			e.fb = make([]float32, bs)
			s.feedback = append(s.feedback, feedbackEdge{src: si, buf: e.fb})
		case d > 0 && dst.typ == patchbay.MIDI:
			e.events = newEventDelay(d, MaxEvents)
		case d > 0:
			e.delay = newDelayLine(d)
			e.scratch = make([]float32, bs)
		}
		dst.edges = append(dst.edges, e)
	}
	for i := range s.ports {
		if p := &s.ports[i]; p.typ == patchbay.MIDI && p.dir == patchbay.In {
			p.srcEvents = make([][]patchbay.MIDIEvent, len(p.edges))
			p.cursors = make([]int, len(p.edges))
		}
	}
	for i, id := range sched.Order {
		n := g.Node(id)
		rn := &s.nodes[i]
		rn.id, rn.kind, rn.channel = n.ID, n.Kind, n.Channel
		rn.bypass, rn.disabled = n.Bypass, n.Disabled
		rn.state = states[id]
		if rn.state == nil {
			rn.state = &NodeState{}
		}
		for _, pid := range n.Ports {
			pi := s.portIndex[pid]
			if s.ports[pi].dir == patchbay.In {
				rn.ins = append(rn.ins, pi)
			} else {
				rn.outs = append(rn.outs, pi)
			}
		}
		switch n.Kind {
		case patchbay.HardwareOut:
			s.sinks = append(s.sinks, int32(i))
		}
	}
	for _, c := range g.Connections {
		if c.Feedback {
			continue
		}
		src := s.ports[s.portIndex[c.Src]].node
		dst := s.ports[s.portIndex[c.Dst]].node
		if !slices.Contains(s.nodes[src].down, dst) {
			s.nodes[src].down = append(s.nodes[src].down, dst)
			s.nodes[dst].deps++
		}
	}
	for i := range s.nodes {
		if s.nodes[i].deps == 0 && s.nodes[i].kind == patchbay.HardwareIn {
			s.sources = append(s.sources, int32(i))
		}
	}
	for i := range s.nodes {
		if s.nodes[i].deps == 0 && s.nodes[i].kind != patchbay.HardwareIn {
			s.sources = append(s.sources, int32(i))
		}
	}
	for i := range s.nodes {
		p, err := newProcessor(s, &s.nodes[i])
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", s.nodes[i].id, err)
		}
		s.nodes[i].proc = p
	}
	if len(s.nodes) > 0 && len(s.sources) == 0 {
		panic("rt: corrupted schedule: acyclic graph without sources")
	}
	return s, nil
}

// SetParam stores a pending value for a Control input. The real-time thread
// picks it up at the start of its next cycle.
func (s *Snapshot) SetParam(id patchbay.PortID, v float64) bool {
	pi, ok := s.portIndex[id]
	if !ok || s.ports[pi].cell < 0 {
		return false
	}
	c := &s.cells[s.ports[pi].cell]
	c.pending.Store(math.Float64bits(v))
	c.dirty.Store(true)
	return true
}

// PortValue returns the latest value of a port: the parameter value of a
// Control input, the peak of the last block for other signal ports and the
// number of events in the last block for MIDI ports.
func (s *Snapshot) PortValue(id patchbay.PortID) (float64, bool) {
	pi, ok := s.portIndex[id]
	if !ok {
		return 0, false
	}
	p := &s.ports[pi]
	if p.cell >= 0 {
		return math.Float64frombits(s.cells[p.cell].pending.Load()), true
	}
	return float64(math.Float32frombits(p.meter.Load())), true
}

// NodeLatency returns the latency node id adds, as used for compensation.
func (s *Snapshot) NodeLatency(id patchbay.NodeID) (int, bool) {
	l, ok := s.Latency.Own[id]
	return l, ok
}

// State returns the persistent state of a node in this snapshot.
func (s *Snapshot) State(id patchbay.NodeID) *NodeState {
	if i, ok := s.nodeIndex[id]; ok {
		return s.nodes[i].state
	}
	return nil
}

func (s *Snapshot) adoptParams() {
	for i := range s.cells {
		c := &s.cells[i]
		if c.dirty.Swap(false) {
			c.value = math.Float64frombits(c.pending.Load())
		}
	}
}

func (s *Snapshot) reset() {
	for i := range s.nodes {
		s.pending[i].Store(s.nodes[i].deps)
	}
	s.completed.Store(0)
}
