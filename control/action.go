package control

import (
	"context"
	"fmt"
	"strings"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/rt"
)

type (
	// Action is an edit of the graph. Applying an action yields its inverse,
	// which is what Undo applies later. The set of actions is closed.
	Action interface {
		fmt.Stringer
		apply(t *tx) (Action, error)
	}

	// CreateNode adds a node with its ports. Connections are restored after
	// the node has been added, at their recorded indices; State is handed to
	// the plugin of a plugin node once it has been instantiated. A CreateNode
	// with a zero node ID gets fresh IDs and a port layout from the engine
	// when dispatched; use Engine.NewNode to know the IDs beforehand.
	CreateNode struct {
		Node        patchbay.Node
		Ports       []patchbay.Port
		Channels    int
		Connections []patchbay.RemovedConnection
		State       []byte
	}

	// DeleteNode removes a node, its ports and every connection touching
	// them.
	DeleteNode struct {
		ID patchbay.NodeID
	}

	// Connect routes an output into an input. A zero Gain means unity.
	Connect struct {
		Src, Dst patchbay.PortID
		Gain     float32
		Feedback bool

		restore *patchbay.RemovedConnection
	}

	Disconnect struct {
		Src, Dst patchbay.PortID
	}

	// SetParam changes the value of a Control input. Values of plugin
	// parameters are clamped to the parameter's range. The graph is not
	// recompiled; the real-time thread picks the value up at its next cycle.
	SetParam struct {
		Port  patchbay.PortID
		Value float64
	}

	SetGain struct {
		Src, Dst patchbay.PortID
		Gain     float32
	}

	SetEnabled struct {
		Src, Dst patchbay.PortID
		Enabled  bool
	}

	SetBypass struct {
		Node   patchbay.NodeID
		Bypass bool
	}

	// SetLatency changes the declared latency of a node.
	SetLatency struct {
		Node    patchbay.NodeID
		Latency int
	}

	// Batch applies several actions as one: either all of them are applied
	// or none is.
	Batch struct {
		Actions []Action
	}

	// tx is the candidate state an action is applied to. Nothing in it is
	// visible to the real-time thread until the engine commits it.
	tx struct {
		e   *Engine
		ctx context.Context
		g   *patchbay.Graph

		added   map[patchbay.NodeID]*rt.NodeState
		dropped map[patchbay.NodeID]bool
		created []*rt.NodeState
		retire  []*rt.NodeState

		params    []paramChange
		recompile bool
		undoable  bool
		failed    []Event
	}

	paramChange struct {
		port  patchbay.PortID
		value float64
	}
)

// Port returns the ID of the port of the node called name, or 0.
func (a CreateNode) Port(name string) patchbay.PortID {
	for _, p := range a.Ports {
		if p.Name == name {
			return p.ID
		}
	}
	return 0
}

func (a CreateNode) apply(t *tx) (Action, error) {
	if a.Node.ID == 0 {
		return nil, fmt.Errorf("node without an id: %w", patchbay.ErrUnknownNode)
	}
	if err := t.g.AddNode(a.Node, a.Ports); err != nil {
		return nil, err
	}
	t.g.RestoreConnections(a.Connections)
	t.instantiate(a.Node.ID, a.State)
	t.recompile = true
	return DeleteNode{ID: a.Node.ID}, nil
}

func (a DeleteNode) apply(t *tx) (Action, error) {
	st := t.state(a.ID)
	node, ports, removed, err := t.g.RemoveNode(a.ID)
	if err != nil {
		return nil, err
	}
	inv := CreateNode{Node: node, Ports: ports, Connections: removed}
	if node.Kind == patchbay.PluginNode {
		if st == nil || st.Plugin == nil {
			t.undoable = false
		} else if inv.State, err = t.e.host.SaveState(t.ctx, st.Plugin); err != nil {
			t.e.log.Warn("deleting node without its plugin state", "node", a.ID, "err", err)
			t.undoable = false
		}
	}
	t.drop(a.ID)
	t.recompile = true
	return inv, nil
}

func (a Connect) apply(t *tx) (Action, error) {
	c := patchbay.Connection{Src: a.Src, Dst: a.Dst, Gain: a.Gain, Enabled: true, Feedback: a.Feedback}
	if c.Gain == 0 {
		c.Gain = 1
	}
	idx := -1
	if a.restore != nil {
		c, idx = a.restore.Connection, a.restore.Index
	}
	if err := t.g.CheckConnect(c); err != nil {
		return nil, err
	}
	t.g.InsertConnection(idx, c)
	t.recompile = true
	return Disconnect{Src: a.Src, Dst: a.Dst}, nil
}

func (a Disconnect) apply(t *tx) (Action, error) {
	r, err := t.g.RemoveConnection(a.Src, a.Dst)
	if err != nil {
		return nil, fmt.Errorf("cannot disconnect port %d from port %d: %w", a.Src, a.Dst, err)
	}
	t.recompile = true
	return Connect{Src: a.Src, Dst: a.Dst, Gain: r.Connection.Gain, Feedback: r.Connection.Feedback, restore: &r}, nil
}

func (a SetParam) apply(t *tx) (Action, error) {
	p := t.g.Port(a.Port)
	if p == nil {
		return nil, fmt.Errorf("port %d: %w", a.Port, patchbay.ErrUnknownPort)
	}
	if p.Type != patchbay.Control || p.Dir != patchbay.In {
		return nil, fmt.Errorf("port %d (%s): %w", a.Port, p.Name, ErrNotParameter)
	}
	v := a.Value
	if n := t.g.Node(p.Node); n != nil && n.Plugin != nil && p.Param >= 0 && p.Param < len(n.Plugin.Params) {
		info := n.Plugin.Params[p.Param]
		if info.Max > info.Min {
			v = min(max(v, info.Min), info.Max)
		}
	}
	old := p.Value
	p.Value = v
	t.params = append(t.params, paramChange{port: a.Port, value: v})
	return SetParam{Port: a.Port, Value: old}, nil
}

func (a SetGain) apply(t *tx) (Action, error) {
	c, err := t.connection(a.Src, a.Dst)
	if err != nil {
		return nil, err
	}
	old := c.Gain
	c.Gain = a.Gain
	t.recompile = true
	return SetGain{Src: a.Src, Dst: a.Dst, Gain: old}, nil
}

func (a SetEnabled) apply(t *tx) (Action, error) {
	c, err := t.connection(a.Src, a.Dst)
	if err != nil {
		return nil, err
	}
	old := c.Enabled
	c.Enabled = a.Enabled
	t.recompile = true
	return SetEnabled{Src: a.Src, Dst: a.Dst, Enabled: old}, nil
}

func (a SetBypass) apply(t *tx) (Action, error) {
	n := t.g.Node(a.Node)
	if n == nil {
		return nil, fmt.Errorf("node %d: %w", a.Node, patchbay.ErrUnknownNode)
	}
	old := n.Bypass
	n.Bypass = a.Bypass
	t.recompile = true
	return SetBypass{Node: a.Node, Bypass: old}, nil
}

func (a SetLatency) apply(t *tx) (Action, error) {
	n := t.g.Node(a.Node)
	if n == nil {
		return nil, fmt.Errorf("node %d: %w", a.Node, patchbay.ErrUnknownNode)
	}
	if a.Latency < 0 {
		return nil, fmt.Errorf("negative latency %d for node %d", a.Latency, a.Node)
	}
	old := n.Latency
	n.Latency = a.Latency
	t.recompile = true
	return SetLatency{Node: a.Node, Latency: old}, nil
}

func (a Batch) apply(t *tx) (Action, error) {
	inverses := make([]Action, 0, len(a.Actions))
	for i, sub := range a.Actions {
		inv, err := sub.apply(t)
		if err != nil {
			for j := len(inverses) - 1; j >= 0; j-- {
				// the candidate is thrown away anyway; rolling back keeps
				// it consistent for whoever inspects it
				inverses[j].apply(t)
			}
			return nil, fmt.Errorf("batch action %d (%v): %w", i, sub, err)
		}
		inverses = append(inverses, inv)
	}
	for i, j := 0, len(inverses)-1; i < j; i, j = i+1, j-1 {
		inverses[i], inverses[j] = inverses[j], inverses[i]
	}
	return Batch{Actions: inverses}, nil
}

func (a CreateNode) String() string {
	if a.Node.Plugin != nil {
		return fmt.Sprintf("create %v node %d %q (%s)", a.Node.Kind, a.Node.ID, a.Node.Name, a.Node.Plugin.URI)
	}
	return fmt.Sprintf("create %v node %d %q", a.Node.Kind, a.Node.ID, a.Node.Name)
}

func (a DeleteNode) String() string { return fmt.Sprintf("delete node %d", a.ID) }

func (a Connect) String() string {
	if a.Feedback {
		return fmt.Sprintf("connect %d -> %d (feedback)", a.Src, a.Dst)
	}
	return fmt.Sprintf("connect %d -> %d", a.Src, a.Dst)
}

func (a Disconnect) String() string { return fmt.Sprintf("disconnect %d -> %d", a.Src, a.Dst) }
func (a SetParam) String() string   { return fmt.Sprintf("set port %d to %g", a.Port, a.Value) }
func (a SetGain) String() string    { return fmt.Sprintf("set gain %d -> %d to %g", a.Src, a.Dst, a.Gain) }

func (a SetEnabled) String() string {
	if a.Enabled {
		return fmt.Sprintf("enable %d -> %d", a.Src, a.Dst)
	}
	return fmt.Sprintf("disable %d -> %d", a.Src, a.Dst)
}

func (a SetBypass) String() string {
	if a.Bypass {
		return fmt.Sprintf("bypass node %d", a.Node)
	}
	return fmt.Sprintf("unbypass node %d", a.Node)
}

func (a SetLatency) String() string {
	return fmt.Sprintf("set latency of node %d to %d", a.Node, a.Latency)
}

func (a Batch) String() string {
	parts := make([]string, len(a.Actions))
	for i, sub := range a.Actions {
		parts[i] = sub.String()
	}
	return "batch [" + strings.Join(parts, "; ") + "]"
}

func (t *tx) connection(src, dst patchbay.PortID) (*patchbay.Connection, error) {
	i := t.g.ConnectionIndex(src, dst)
	if i < 0 {
		return nil, fmt.Errorf("port %d to port %d: %w", src, dst, patchbay.ErrNotConnected)
	}
	return &t.g.Connections[i], nil
}

// state returns the node state id has in the candidate.
func (t *tx) state(id patchbay.NodeID) *rt.NodeState {
	if st, ok := t.added[id]; ok {
		return st
	}
	if t.dropped[id] {
		return nil
	}
	return t.e.states[id]
}

func (t *tx) drop(id patchbay.NodeID) {
	if st := t.state(id); st != nil {
		t.retire = append(t.retire, st)
	}
	delete(t.added, id)
	t.dropped[id] = true
}

// instantiate gives a freshly added node its state. A plugin that cannot be
// instantiated leaves the node bypassed and disabled.
func (t *tx) instantiate(id patchbay.NodeID, state []byte) {
	st := &rt.NodeState{}
	t.created = append(t.created, st)
	t.added[id] = st
	n := t.g.Node(id)
	if n.Kind != patchbay.PluginNode || n.Plugin == nil {
		return
	}
	h := t.e.host
	p, err := h.Instantiate(t.ctx, *n.Plugin, t.e.spec)
	if err == nil && state != nil {
		if err = h.RestoreState(t.ctx, p, state); err != nil {
			h.Close(p)
		}
	}
	if err != nil {
		n.Bypass, n.Disabled = true, true
		t.failed = append(t.failed, Event{Kind: PluginFailed, Node: id, Err: err})
		return
	}
	st.Plugin = p
}

// states returns the node states of the candidate graph.
func (t *tx) states() map[patchbay.NodeID]*rt.NodeState {
	ret := make(map[patchbay.NodeID]*rt.NodeState, len(t.g.Nodes))
	for _, n := range t.g.Nodes {
		if st := t.state(n.ID); st != nil {
			ret[n.ID] = st
		}
	}
	return ret
}

// discard closes the plugins instantiated for a candidate that is not
// committed.
func (t *tx) discard() {
	for _, st := range t.created {
		if st.Plugin != nil {
			t.e.host.Close(st.Plugin)
		}
	}
}
