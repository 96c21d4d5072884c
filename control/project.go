package control

import (
	"context"
	"fmt"
	"maps"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/rt"
)

// Project is everything needed to bring an engine back to where it was: the
// graph, the state of every plugin and the recorded regions.
type Project struct {
	Spec     patchbay.AudioSpec                    `yaml:"spec"`
	Graph    *patchbay.Graph                       `yaml:"graph"`
	States   map[patchbay.NodeID][]byte            `yaml:"states,omitempty"`
	Regions  []Region                              `yaml:"regions,omitempty"`
	NextNode patchbay.NodeID                       `yaml:"nextnode,omitempty"`
	NextPort patchbay.PortID                       `yaml:"nextport,omitempty"`
	Armed    map[patchbay.PortID]patchbay.PortType `yaml:"armed,omitempty"`
}

// Project captures the engine's project. Plugins whose state cannot be saved
// are stored without state.
func (e *Engine) Project(ctx context.Context) (*Project, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrClosed
	}
	p := &Project{
		Spec:     e.spec,
		Graph:    e.graph.Copy(),
		States:   map[patchbay.NodeID][]byte{},
		Regions:  append([]Region(nil), e.regions...),
		NextNode: e.nextNode,
		NextPort: e.nextPort,
		Armed:    maps.Clone(e.rec.armed),
	}
	for id, st := range e.states {
		if st.Plugin == nil {
			continue
		}
		state, err := e.host.SaveState(ctx, st.Plugin)
		if err != nil {
			e.log.Warn("saving project without plugin state", "node", id, "err", err)
			continue
		}
		p.States[id] = state
	}
	return p, nil
}

// LoadProject replaces the graph with the one of p, instantiating its plugins
// and restoring their states. The undo history is cleared. Plugins that fail
// to come up leave their nodes bypassed and disabled, exactly as when they
// are created by an action.
func (e *Engine) LoadProject(ctx context.Context, p *Project) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if p.Graph == nil {
		return fmt.Errorf("project without a graph")
	}
	if err := p.Graph.Validate(); err != nil {
		return err
	}
	if e.rec.recording() {
		return fmt.Errorf("cannot load a project while recording")
	}
	t := &tx{
		e:        e,
		ctx:      ctx,
		g:        p.Graph.Copy(),
		added:    map[patchbay.NodeID]*rt.NodeState{},
		dropped:  map[patchbay.NodeID]bool{},
		undoable: false,
	}
	for id := range e.states {
		t.dropped[id] = true
	}
	for _, n := range p.Graph.Nodes {
		t.instantiate(n.ID, p.States[n.ID])
	}
	for _, st := range e.states {
		t.retire = append(t.retire, st)
	}
	t.recompile = true
	if err := e.commit(t); err != nil {
		t.discard()
		return fmt.Errorf("could not load project: %w", err)
	}
	e.undo.Clear()
	e.metrics.undoDepth.Set(0)
	e.regions = append([]Region(nil), p.Regions...)
	e.rec.armed = maps.Clone(p.Armed)
	if e.rec.armed == nil {
		e.rec.armed = map[patchbay.PortID]patchbay.PortType{}
	}
	e.nextNode = max(p.NextNode, 1)
	e.nextPort = max(p.NextPort, 1)
	for _, n := range p.Graph.Nodes {
		e.nextNode = max(e.nextNode, n.ID+1)
	}
	for _, port := range p.Graph.Ports {
		e.nextPort = max(e.nextPort, port.ID+1)
	}
	e.emitFailures(t)
	return nil
}
