package patchbay

import (
	"fmt"
)

// Validate checks the structural invariants of the graph: every port belongs
// to an existing node and vice versa, every connection joins an output to an
// input of the same type, and the graph has no cycles other than through
// feedback connections.
func (g *Graph) Validate() error {
	for i, n := range g.Nodes {
		if i > 0 && g.Nodes[i-1].ID >= n.ID {
			return &GraphError{Kind: DuplicateID, Node: n.ID, Msg: "nodes not sorted by id"}
		}
		for _, pid := range n.Ports {
			p := g.Port(pid)
			if p == nil {
				return &GraphError{Kind: UnknownPort, Node: n.ID, Port: pid, Msg: "node lists a port that does not exist"}
			}
			if p.Node != n.ID {
				return &GraphError{Kind: UnknownPort, Node: n.ID, Port: pid, Msg: "node lists a port of another node"}
			}
		}
		if n.Kind == PluginNode && n.Plugin == nil {
			return &GraphError{Kind: UnknownNode, Node: n.ID, Msg: "plugin node without a plugin descriptor"}
		}
	}
	for i, p := range g.Ports {
		if i > 0 && g.Ports[i-1].ID >= p.ID {
			return &GraphError{Kind: DuplicateID, Port: p.ID, Msg: "ports not sorted by id"}
		}
		if g.Node(p.Node) == nil {
			return &GraphError{Kind: UnknownNode, Node: p.Node, Port: p.ID, Msg: "port of a node that does not exist"}
		}
	}
	seen := make(map[[2]PortID]bool, len(g.Connections))
	for _, c := range g.Connections {
		if err := g.checkEndpoints(c); err != nil {
			return err
		}
		key := [2]PortID{c.Src, c.Dst}
		if seen[key] {
			return &GraphError{Kind: DuplicateID, Port: c.Dst, Msg: fmt.Sprintf("duplicate connection from port %d", c.Src)}
		}
		seen[key] = true
	}
	if _, err := g.topologicalOrder(); err != nil {
		return err
	}
	return nil
}

// CheckConnect tells whether c could be added to the graph. The error wraps
// ErrUnknownPort, ErrIncompatibleTypes, ErrAlreadyConnected or
// ErrCycleDetected.
func (g *Graph) CheckConnect(c Connection) error {
	if err := g.checkEndpoints(c); err != nil {
		return fmt.Errorf("cannot connect port %d to port %d: %w", c.Src, c.Dst, err)
	}
	if g.ConnectionIndex(c.Src, c.Dst) >= 0 {
		return fmt.Errorf("cannot connect port %d to port %d: %w", c.Src, c.Dst, ErrAlreadyConnected)
	}
	if c.Feedback {
		return nil
	}
	src, dst := g.Port(c.Src), g.Port(c.Dst)
	if src.Node == dst.Node || g.Reachable(dst.Node, src.Node) {
		return fmt.Errorf("cannot connect port %d to port %d: %w", c.Src, c.Dst, ErrCycleDetected)
	}
	return nil
}

func (g *Graph) checkEndpoints(c Connection) error {
	src, dst := g.Port(c.Src), g.Port(c.Dst)
	if src == nil {
		return &GraphError{Kind: UnknownPort, Port: c.Src, Msg: "connection from a port that does not exist"}
	}
	if dst == nil {
		return &GraphError{Kind: UnknownPort, Port: c.Dst, Msg: "connection to a port that does not exist"}
	}
	if src.Dir != Out || dst.Dir != In {
		return &GraphError{Kind: TypeMismatch, Port: c.Dst, Msg: fmt.Sprintf("connection must go from an output to an input, got %v to %v", src.Dir, dst.Dir)}
	}
	if src.Type != dst.Type {
		return &GraphError{Kind: TypeMismatch, Port: c.Dst, Msg: fmt.Sprintf("cannot connect %v output to %v input", src.Type, dst.Type)}
	}
	if c.Feedback && !src.Type.Signal() {
		return &GraphError{Kind: TypeMismatch, Port: c.Dst, Msg: "midi connections cannot be feedback connections"}
	}
	return nil
}
