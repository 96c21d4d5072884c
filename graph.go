package patchbay

import (
	"maps"
	"slices"
)

type (
	// NodeID identifies a Node in a Graph. IDs are handed out by the engine
	// and never reused during its lifetime; 0 is never a valid ID.
	NodeID uint32

	// PortID identifies a Port. Port IDs are unique across the whole Graph,
	// not only within their Node.
	PortID uint32

	// Graph is the routing topology: nodes, their typed ports and the
	// connections between them. A Graph value is treated as immutable once it
	// has been published to the real-time side; all edits happen on a Copy.
	//
	// Nodes and Ports are kept sorted by ID. Connections are kept in the order
	// they were registered, which is also the order inputs are mixed and MIDI
	// events with equal timestamps are merged.
	Graph struct {
		Nodes       []Node       `yaml:",omitempty"`
		Ports       []Port       `yaml:",omitempty"`
		Connections []Connection `yaml:",omitempty"`

		// Version is bumped on every committed structural change.
		Version uint64 `yaml:"-"`
	}

	// Node is one processing element in the graph. What the node does is
	// determined by Kind; Track, Channel, Fader and Send nodes scale their
	// audio by a gain parameter, Plugin nodes delegate to a hosted Plugin and
	// the hardware nodes connect the graph to the backend's channels.
	Node struct {
		ID    NodeID
		Kind  NodeKind
		Name  string   `yaml:",omitempty"`
		Ports []PortID `yaml:",flow"`

		// Latency is the declared processing latency in samples. For plugin
		// nodes, the larger of this and the plugin's reported latency is used.
		Latency int `yaml:",omitempty"`

		Bypass   bool `yaml:",omitempty"`
		Disabled bool `yaml:",omitempty"`

		// Channel is the first backend channel used by a hardware node. Its
		// audio ports map to consecutive channels starting from this one.
		Channel int `yaml:",omitempty"`

		Plugin *PluginDescriptor `yaml:",omitempty"`
	}

	// Port is a typed, directional endpoint of a Node. Value is the parameter
	// value of a Control input; it is what the port carries when nothing is
	// connected to it. Param maps a Control input of a plugin node to the
	// plugin's parameter index; it is -1 for ports not backed by a plugin
	// parameter.
	Port struct {
		ID    PortID
		Node  NodeID
		Name  string
		Type  PortType
		Dir   Direction
		Value float64 `yaml:",omitempty"`
		Param int
	}

	// Connection routes the output port Src into the input port Dst, scaled by
	// Gain. Disabled connections stay in the graph but carry nothing. Feedback
	// connections may close a cycle; the destination reads what the source
	// produced during the previous cycle.
	Connection struct {
		Src      PortID
		Dst      PortID
		Gain     float32
		Enabled  bool
		Feedback bool `yaml:",omitempty"`
	}
)

// Copy returns a deep copy of the graph that shares no memory with the
// original.
func (g *Graph) Copy() *Graph {
	ret := &Graph{
		Nodes:       make([]Node, len(g.Nodes)),
		Ports:       slices.Clone(g.Ports),
		Connections: slices.Clone(g.Connections),
		Version:     g.Version,
	}
	for i, n := range g.Nodes {
		ret.Nodes[i] = n.Copy()
	}
	return ret
}

// Copy returns a deep copy of the node.
func (n Node) Copy() Node {
	n.Ports = slices.Clone(n.Ports)
	if n.Plugin != nil {
		d := n.Plugin.Copy()
		n.Plugin = &d
	}
	return n
}

// Equal reports whether two graphs have identical topology, ignoring Version.
func (g *Graph) Equal(o *Graph) bool {
	if len(g.Nodes) != len(o.Nodes) || len(g.Ports) != len(o.Ports) || len(g.Connections) != len(o.Connections) {
		return false
	}
	for i := range g.Nodes {
		if !g.Nodes[i].Equal(o.Nodes[i]) {
			return false
		}
	}
	return slices.Equal(g.Ports, o.Ports) && slices.Equal(g.Connections, o.Connections)
}

func (n Node) Equal(o Node) bool {
	if n.ID != o.ID || n.Kind != o.Kind || n.Name != o.Name || n.Latency != o.Latency ||
		n.Bypass != o.Bypass || n.Disabled != o.Disabled || n.Channel != o.Channel {
		return false
	}
	if !slices.Equal(n.Ports, o.Ports) {
		return false
	}
	if (n.Plugin == nil) != (o.Plugin == nil) {
		return false
	}
	return n.Plugin == nil || n.Plugin.Equal(*o.Plugin)
}

// Node returns a pointer to the node with the given id, or nil. The pointer
// is only valid until the next structural change of g.
func (g *Graph) Node(id NodeID) *Node {
	if i, ok := slices.BinarySearchFunc(g.Nodes, id, func(n Node, id NodeID) int { return cmpID(n.ID, id) }); ok {
		return &g.Nodes[i]
	}
	return nil
}

// Port returns a pointer to the port with the given id, or nil.
func (g *Graph) Port(id PortID) *Port {
	if i, ok := slices.BinarySearchFunc(g.Ports, id, func(p Port, id PortID) int { return cmpID(p.ID, id) }); ok {
		return &g.Ports[i]
	}
	return nil
}

// PortByName returns the port of node n called name, or nil.
func (g *Graph) PortByName(n NodeID, name string) *Port {
	node := g.Node(n)
	if node == nil {
		return nil
	}
	for _, id := range node.Ports {
		if p := g.Port(id); p != nil && p.Name == name {
			return p
		}
	}
	return nil
}

// ConnectionIndex returns the index of the connection from src to dst in
// g.Connections, or -1.
func (g *Graph) ConnectionIndex(src, dst PortID) int {
	return slices.IndexFunc(g.Connections, func(c Connection) bool { return c.Src == src && c.Dst == dst })
}

// Incoming returns the indices of the connections feeding port p, in
// registration order.
func (g *Graph) Incoming(p PortID) []int {
	var ret []int
	for i, c := range g.Connections {
		if c.Dst == p {
			ret = append(ret, i)
		}
	}
	return ret
}

// AddNode inserts a node and its ports. The ports must all belong to the node
// and none of the IDs may exist already.
func (g *Graph) AddNode(n Node, ports []Port) error {
	if n.ID == 0 {
		return &GraphError{Kind: UnknownNode, Node: n.ID, Msg: "node id 0 is reserved"}
	}
	if g.Node(n.ID) != nil {
		return &GraphError{Kind: DuplicateID, Node: n.ID, Msg: "node already exists"}
	}
	for _, p := range ports {
		if p.Node != n.ID {
			return &GraphError{Kind: UnknownNode, Node: p.Node, Port: p.ID, Msg: "port belongs to a different node"}
		}
		if p.ID == 0 || g.Port(p.ID) != nil {
			return &GraphError{Kind: DuplicateID, Port: p.ID, Msg: "port already exists"}
		}
	}
	i, _ := slices.BinarySearchFunc(g.Nodes, n.ID, func(n Node, id NodeID) int { return cmpID(n.ID, id) })
	g.Nodes = slices.Insert(g.Nodes, i, n.Copy())
	for _, p := range ports {
		j, _ := slices.BinarySearchFunc(g.Ports, p.ID, func(p Port, id PortID) int { return cmpID(p.ID, id) })
		g.Ports = slices.Insert(g.Ports, j, p)
	}
	return nil
}

// RemovedConnection remembers where a connection was in the registration
// order, so that it can be put back exactly where it was.
type RemovedConnection struct {
	Index      int
	Connection Connection
}

// RemoveNode deletes a node, its ports and every connection touching those
// ports. It returns what was removed; connections are listed in ascending
// Index order.
func (g *Graph) RemoveNode(id NodeID) (Node, []Port, []RemovedConnection, error) {
	i, ok := slices.BinarySearchFunc(g.Nodes, id, func(n Node, id NodeID) int { return cmpID(n.ID, id) })
	if !ok {
		return Node{}, nil, nil, &GraphError{Kind: UnknownNode, Node: id, Msg: "no such node"}
	}
	node := g.Nodes[i]
	g.Nodes = slices.Delete(g.Nodes, i, i+1)
	owned := make(map[PortID]bool, len(node.Ports))
	for _, p := range node.Ports {
		owned[p] = true
	}
	var removed []RemovedConnection
	kept := g.Connections[:0]
	for idx, c := range g.Connections {
		if owned[c.Src] || owned[c.Dst] {
			removed = append(removed, RemovedConnection{Index: idx, Connection: c})
			continue
		}
		kept = append(kept, c)
	}
	g.Connections = kept
	var ports []Port
	g.Ports = slices.DeleteFunc(g.Ports, func(p Port) bool {
		if owned[p.ID] {
			ports = append(ports, p)
			return true
		}
		return false
	})
	return node, ports, removed, nil
}

// RestoreConnections puts connections back at the indices they were removed
// from. rs must be sorted by Index.
func (g *Graph) RestoreConnections(rs []RemovedConnection) {
	for _, r := range rs {
		idx := min(r.Index, len(g.Connections))
		g.Connections = slices.Insert(g.Connections, idx, r.Connection)
	}
}

// InsertConnection adds c at index idx of the registration order, or at the
// end if idx is out of range. It does no validation.
func (g *Graph) InsertConnection(idx int, c Connection) {
	if idx < 0 || idx > len(g.Connections) {
		idx = len(g.Connections)
	}
	g.Connections = slices.Insert(g.Connections, idx, c)
}

// RemoveConnection deletes the connection from src to dst and returns it
// together with its former index.
func (g *Graph) RemoveConnection(src, dst PortID) (RemovedConnection, error) {
	i := g.ConnectionIndex(src, dst)
	if i < 0 {
		return RemovedConnection{}, ErrNotConnected
	}
	c := g.Connections[i]
	g.Connections = slices.Delete(g.Connections, i, i+1)
	return RemovedConnection{Index: i, Connection: c}, nil
}

// Upstream returns the IDs of nodes feeding node n through non-feedback
// connections, without duplicates, in ascending order.
func (g *Graph) Upstream(n NodeID) []NodeID {
	set := map[NodeID]bool{}
	for _, c := range g.Connections {
		if c.Feedback {
			continue
		}
		dst := g.Port(c.Dst)
		src := g.Port(c.Src)
		if dst == nil || src == nil || dst.Node != n {
			continue
		}
		set[src.Node] = true
	}
	return slices.Sorted(maps.Keys(set))
}

// Reachable reports whether node to can be reached from node from by
// following non-feedback connections downstream.
func (g *Graph) Reachable(from, to NodeID) bool {
	down := g.adjacency()
	seen := map[NodeID]bool{from: true}
	stack := []NodeID{from}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n == to {
			return true
		}
		for _, d := range down[n] {
			if !seen[d] {
				seen[d] = true
				stack = append(stack, d)
			}
		}
	}
	return false
}

// adjacency maps every node to its distinct downstream nodes, in ascending
// order, ignoring feedback connections and dangling ports.
func (g *Graph) adjacency() map[NodeID][]NodeID {
	down := make(map[NodeID][]NodeID, len(g.Nodes))
	for _, c := range g.Connections {
		if c.Feedback {
			continue
		}
		src, dst := g.Port(c.Src), g.Port(c.Dst)
		if src == nil || dst == nil {
			continue
		}
		if !slices.Contains(down[src.Node], dst.Node) {
			down[src.Node] = append(down[src.Node], dst.Node)
		}
	}
	for k := range down {
		slices.Sort(down[k])
	}
	return down
}

func cmpID[T ~uint32](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
