package patchbay

import (
	"slices"
)

type (
	// Schedule is a topological ordering of the graph's nodes. Chains groups
	// the order into maximal runs where each node is the only consumer of its
	// predecessor and that predecessor is its only producer; a chain can be run
	// start to finish by one worker without synchronization. The worker pool
	// does not use Chains: it releases nodes by dependency count, which runs
	// a chain on one worker anyway. Chains is kept for inspection.
	Schedule struct {
		Order  []NodeID
		Chains [][]NodeID
	}

	// LatencyPlan is the result of latency compensation. Own is the latency a
	// node adds itself, Input the latency of the signals arriving at the node
	// once aligned and Output = Input + Own. Delay has one entry per
	// connection (same index as Graph.Connections): the number of samples the
	// connection must be delayed so that all inputs of its destination line
	// up. Feedback connections are never delayed.
	LatencyPlan struct {
		Own    map[NodeID]int
		Input  map[NodeID]int
		Output map[NodeID]int
		Delay  []int
	}
)

// NewSchedule orders the nodes with Kahn's algorithm. When several nodes are
// ready at the same time, the one with the smallest ID goes first, so the
// result is deterministic. Feedback connections are ignored.
func NewSchedule(g *Graph) (*Schedule, error) {
	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	down := g.adjacency()
	s := &Schedule{Order: order}
	chainOf := make(map[NodeID]int, len(order))
	for _, n := range order {
		if up := g.Upstream(n); len(up) == 1 && len(down[up[0]]) == 1 {
			c := chainOf[up[0]]
			s.Chains[c] = append(s.Chains[c], n)
			chainOf[n] = c
			continue
		}
		chainOf[n] = len(s.Chains)
		s.Chains = append(s.Chains, []NodeID{n})
	}
	return s, nil
}

func (g *Graph) topologicalOrder() ([]NodeID, error) {
	down := g.adjacency()
	indegree := make(map[NodeID]int, len(g.Nodes))
	for _, ds := range down {
		for _, d := range ds {
			indegree[d]++
		}
	}
	var ready []NodeID
	for _, n := range g.Nodes { // g.Nodes is sorted, so ready starts sorted
		if indegree[n.ID] == 0 {
			ready = append(ready, n.ID)
		}
	}
	order := make([]NodeID, 0, len(g.Nodes))
	for len(ready) > 0 {
		n := ready[0]
		ready = ready[1:]
		order = append(order, n)
		for _, d := range down[n] {
			indegree[d]--
			if indegree[d] == 0 {
				i, _ := slices.BinarySearch(ready, d)
				ready = slices.Insert(ready, i, d)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		for _, n := range g.Nodes {
			if indegree[n.ID] > 0 {
				return nil, &GraphError{Kind: Cycle, Node: n.ID, Msg: "graph contains a cycle"}
			}
		}
		return nil, &GraphError{Kind: Cycle, Msg: "graph contains a cycle"}
	}
	return order, nil
}

// PlanLatency computes latency compensation for the graph. own returns the
// latency a node adds; order must be a topological order of g.
func PlanLatency(g *Graph, order []NodeID, own func(n *Node) int) LatencyPlan {
	p := LatencyPlan{
		Own:    make(map[NodeID]int, len(order)),
		Input:  make(map[NodeID]int, len(order)),
		Output: make(map[NodeID]int, len(order)),
		Delay:  make([]int, len(g.Connections)),
	}
	incoming := make(map[NodeID][]int, len(order))
	for i, c := range g.Connections {
		if c.Feedback {
			continue
		}
		src, dst := g.Port(c.Src), g.Port(c.Dst)
		if src == nil || dst == nil {
			continue
		}
		incoming[dst.Node] = append(incoming[dst.Node], i)
	}
	for _, id := range order {
		in := 0
		for _, ci := range incoming[id] {
			src := g.Port(g.Connections[ci].Src)
			in = max(in, p.Output[src.Node])
		}
		l := max(own(g.Node(id)), 0)
		p.Own[id] = l
		p.Input[id] = in
		p.Output[id] = in + l
		for _, ci := range incoming[id] {
			src := g.Port(g.Connections[ci].Src)
			p.Delay[ci] = in - p.Output[src.Node]
		}
	}
	return p
}
