package rt_test

import (
	"errors"
	"testing"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/rt"
)

type builder struct {
	g      *patchbay.Graph
	states map[patchbay.NodeID]*rt.NodeState
	node   patchbay.NodeID
	port   patchbay.PortID
}

func newBuilder() *builder {
	return &builder{g: &patchbay.Graph{}, states: map[patchbay.NodeID]*rt.NodeState{}}
}

func (b *builder) add(t *testing.T, kind patchbay.NodeKind, channels int, d *patchbay.PluginDescriptor, p patchbay.Plugin) patchbay.NodeID {
	t.Helper()
	specs, err := patchbay.PortLayout(kind, channels, d)
	if err != nil {
		t.Fatalf("PortLayout failed: %v", err)
	}
	b.node++
	n := patchbay.Node{ID: b.node, Kind: kind, Plugin: d}
	ports := n.AttachPorts(specs, b.port+1)
	b.port += patchbay.PortID(len(ports))
	if err := b.g.AddNode(n, ports); err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if p != nil {
		b.states[n.ID] = &rt.NodeState{Plugin: p}
	}
	return n.ID
}

func (b *builder) plugin(t *testing.T, p patchbay.Plugin) patchbay.NodeID {
	t.Helper()
	return b.add(t, patchbay.PluginNode, 0, &patchbay.PluginDescriptor{Format: "test", Name: "test", AudioIn: 1, AudioOut: 1}, p)
}

func (b *builder) portID(t *testing.T, n patchbay.NodeID, name string) patchbay.PortID {
	t.Helper()
	p := b.g.PortByName(n, name)
	if p == nil {
		t.Fatalf("node %d has no port %q", n, name)
	}
	return p.ID
}

func (b *builder) connect(t *testing.T, src patchbay.NodeID, srcPort string, dst patchbay.NodeID, dstPort string, gain float32) {
	t.Helper()
	c := patchbay.Connection{Src: b.portID(t, src, srcPort), Dst: b.portID(t, dst, dstPort), Gain: gain, Enabled: true}
	if err := b.g.CheckConnect(c); err != nil {
		t.Fatalf("CheckConnect failed: %v", err)
	}
	b.g.Connections = append(b.g.Connections, c)
}

func (b *builder) compile(t *testing.T, spec patchbay.AudioSpec, taps map[patchbay.PortID]*rt.Tap) *rt.Snapshot {
	t.Helper()
	s, err := rt.Compile(b.g, spec, b.states, taps)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return s
}

// copyPlugin copies its input to its output and counts the calls.
type copyPlugin struct {
	calls   int
	latency int
	params  []float64
}

func (p *copyPlugin) Process(b *patchbay.PluginBuffers) error {
	p.calls++
	for k := range b.Out {
		if k < len(b.In) {
			copy(b.Out[k], b.In[k])
		}
	}
	b.OutEvents = append(b.OutEvents, b.Events...)
	return nil
}

func (p *copyPlugin) SetParam(i int, v float64) {
	for len(p.params) <= i {
		p.params = append(p.params, 0)
	}
	p.params[i] = v
}

func (p *copyPlugin) Latency() int { return p.latency }
func (p *copyPlugin) Prepare(patchbay.AudioSpec) error { return nil }
func (p *copyPlugin) SaveState() ([]byte, error) { return nil, nil }
func (p *copyPlugin) RestoreState([]byte) error { return nil }
func (p *copyPlugin) Close() error { return nil }

// delayPlugin delays its input by a fixed number of samples and reports that
// as its latency.
type delayPlugin struct {
	copyPlugin
	buf []float32
	pos int
}

func newDelayPlugin(samples int) *delayPlugin {
	return &delayPlugin{copyPlugin: copyPlugin{latency: samples}, buf: make([]float32, samples)}
}

func (p *delayPlugin) Process(b *patchbay.PluginBuffers) error {
	p.calls++
	for i, x := range b.In[0] {
		b.Out[0][i] = p.buf[p.pos]
		p.buf[p.pos] = x
		p.pos = (p.pos + 1) % len(p.buf)
	}
	return nil
}

// crashPlugin works for the given number of calls and then panics or fails.
type crashPlugin struct {
	copyPlugin
	after int
	panic bool
}

func (p *crashPlugin) Process(b *patchbay.PluginBuffers) error {
	if p.calls >= p.after {
		p.calls++
		if p.panic {
			var m map[string]int
			m["boom"]++
		}
		return errors.New("crashPlugin failed")
	}
	return p.copyPlugin.Process(b)
}
