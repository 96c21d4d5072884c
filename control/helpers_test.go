package control_test

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/control"
	"github.com/patchbay-audio/patchbay/plugin"
	"github.com/patchbay-audio/patchbay/plugin/builtin"
)

var spec = patchbay.AudioSpec{SampleRate: 48000, BlockSize: 256, Inputs: 2, Outputs: 2}

// testFormat serves plugins that misbehave on purpose.
type testFormat struct {
	hang chan struct{}
}

type panicky struct {
	calls int
	after int
}

// stateless passes audio through but cannot save its state.
type stateless struct{}

var (
	panickyDescriptor   = patchbay.PluginDescriptor{Format: "test", URI: "panic", AudioIn: 1, AudioOut: 1}
	hangingDescriptor   = patchbay.PluginDescriptor{Format: "test", URI: "hang", AudioIn: 1, AudioOut: 1}
	statelessDescriptor = patchbay.PluginDescriptor{Format: "test", URI: "stateless", AudioIn: 1, AudioOut: 1}
)

func (testFormat) Name() string { return "test" }

func (f testFormat) Instantiate(d patchbay.PluginDescriptor, spec patchbay.AudioSpec) (patchbay.Plugin, error) {
	switch d.URI {
	case "hang":
		<-f.hang
		return nil, errors.New("gave up")
	case "panic":
		return &panicky{after: 2}, nil
	case "stateless":
		return stateless{}, nil
	}
	return nil, fmt.Errorf("unknown test plugin %q", d.URI)
}

func (p *panicky) Process(b *patchbay.PluginBuffers) error {
	p.calls++
	if p.calls > p.after {
		var m map[int]int
		m[0] = 1
	}
	copy(b.Out[0], b.In[0])
	return nil
}

func (p *panicky) SetParam(int, float64)            {}
func (p *panicky) Latency() int                     { return 0 }
func (p *panicky) Prepare(patchbay.AudioSpec) error { return nil }
func (p *panicky) SaveState() ([]byte, error)       { return nil, nil }
func (p *panicky) RestoreState([]byte) error        { return nil }
func (p *panicky) Close() error                     { return nil }

func (stateless) Process(b *patchbay.PluginBuffers) error {
	copy(b.Out[0], b.In[0])
	return nil
}

func (stateless) SetParam(int, float64)            {}
func (stateless) Latency() int                     { return 0 }
func (stateless) Prepare(patchbay.AudioSpec) error { return nil }
func (stateless) SaveState() ([]byte, error)       { return nil, errors.New("no state") }
func (stateless) RestoreState([]byte) error        { return nil }
func (stateless) Close() error                     { return nil }

func newEngine(t *testing.T, cfg control.Config) *control.Engine {
	t.Helper()
	hang := make(chan struct{})
	t.Cleanup(func() { close(hang) })
	timeout := cfg.PluginTimeout
	if timeout == 0 {
		timeout = time.Second
	}
	host := plugin.NewHost(timeout)
	host.Register(builtin.Format{})
	host.Register(testFormat{hang: hang})
	if cfg.SampleRate == 0 {
		cfg.SampleRate, cfg.BlockSize, cfg.Inputs, cfg.Outputs = spec.SampleRate, spec.BlockSize, spec.Inputs, spec.Outputs
	}
	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := control.New(cfg, host)
	if err != nil {
		t.Fatalf("could not create engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func add(t *testing.T, e *control.Engine, kind patchbay.NodeKind, name string, channels int, d *patchbay.PluginDescriptor) control.CreateNode {
	t.Helper()
	c, err := e.NewNode(kind, name, channels, d)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	if _, err := e.Dispatch(c); err != nil {
		t.Fatalf("could not create %v node: %v", kind, err)
	}
	return c
}

func connect(t *testing.T, e *control.Engine, src, dst patchbay.PortID) {
	t.Helper()
	if _, err := e.Dispatch(control.Connect{Src: src, Dst: dst}); err != nil {
		t.Fatalf("could not connect %d to %d: %v", src, dst, err)
	}
}

func builtinPlugin(t *testing.T, uri string) *patchbay.PluginDescriptor {
	t.Helper()
	d, err := builtin.Descriptor(uri)
	if err != nil {
		t.Fatalf("Descriptor failed: %v", err)
	}
	return &d
}

// chain is HardwareIn -> Track -> Fader -> HardwareOut, stereo.
type chain struct {
	in, track, fader, out control.CreateNode
}

func newChain(t *testing.T, e *control.Engine) chain {
	t.Helper()
	c := chain{
		in:    add(t, e, patchbay.HardwareIn, "in", 2, nil),
		track: add(t, e, patchbay.Track, "track", 2, nil),
		fader: add(t, e, patchbay.Fader, "master", 2, nil),
		out:   add(t, e, patchbay.HardwareOut, "out", 2, nil),
	}
	for ch := 0; ch < 2; ch++ {
		o, i := patchbay.AudioPortName(patchbay.Out, ch), patchbay.AudioPortName(patchbay.In, ch)
		connect(t, e, c.in.Port(o), c.track.Port(i))
		connect(t, e, c.track.Port(o), c.fader.Port(i))
		connect(t, e, c.fader.Port(o), c.out.Port(i))
	}
	return c
}

// waitEvent reads events until one of the given kind arrives.
func waitEvent(t *testing.T, e *control.Engine, kind control.EventKind) control.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ev, ok := control.TimeoutReceive(e.Events(), 100*time.Millisecond)
		if ok && ev.Kind == kind {
			return ev
		}
	}
	t.Fatalf("no %v event", kind)
	return control.Event{}
}

func sine(freq float64) func(ch int, frame uint64, buf []float32) {
	return func(ch int, frame uint64, buf []float32) {
		for i := range buf {
			buf[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(frame+uint64(i))/float64(spec.SampleRate)))
		}
	}
}
