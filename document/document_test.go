package document_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/control"
	"github.com/patchbay-audio/patchbay/document"
	"github.com/patchbay-audio/patchbay/plugin/builtin"
)

func newEngine(t *testing.T) *control.Engine {
	t.Helper()
	e, err := control.New(control.Config{
		Workers:       1,
		BridgeCommand: []string{},
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, nil)
	if err != nil {
		t.Fatalf("could not create engine: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func dispatch(t *testing.T, e *control.Engine, a control.Action) {
	t.Helper()
	if _, err := e.Dispatch(a); err != nil {
		t.Fatalf("Dispatch(%v) failed: %v", a, err)
	}
}

// project builds in -> gain -> out with a non-default gain.
func project(t *testing.T, e *control.Engine) (*control.Project, patchbay.PortID) {
	t.Helper()
	d, err := builtin.Descriptor("gain")
	if err != nil {
		t.Fatalf("Descriptor failed: %v", err)
	}
	in, err := e.NewNode(patchbay.HardwareIn, "in", 2, nil)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	gain, err := e.NewNode(patchbay.PluginNode, "gain", 0, &d)
	if err != nil {
		t.Fatalf("NewNode failed: %v", err)
	}
	dispatch(t, e, in)
	dispatch(t, e, gain)
	dispatch(t, e, control.Connect{Src: in.Port("out.0"), Dst: gain.Port("in.0"), Gain: 0.5})
	dispatch(t, e, control.SetParam{Port: gain.Port("gain"), Value: 2})
	p, err := e.Project(context.Background())
	if err != nil {
		t.Fatalf("Project failed: %v", err)
	}
	return p, gain.Port("gain")
}

func TestRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		name   string
		encode func(w io.Writer, p *control.Project) error
	}{
		{"yaml", document.Encode},
		{"json", document.EncodeJSON},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, param := project(t, newEngine(t))
			var buf bytes.Buffer
			if err := tc.encode(&buf, p); err != nil {
				t.Fatalf("encode failed: %v", err)
			}
			q, err := document.Decode(&buf)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if len(q.Graph.Nodes) != len(p.Graph.Nodes) || len(q.Graph.Ports) != len(p.Graph.Ports) || len(q.Graph.Connections) != len(p.Graph.Connections) {
				t.Fatalf("graph changed in the round trip: %d/%d/%d nodes/ports/connections, expected %d/%d/%d",
					len(q.Graph.Nodes), len(q.Graph.Ports), len(q.Graph.Connections),
					len(p.Graph.Nodes), len(p.Graph.Ports), len(p.Graph.Connections))
			}
			if q.Graph.Connections[0].Gain != 0.5 {
				t.Fatalf("connection gain: expected 0.5, got %v", q.Graph.Connections[0].Gain)
			}
			if q.NextNode != p.NextNode || q.NextPort != p.NextPort {
				t.Fatalf("id counters changed: %d/%d, expected %d/%d", q.NextNode, q.NextPort, p.NextNode, p.NextPort)
			}
			e := newEngine(t)
			if err := e.LoadProject(context.Background(), q); err != nil {
				t.Fatalf("LoadProject failed: %v", err)
			}
			v, err := e.PortValue(param)
			if err != nil {
				t.Fatalf("PortValue failed: %v", err)
			}
			if v != 2 {
				t.Fatalf("gain parameter: expected 2, got %v", v)
			}
		})
	}
}

func TestEncodeWritesVersion(t *testing.T) {
	p, _ := project(t, newEngine(t))
	var buf bytes.Buffer
	if err := document.Encode(&buf, p); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "patchbay: 1\n") {
		t.Fatalf("document does not start with its version:\n%s", buf.String())
	}
}

func TestDecodeErrors(t *testing.T) {
	for _, tc := range []struct {
		name, doc string
	}{
		{"garbage", "{not: [valid"},
		{"no graph", "patchbay: 1\nspec:\n  samplerate: 48000\n"},
		{"newer", "patchbay: 99\ngraph: {}\n"},
		{"invalid graph", "graph:\n  connections:\n    - src: 1\n      dst: 2\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := document.Decode(strings.NewReader(tc.doc)); err == nil {
				t.Fatalf("expected an error decoding %q", tc.doc)
			}
		})
	}
}
