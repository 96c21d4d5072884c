package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/control"
	"github.com/patchbay-audio/patchbay/document"
	"github.com/patchbay-audio/patchbay/plugin/builtin"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// interp runs line-oriented commands against an engine. Nodes are referred
// to by name and ports as node:port, e.g. "master:out.0".
type interp struct {
	e     *control.Engine
	out   io.Writer
	title cases.Caser
}

type command struct {
	args  int
	usage string
	run   func(in *interp, ctx context.Context, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"node":       {2, "node NAME KIND [CHANNELS]", (*interp).node},
		"plugin":     {2, "plugin NAME URI [isolated]", (*interp).plugin},
		"delete":     {1, "delete NAME", (*interp).delete},
		"connect":    {2, "connect SRC DST [GAIN] [feedback]", (*interp).connect},
		"disconnect": {2, "disconnect SRC DST", (*interp).disconnect},
		"gain":       {3, "gain SRC DST GAIN", (*interp).gain},
		"enable":     {3, "enable SRC DST on|off", (*interp).enable},
		"param":      {2, "param PORT VALUE", (*interp).param},
		"bypass":     {2, "bypass NAME on|off", (*interp).bypass},
		"latency":    {2, "latency NAME FRAMES", (*interp).latency},
		"reload":     {1, "reload NAME", (*interp).reload},
		"undo":       {0, "undo", func(in *interp, _ context.Context, _ []string) error { return in.e.Undo() }},
		"redo":       {0, "redo", func(in *interp, _ context.Context, _ []string) error { return in.e.Redo() }},
		"list":       {0, "list", (*interp).list},
		"history":    {0, "history", (*interp).history},
		"save":       {1, "save FILE", (*interp).save},
		"load":       {1, "load FILE", (*interp).load},
		"play":       {0, "play", func(in *interp, _ context.Context, _ []string) error { in.e.Play(); return nil }},
		"stop":       {0, "stop", func(in *interp, _ context.Context, _ []string) error { in.e.Stop(); return nil }},
		"locate":     {1, "locate FRAME", (*interp).locate},
		"arm":        {1, "arm PORT", (*interp).arm},
		"record":     {1, "record start|stop", (*interp).record},
		"wait":       {1, "wait DURATION", (*interp).wait},
		"help":       {0, "help", (*interp).help},
	}
}

func newInterp(e *control.Engine, out io.Writer) *interp {
	return &interp{e: e, out: out, title: cases.Title(language.English)}
}

// run executes every line of r. Empty lines and lines starting with # are
// skipped. It stops at the first failing command when stopOnError is set.
func (in *interp) run(ctx context.Context, r io.Reader, stopOnError bool) error {
	s := bufio.NewScanner(r)
	line := 0
	for s.Scan() {
		line++
		if err := in.exec(ctx, s.Text()); err != nil {
			if stopOnError {
				return fmt.Errorf("line %d: %w", line, err)
			}
			fmt.Fprintf(in.out, "error: %v\n", err)
		}
	}
	return s.Err()
}

func (in *interp) exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
		return nil
	}
	c, ok := commands[fields[0]]
	if !ok {
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}
	if len(fields)-1 < c.args {
		return fmt.Errorf("usage: %s", c.usage)
	}
	return c.run(in, ctx, fields[1:])
}

func (in *interp) dispatch(ctx context.Context, a control.Action) error {
	_, err := in.e.DispatchContext(ctx, a)
	return err
}

func (in *interp) nodeByName(name string) (*patchbay.Node, error) {
	g := in.e.GraphSnapshot()
	for i := range g.Nodes {
		if g.Nodes[i].Name == name {
			return &g.Nodes[i], nil
		}
	}
	return nil, fmt.Errorf("node %q: %w", name, patchbay.ErrUnknownNode)
}

func (in *interp) portByName(ref string) (patchbay.PortID, error) {
	node, port, ok := strings.Cut(ref, ":")
	if !ok {
		return 0, fmt.Errorf("port %q is not of the form node:port", ref)
	}
	n, err := in.nodeByName(node)
	if err != nil {
		return 0, err
	}
	p := in.e.GraphSnapshot().PortByName(n.ID, port)
	if p == nil {
		return 0, fmt.Errorf("port %q: %w", ref, patchbay.ErrUnknownPort)
	}
	return p.ID, nil
}

func (in *interp) endpoints(args []string) (src, dst patchbay.PortID, err error) {
	if src, err = in.portByName(args[0]); err != nil {
		return 0, 0, err
	}
	if dst, err = in.portByName(args[1]); err != nil {
		return 0, 0, err
	}
	return src, dst, nil
}

func onOff(s string) (bool, error) {
	switch s {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", s)
}

func (in *interp) create(ctx context.Context, kind patchbay.NodeKind, name string, channels int, d *patchbay.PluginDescriptor) error {
	if _, err := in.nodeByName(name); err == nil {
		return fmt.Errorf("node %q already exists", name)
	}
	a, err := in.e.NewNode(kind, name, channels, d)
	if err != nil {
		return err
	}
	return in.dispatch(ctx, a)
}

func (in *interp) node(ctx context.Context, args []string) error {
	kind, err := patchbay.ParseNodeKind(args[1])
	if err != nil {
		return err
	}
	if kind == patchbay.PluginNode {
		return fmt.Errorf("use the plugin command for plugin nodes")
	}
	channels := 2
	if len(args) > 2 {
		if channels, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("invalid channel count %q", args[2])
		}
	}
	return in.create(ctx, kind, args[0], channels, nil)
}

func (in *interp) plugin(ctx context.Context, args []string) error {
	d, err := builtin.Descriptor(args[1])
	if err != nil {
		return err
	}
	d.Isolated = len(args) > 2 && args[2] == "isolated"
	return in.create(ctx, patchbay.PluginNode, args[0], 0, &d)
}

func (in *interp) delete(ctx context.Context, args []string) error {
	n, err := in.nodeByName(args[0])
	if err != nil {
		return err
	}
	return in.dispatch(ctx, control.DeleteNode{ID: n.ID})
}

func (in *interp) connect(ctx context.Context, args []string) error {
	src, dst, err := in.endpoints(args)
	if err != nil {
		return err
	}
	c := control.Connect{Src: src, Dst: dst}
	for _, a := range args[2:] {
		if a == "feedback" {
			c.Feedback = true
			continue
		}
		g, err := strconv.ParseFloat(a, 32)
		if err != nil {
			return fmt.Errorf("invalid gain %q", a)
		}
		c.Gain = float32(g)
	}
	return in.dispatch(ctx, c)
}

func (in *interp) disconnect(ctx context.Context, args []string) error {
	src, dst, err := in.endpoints(args)
	if err != nil {
		return err
	}
	return in.dispatch(ctx, control.Disconnect{Src: src, Dst: dst})
}

func (in *interp) gain(ctx context.Context, args []string) error {
	src, dst, err := in.endpoints(args)
	if err != nil {
		return err
	}
	g, err := strconv.ParseFloat(args[2], 32)
	if err != nil {
		return fmt.Errorf("invalid gain %q", args[2])
	}
	return in.dispatch(ctx, control.SetGain{Src: src, Dst: dst, Gain: float32(g)})
}

func (in *interp) enable(ctx context.Context, args []string) error {
	src, dst, err := in.endpoints(args)
	if err != nil {
		return err
	}
	on, err := onOff(args[2])
	if err != nil {
		return err
	}
	return in.dispatch(ctx, control.SetEnabled{Src: src, Dst: dst, Enabled: on})
}

func (in *interp) param(ctx context.Context, args []string) error {
	p, err := in.portByName(args[0])
	if err != nil {
		return err
	}
	v, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid value %q", args[1])
	}
	return in.dispatch(ctx, control.SetParam{Port: p, Value: v})
}

func (in *interp) bypass(ctx context.Context, args []string) error {
	n, err := in.nodeByName(args[0])
	if err != nil {
		return err
	}
	on, err := onOff(args[1])
	if err != nil {
		return err
	}
	return in.dispatch(ctx, control.SetBypass{Node: n.ID, Bypass: on})
}

func (in *interp) latency(ctx context.Context, args []string) error {
	n, err := in.nodeByName(args[0])
	if err != nil {
		return err
	}
	l, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid latency %q", args[1])
	}
	return in.dispatch(ctx, control.SetLatency{Node: n.ID, Latency: l})
}

func (in *interp) reload(ctx context.Context, args []string) error {
	n, err := in.nodeByName(args[0])
	if err != nil {
		return err
	}
	return in.e.ReloadNode(ctx, n.ID)
}

func (in *interp) list(ctx context.Context, args []string) error {
	g := in.e.GraphSnapshot()
	w := tabwriter.NewWriter(in.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tLATENCY\tFLAGS")
	for _, n := range g.Nodes {
		var flags []string
		if n.Bypass {
			flags = append(flags, "bypass")
		}
		if n.Disabled {
			flags = append(flags, "disabled")
		}
		lat, _ := in.e.NodeLatency(n.ID)
		kind := in.title.String(n.Kind.String())
		if n.Plugin != nil {
			kind += " (" + n.Plugin.URI + ")"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", n.ID, n.Name, kind, lat, strings.Join(flags, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	for _, c := range g.Connections {
		src, dst := g.Port(c.Src), g.Port(c.Dst)
		state := ""
		if !c.Enabled {
			state = " (disabled)"
		}
		if c.Feedback {
			state += " (feedback)"
		}
		fmt.Fprintf(in.out, "%s:%s -> %s:%s x%g%s\n",
			g.Node(src.Node).Name, src.Name, g.Node(dst.Node).Name, dst.Name, c.Gain, state)
	}
	return nil
}

func (in *interp) history(ctx context.Context, args []string) error {
	for i, ent := range slices.Backward(in.e.History()) {
		fmt.Fprintf(in.out, "%d\t%v\n", i+1, ent.Action)
	}
	return nil
}

func (in *interp) save(ctx context.Context, args []string) error {
	p, err := in.e.Project(ctx)
	if err != nil {
		return err
	}
	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("could not create %v: %w", args[0], err)
	}
	if strings.HasSuffix(args[0], ".json") {
		err = document.EncodeJSON(f, p)
	} else {
		err = document.Encode(f, p)
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (in *interp) load(ctx context.Context, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("could not read %v: %w", args[0], err)
	}
	defer f.Close()
	p, err := document.Decode(f)
	if err != nil {
		return err
	}
	return in.e.LoadProject(ctx, p)
}

func (in *interp) locate(ctx context.Context, args []string) error {
	f, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid frame %q", args[0])
	}
	in.e.Locate(f)
	return nil
}

func (in *interp) arm(ctx context.Context, args []string) error {
	p, err := in.portByName(args[0])
	if err != nil {
		return err
	}
	return in.e.Arm(p)
}

func (in *interp) record(ctx context.Context, args []string) error {
	switch args[0] {
	case "start":
		return in.e.StartRecording()
	case "stop":
		regions, err := in.e.StopRecording()
		if err != nil {
			return err
		}
		for _, r := range regions {
			fmt.Fprintf(in.out, "recorded port %d: %d frames from %d\n", r.Port, r.Frames(), r.Start)
		}
		return nil
	}
	return fmt.Errorf("usage: %s", commands["record"].usage)
}

func (in *interp) wait(ctx context.Context, args []string) error {
	d, err := time.ParseDuration(args[0])
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (in *interp) help(ctx context.Context, args []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		fmt.Fprintln(in.out, commands[name].usage)
	}
	fmt.Fprintf(in.out, "node kinds: %v\n", patchbay.NodeKinds())
	return nil
}
