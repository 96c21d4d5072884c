// Package control is the non-real-time side of the engine: it owns the live
// graph, applies actions to copies of it, compiles and publishes snapshots,
// keeps the undo history and turns notifications of the real-time thread into
// events.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/backend/dummy"
	"github.com/patchbay-audio/patchbay/plugin"
	"github.com/patchbay-audio/patchbay/plugin/bridge"
	"github.com/patchbay-audio/patchbay/plugin/builtin"
	"github.com/patchbay-audio/patchbay/rt"
)

// PollInterval is how often Run drains the real-time notifications.
const PollInterval = 10 * time.Millisecond

type (
	// Engine is the command and query surface of the graph engine. All of its
	// methods are safe for concurrent use; none of them is ever called from
	// the real-time thread.
	Engine struct {
		mu     sync.Mutex
		cfg    Config
		log    *slog.Logger
		host   *plugin.Host
		rt     *rt.Runtime
		graph  *patchbay.Graph
		states map[patchbay.NodeID]*rt.NodeState
		spec   patchbay.AudioSpec
		snap   *rt.Snapshot
		undo   *UndoStack

		nextNode patchbay.NodeID
		nextPort patchbay.PortID

		events  chan Event
		metrics *Metrics

		backend patchbay.Backend
		running bool

		rec     *recorder
		regions []Region
		retired []retiree
		closed  bool
	}

	retiree struct {
		seq    uint64
		states []*rt.NodeState
	}
)

// New creates an engine with an empty graph. If host is nil, a host with the
// builtin plugins and the bridge described by cfg is used.
func New(cfg Config, host *plugin.Host) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if host == nil {
		host = NewHost(cfg)
	}
	r := rt.New(cfg.Workers, cfg.CrashPolicy)
	e := &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		host:     host,
		rt:       r,
		graph:    &patchbay.Graph{},
		states:   map[patchbay.NodeID]*rt.NodeState{},
		spec:     cfg.Spec(),
		undo:     NewUndoStack(cfg.UndoLimit),
		nextNode: 1,
		nextPort: 1,
		events:   make(chan Event, cfg.EventBuffer),
		metrics:  newMetrics(r),
		rec:      newRecorder(),
	}
	snap, err := rt.Compile(e.graph, e.spec, e.states, nil)
	if err != nil {
		r.Close()
		return nil, err
	}
	e.snap = snap
	r.Publish(snap)
	return e, nil
}

// NewHost returns a plugin host with the builtin plugins registered and the
// bridge configured from cfg.
func NewHost(cfg Config) *plugin.Host {
	h := plugin.NewHost(cfg.PluginTimeout)
	h.Register(builtin.Format{})
	if len(cfg.BridgeCommand) > 0 {
		b := &bridge.Format{Command: cfg.BridgeCommand, Options: bridge.Options{Timeout: cfg.PluginTimeout}}
		h.Register(b)
		h.SetBridge(b)
	}
	for _, f := range cfg.IsolatedFormats {
		h.Isolate(f)
	}
	return h
}

// Host returns the plugin host of the engine.
func (e *Engine) Host() *plugin.Host { return e.host }

// Runtime returns the real-time side, e.g. to drive it from a backend that
// is not managed by the engine.
func (e *Engine) Runtime() *rt.Runtime { return e.rt }

// Metrics returns the Prometheus collectors of the engine.
func (e *Engine) Metrics() *Metrics { return e.metrics }

// Events returns the channel events are sent to. Events are dropped when the
// channel is full.
func (e *Engine) Events() <-chan Event { return e.events }

// NewNode allocates IDs for a node of the given kind and returns the action
// creating it. Nothing changes until the action is dispatched.
func (e *Engine) NewNode(kind patchbay.NodeKind, name string, channels int, d *patchbay.PluginDescriptor) (CreateNode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.newNode(patchbay.Node{Kind: kind, Name: name, Plugin: d}, channels)
}

func (e *Engine) newNode(n patchbay.Node, channels int) (CreateNode, error) {
	if n.Plugin != nil {
		d := n.Plugin.Copy()
		n.Plugin = &d
	}
	specs, err := patchbay.PortLayout(n.Kind, channels, n.Plugin)
	if err != nil {
		return CreateNode{}, err
	}
	n.ID = e.nextNode
	e.nextNode++
	ports := n.AttachPorts(specs, e.nextPort)
	e.nextPort += patchbay.PortID(len(ports))
	return CreateNode{Node: n, Ports: ports, Channels: channels}, nil
}

// assign gives nodes created without IDs their IDs and ports, and makes sure
// IDs given explicitly are never handed out again.
func (e *Engine) assign(a Action) (Action, error) {
	switch a := a.(type) {
	case CreateNode:
		if a.Node.ID == 0 {
			c, err := e.newNode(a.Node, a.Channels)
			if err != nil {
				return nil, err
			}
			c.Connections, c.State = a.Connections, a.State
			return c, nil
		}
		e.nextNode = max(e.nextNode, a.Node.ID+1)
		for _, p := range a.Ports {
			e.nextPort = max(e.nextPort, p.ID+1)
		}
	case Batch:
		acts := make([]Action, len(a.Actions))
		for i, sub := range a.Actions {
			var err error
			if acts[i], err = e.assign(sub); err != nil {
				return nil, err
			}
		}
		return Batch{Actions: acts}, nil
	}
	return a, nil
}

// Dispatch applies an action and pushes it on the undo stack.
func (e *Engine) Dispatch(a Action) (ActionID, error) {
	return e.DispatchContext(context.Background(), a)
}

// DispatchContext applies an action. If ctx is done before the result is
// published, the action is abandoned and the live graph stays as it was.
func (e *Engine) DispatchContext(ctx context.Context, a Action) (ActionID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return uuid.Nil, &ActionError{Op: "apply", Action: a, Err: ErrClosed}
	}
	a, err := e.assign(a)
	if err != nil {
		e.metrics.action("apply", err)
		return uuid.Nil, &ActionError{Op: "apply", Action: a, Err: err}
	}
	t := e.begin(ctx)
	inv, err := a.apply(t)
	if err == nil {
		err = e.commit(t)
	}
	e.metrics.action("apply", err)
	if err != nil {
		t.discard()
		e.log.Debug("action failed", "action", a, "err", err)
		return uuid.Nil, &ActionError{Op: "apply", Action: a, Err: err}
	}
	id := uuid.New()
	if t.undoable {
		e.undo.Push(UndoEntry{ID: id, Action: a, Inverse: inv})
	} else {
		e.undo.Clear()
	}
	e.metrics.undoDepth.Set(float64(e.undo.Depth()))
	e.emit(Event{Kind: ActionApplied, Action: id, Desc: a.String(), Version: e.graph.Version})
	e.emitFailures(t)
	return id, nil
}

// Undo reverts the most recent applied action.
func (e *Engine) Undo() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent := e.undo.peekUndo()
	if ent == nil {
		return &ActionError{Op: "undo", Err: ErrNothingToUndo}
	}
	t := e.begin(context.Background())
	redo, err := ent.Inverse.apply(t)
	if err == nil {
		err = e.commit(t)
	}
	e.metrics.action("undo", err)
	if err != nil {
		t.discard()
		return &ActionError{Op: "undo", Action: ent.Inverse, Err: err}
	}
	if t.undoable {
		ent.Action = redo
	}
	e.undo.undone()
	e.metrics.undoDepth.Set(float64(e.undo.Depth()))
	e.emit(Event{Kind: ActionUndone, Action: ent.ID, Desc: ent.Action.String(), Version: e.graph.Version})
	e.emitFailures(t)
	return nil
}

// Redo applies the most recently undone action again.
func (e *Engine) Redo() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent := e.undo.peekRedo()
	if ent == nil {
		return &ActionError{Op: "redo", Err: ErrNothingToRedo}
	}
	t := e.begin(context.Background())
	inv, err := ent.Action.apply(t)
	if err == nil {
		err = e.commit(t)
	}
	e.metrics.action("redo", err)
	if err != nil {
		t.discard()
		return &ActionError{Op: "redo", Action: ent.Action, Err: err}
	}
	id, desc := ent.ID, ent.Action.String()
	if t.undoable {
		ent.Inverse = inv
		e.undo.redone()
	} else {
		e.undo.Clear()
	}
	e.metrics.undoDepth.Set(float64(e.undo.Depth()))
	e.emit(Event{Kind: ActionRedone, Action: id, Desc: desc, Version: e.graph.Version})
	e.emitFailures(t)
	return nil
}

func (e *Engine) CanUndo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.undo.CanUndo()
}

func (e *Engine) CanRedo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.undo.CanRedo()
}

// History returns the actions that can be undone, oldest first.
func (e *Engine) History() []UndoEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.undo.Entries()
}

// IsUndoable reports whether committing a would keep the undo history.
// Deleting a plugin node whose plugin never came up cannot be undone, as
// there is no state to restore it with. The plugin state is only saved when
// the deletion is committed: if SaveState fails then, the deletion is still
// applied and the history is cleared even though IsUndoable returned true.
// CanUndo tells afterwards.
func (e *Engine) IsUndoable(a Action) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.undoable(a)
}

func (e *Engine) undoable(a Action) bool {
	switch a := a.(type) {
	case DeleteNode:
		n := e.graph.Node(a.ID)
		if n == nil || n.Kind != patchbay.PluginNode {
			return true
		}
		st := e.states[a.ID]
		return st != nil && st.Plugin != nil
	case Batch:
		for _, sub := range a.Actions {
			if !e.undoable(sub) {
				return false
			}
		}
	}
	return true
}

// GraphSnapshot returns a copy of the live graph.
func (e *Engine) GraphSnapshot() *patchbay.Graph {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.graph.Copy()
}

// PortValue returns the parameter value of a Control input, or the peak of
// the last block of a signal port.
func (e *Engine) PortValue(id patchbay.PortID) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.snap.PortValue(id)
	if !ok {
		return 0, fmt.Errorf("port %d: %w", id, patchbay.ErrUnknownPort)
	}
	return v, nil
}

// NodeLatency returns the latency a node adds, as used by the latency
// compensation.
func (e *Engine) NodeLatency(id patchbay.NodeID) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.snap.NodeLatency(id)
	if !ok {
		return 0, fmt.Errorf("node %d: %w", id, patchbay.ErrUnknownNode)
	}
	return l, nil
}

// Schedule returns the processing order of the live graph.
func (e *Engine) Schedule() *patchbay.Schedule {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.Schedule
}

// Spec returns the stream format the live graph is compiled for.
func (e *Engine) Spec() patchbay.AudioSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.spec
}

func (e *Engine) begin(ctx context.Context) *tx {
	return &tx{
		e:        e,
		ctx:      ctx,
		g:        e.graph.Copy(),
		added:    map[patchbay.NodeID]*rt.NodeState{},
		dropped:  map[patchbay.NodeID]bool{},
		undoable: true,
	}
}

// commit publishes the candidate of t. Parameter changes alone are handed to
// the live snapshot; anything else compiles and publishes a new one.
func (e *Engine) commit(t *tx) error {
	if err := t.ctx.Err(); err != nil {
		return err
	}
	if !t.recompile {
		e.graph = t.g
		for _, p := range t.params {
			e.snap.SetParam(p.port, p.value)
		}
		return nil
	}
	t.g.Version = e.graph.Version + 1
	states := t.states()
	timer := time.Now()
	snap, err := rt.Compile(t.g, e.spec, states, e.rec.taps)
	if err != nil {
		return err
	}
	e.metrics.compile.WithLabelValues("action").Observe(time.Since(timer).Seconds())
	if err := t.ctx.Err(); err != nil {
		return err
	}
	e.publish(t.g, states, snap, t.retire)
	return nil
}

func (e *Engine) publish(g *patchbay.Graph, states map[patchbay.NodeID]*rt.NodeState, snap *rt.Snapshot, retire []*rt.NodeState) {
	seq := e.rt.Publish(snap)
	e.graph, e.states, e.snap = g, states, snap
	if len(retire) > 0 {
		e.retired = append(e.retired, retiree{seq: seq, states: retire})
	}
	e.reap()
	e.metrics.recompiles.Inc()
	e.metrics.nodes.Set(float64(len(g.Nodes)))
	e.emit(Event{Kind: GraphRecompiled, Version: g.Version})
}

// rebuild changes the live graph outside of the undo history and recompiles.
func (e *Engine) rebuild(reason string, retire []*rt.NodeState, f func(g *patchbay.Graph)) error {
	g := e.graph.Copy()
	f(g)
	g.Version = e.graph.Version + 1
	states := make(map[patchbay.NodeID]*rt.NodeState, len(e.states))
	for _, n := range g.Nodes {
		if st := e.states[n.ID]; st != nil {
			states[n.ID] = st
		}
	}
	timer := time.Now()
	snap, err := rt.Compile(g, e.spec, states, e.rec.taps)
	if err != nil {
		return err
	}
	e.metrics.compile.WithLabelValues(reason).Observe(time.Since(timer).Seconds())
	e.publish(g, states, snap, retire)
	return nil
}

// reap closes the plugins of retired node states once the real-time thread
// can no longer reach them.
func (e *Engine) reap() {
	adopted := e.rt.Adopted()
	kept := e.retired[:0]
	for _, r := range e.retired {
		if e.running && r.seq > adopted {
			kept = append(kept, r)
			continue
		}
		for _, st := range r.states {
			if st.Plugin != nil {
				if err := e.host.Close(st.Plugin); err != nil {
					e.log.Warn("could not close plugin", "err", err)
				}
			}
		}
	}
	clear(e.retired[len(kept):])
	e.retired = kept
}

func (e *Engine) emit(ev Event) {
	if e.closed {
		return
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if !TrySend(e.events, ev) {
		e.metrics.droppedEvents.Inc()
	}
}

func (e *Engine) emitFailures(t *tx) {
	for _, ev := range t.failed {
		e.log.Warn("plugin failed to instantiate", "node", ev.Node, "err", ev.Err)
		e.emit(ev)
	}
}

// Poll handles what the real-time thread reported since the last call:
// crashed nodes are bypassed and disabled, xruns are counted and a
// disconnected backend is replaced by the dummy backend. It also releases
// retired plugins and collects recorded data. It returns the number of
// notifications handled.
func (e *Engine) Poll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}
	var crashed []patchbay.NodeID
	disconnected := false
	k := e.rt.Drain(func(n rt.Notification) {
		switch n.Kind {
		case rt.NodeCrashed:
			e.metrics.crashes.Inc()
			e.log.Warn("node crashed", "node", n.Node, "frame", n.Frame)
			crashed = append(crashed, n.Node)
			e.emit(Event{Kind: NodeCrashed, Node: n.Node, Frame: n.Frame, Time: time.Unix(0, n.Time)})
		case rt.XRun:
			e.metrics.xruns.Inc()
			e.log.Warn("xrun", "backend", n.Backend, "frame", n.Frame)
			e.emit(Event{Kind: XRun, Backend: n.Backend, Frame: n.Frame, Time: time.Unix(0, n.Time)})
		case rt.Disconnected:
			e.log.Warn("backend disconnected", "backend", n.Backend)
			e.emit(Event{Kind: BackendDisconnected, Backend: n.Backend, Time: time.Unix(0, n.Time)})
			disconnected = true
		}
	})
	if len(crashed) > 0 {
		err := e.rebuild("crash", nil, func(g *patchbay.Graph) {
			for _, id := range crashed {
				if n := g.Node(id); n != nil {
					n.Bypass, n.Disabled = true, true
				}
			}
		})
		if err != nil {
			e.log.Error("could not isolate crashed nodes", "err", err)
		}
	}
	if disconnected && e.backend != nil {
		if err := e.setBackend(context.Background(), dummy.New(e.spec)); err != nil {
			e.log.Error("could not fall back to the dummy backend", "err", err)
		}
	}
	e.reap()
	if e.rec.recording() {
		e.rec.drain()
	}
	return k
}

// Run polls the engine until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.Poll()
		}
	}
}

// SetBackend stops the current backend, if any, and starts b driving the
// engine. When b's stream format differs from the current one, plugins are
// prepared for it again and the graph is recompiled before b starts. A nil b
// just stops the current backend.
func (e *Engine) SetBackend(ctx context.Context, b patchbay.Backend) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	return e.setBackend(ctx, b)
}

func (e *Engine) setBackend(ctx context.Context, b patchbay.Backend) error {
	if err := e.stopBackend(); err != nil {
		e.log.Warn("could not stop backend", "backend", e.backend.Name(), "err", err)
	}
	e.backend = nil
	if b == nil {
		return nil
	}
	if spec := b.Spec(); spec != e.spec {
		if err := e.respec(ctx, spec); err != nil {
			return err
		}
	}
	if err := b.Start(e.rt, e.rt); err != nil {
		return fmt.Errorf("could not start backend %s: %w", b.Name(), err)
	}
	e.backend, e.running = b, true
	e.log.Info("backend started", "backend", b.Name(), "samplerate", e.spec.SampleRate, "blocksize", e.spec.BlockSize)
	e.emit(Event{Kind: BackendChanged, Backend: b.Name()})
	return nil
}

func (e *Engine) stopBackend() error {
	if e.backend == nil || !e.running {
		return nil
	}
	e.running = false
	err := e.backend.Stop()
	e.reap()
	return err
}

// respec prepares every plugin for a new stream format and recompiles. The
// backend must be stopped.
func (e *Engine) respec(ctx context.Context, spec patchbay.AudioSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	var failed []patchbay.NodeID
	for id, st := range e.states {
		if st.Plugin == nil {
			continue
		}
		if err := e.host.Prepare(ctx, st.Plugin, spec); err != nil {
			e.log.Warn("could not prepare plugin", "node", id, "err", err)
			e.emit(Event{Kind: PluginFailed, Node: id, Err: err})
			failed = append(failed, id)
		}
	}
	old := e.spec
	e.spec = spec
	err := e.rebuild("spec", nil, func(g *patchbay.Graph) {
		for _, id := range failed {
			if n := g.Node(id); n != nil {
				n.Bypass, n.Disabled = true, true
			}
		}
	})
	if err != nil {
		e.spec = old
		return fmt.Errorf("could not recompile for %d Hz / %d frames: %w", spec.SampleRate, spec.BlockSize, err)
	}
	return nil
}

// Backend returns the running backend, or nil.
func (e *Engine) Backend() patchbay.Backend {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.backend
}

// ReloadNode brings a crashed or failed plugin node back: a bridged plugin
// respawns its child, any other plugin is instantiated again with the state
// of the old one, if it can still be saved. The node is no longer bypassed
// or disabled afterwards.
func (e *Engine) ReloadNode(ctx context.Context, id patchbay.NodeID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.graph.Node(id)
	if n == nil {
		return fmt.Errorf("node %d: %w", id, patchbay.ErrUnknownNode)
	}
	if n.Kind != patchbay.PluginNode {
		return fmt.Errorf("node %d is a %v node, not a plugin", id, n.Kind)
	}
	old := e.states[id]
	fresh := &rt.NodeState{}
	var retire []*rt.NodeState
	if r, ok := pluginOf(old).(interface{ Respawn() error }); ok {
		if err := r.Respawn(); err != nil {
			return fmt.Errorf("could not respawn plugin of node %d: %w", id, err)
		}
		fresh.Plugin = old.Plugin
	} else {
		var state []byte
		if p := pluginOf(old); p != nil {
			var err error
			if state, err = e.host.SaveState(ctx, p); err != nil {
				e.log.Warn("reloading plugin without its state", "node", id, "err", err)
			}
		}
		p, err := e.host.Instantiate(ctx, *n.Plugin, e.spec)
		if err == nil && state != nil {
			if err = e.host.RestoreState(ctx, p, state); err != nil {
				e.host.Close(p)
			}
		}
		if err != nil {
			return err
		}
		fresh.Plugin = p
		if old != nil {
			retire = append(retire, old)
		}
	}
	e.states[id] = fresh
	err := e.rebuild("reload", retire, func(g *patchbay.Graph) {
		n := g.Node(id)
		n.Bypass, n.Disabled = false, false
	})
	if err != nil {
		e.states[id] = old
		if fresh.Plugin != pluginOf(old) {
			e.host.Close(fresh.Plugin)
		}
		return err
	}
	return nil
}

func pluginOf(st *rt.NodeState) patchbay.Plugin {
	if st == nil {
		return nil
	}
	return st.Plugin
}

// Play starts the transport.
func (e *Engine) Play() { e.rt.Play() }

// Stop stops the transport.
func (e *Engine) Stop() { e.rt.Stop() }

// Locate moves the transport to a frame.
func (e *Engine) Locate(frame uint64) { e.rt.Locate(frame) }

// Position is the current transport frame.
func (e *Engine) Position() uint64 { return e.rt.Position() }

// Arm marks a port to be captured by the next recording.
func (e *Engine) Arm(id patchbay.PortID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rec.arm(e.graph, id)
}

// Disarm removes a port from the next recording.
func (e *Engine) Disarm(id patchbay.PortID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rec.armed[id]; !ok {
		return fmt.Errorf("port %d: %w", id, ErrNotArmed)
	}
	delete(e.rec.armed, id)
	return nil
}

// StartRecording begins capturing the armed ports. Capture happens while the
// transport rolls.
func (e *Engine) StartRecording() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.recording() {
		return nil
	}
	if err := e.rec.start(e.graph, e.cfg.RecordSeconds*e.spec.SampleRate); err != nil {
		return err
	}
	if err := e.rebuild("record", nil, func(*patchbay.Graph) {}); err != nil {
		e.rec.taps = nil
		return err
	}
	e.rt.SetRecording(true)
	return nil
}

// StopRecording ends the recording and returns the regions it produced. The
// regions are also kept in the project.
func (e *Engine) StopRecording() ([]Region, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.rec.recording() {
		return nil, errors.New("not recording")
	}
	e.rt.SetRecording(false)
	regions := e.rec.stop(e.spec.SampleRate)
	if err := e.rebuild("record", nil, func(*patchbay.Graph) {}); err != nil {
		e.log.Warn("could not remove recording taps", "err", err)
	}
	e.regions = append(e.regions, regions...)
	e.emit(Event{Kind: RecordingFinished, Regions: regions, Frame: e.rt.Position()})
	return regions, nil
}

// Regions returns the regions recorded so far.
func (e *Engine) Regions() []Region {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Region(nil), e.regions...)
}

// Close stops the backend, closes every plugin and the event channel.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	err := e.stopBackend()
	e.backend = nil
	e.reap()
	for _, st := range e.states {
		if st.Plugin != nil {
			e.host.Close(st.Plugin)
		}
	}
	e.rt.Close()
	e.closed = true
	close(e.events)
	return err
}
