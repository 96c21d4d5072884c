package bridge

import (
	"errors"
	"fmt"
	"io"
	"math"
	"net/rpc"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patchbay-audio/patchbay"
)

const (
	// FormatName is the name under which the bridge is registered.
	FormatName = "bridge"

	maxEvents = 512
	inFlight  = 2
)

var (
	ErrChildDied = errors.New("bridge: plugin process died")
	ErrClosed    = errors.New("bridge: plugin closed")
	errNoRespawn = errors.New("bridge: plugin was not spawned, cannot respawn")
)

type (
	// Options tunes the liveness checks. Heartbeat is the ping interval and
	// Timeout how long a ping or a block may take before the child is
	// declared dead.
	Options struct {
		Heartbeat time.Duration
		Timeout   time.Duration
	}

	// Format spawns Command for every isolated plugin. It implements
	// plugin.Bridge.
	Format struct {
		Command []string
		Options Options
	}

	// Plugin is the engine side of a bridged plugin.
	Plugin struct {
		d     patchbay.PluginDescriptor
		opts  Options
		spawn func() (io.ReadWriteCloser, error)

		mu      sync.Mutex
		conn    io.ReadWriteCloser
		client  *rpc.Client
		spec    patchbay.AudioSpec
		state   []byte
		latency atomic.Int64

		vals  []atomic.Uint64
		dirty []atomic.Bool

		free, work, done chan *frame
		busySince        atomic.Int64
		dead             atomic.Bool
		closed           bool
		late             atomic.Uint64
		quit             chan struct{}
		wg               sync.WaitGroup
	}

	frame struct {
		frames    int
		in        [][]float32
		out       [][]float32
		events    []patchbay.MIDIEvent
		outEvents []patchbay.MIDIEvent
		params    []ParamChange
		err       error
	}

	childConn struct {
		cmd    *exec.Cmd
		stdin  io.WriteCloser
		stdout io.ReadCloser
	}
)

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return o
}

func (f *Format) Name() string { return FormatName }

// Instantiate runs the plugin described by d out of process; d.Format names
// the format the child uses.
func (f *Format) Instantiate(d patchbay.PluginDescriptor, spec patchbay.AudioSpec) (patchbay.Plugin, error) {
	return f.Isolate(d, spec)
}

func (f *Format) Isolate(d patchbay.PluginDescriptor, spec patchbay.AudioSpec) (patchbay.Plugin, error) {
	if len(f.Command) == 0 {
		return nil, errors.New("bridge: no command configured")
	}
	command := slices.Clone(f.Command)
	spawn := func() (io.ReadWriteCloser, error) { return startChild(command) }
	return open(spawn, d, spec, f.Options)
}

// Connect bridges a plugin over an existing connection, e.g. one end of a
// net.Pipe served by Serve. Such a plugin cannot be respawned.
func Connect(conn io.ReadWriteCloser, d patchbay.PluginDescriptor, spec patchbay.AudioSpec, opts Options) (*Plugin, error) {
	used := false
	spawn := func() (io.ReadWriteCloser, error) {
		if used {
			return nil, errNoRespawn
		}
		used = true
		return conn, nil
	}
	return open(spawn, d, spec, opts)
}

func open(spawn func() (io.ReadWriteCloser, error), d patchbay.PluginDescriptor, spec patchbay.AudioSpec, opts Options) (*Plugin, error) {
	p := &Plugin{
		d:     d.Copy(),
		opts:  opts.withDefaults(),
		spawn: spawn,
		spec:  spec,
		vals:  make([]atomic.Uint64, len(d.Params)),
		dirty: make([]atomic.Bool, len(d.Params)),
	}
	for i, info := range d.Params {
		p.vals[i].Store(math.Float64bits(info.Default))
	}
	if err := p.start(); err != nil {
		return nil, err
	}
	return p, nil
}

// start spawns the child, instantiates the plugin in it and starts the
// worker and heartbeat goroutines. p.mu must be held or p not yet shared.
func (p *Plugin) start() error {
	conn, err := p.spawn()
	if err != nil {
		return fmt.Errorf("could not start bridge: %w", err)
	}
	client := rpc.NewClient(conn)
	var reply InstantiateReply
	if err := call(client, "Instantiate", InstantiateArgs{Descriptor: p.d, Spec: p.spec}, &reply, p.opts.Timeout); err != nil {
		client.Close()
		conn.Close()
		return fmt.Errorf("could not instantiate bridged plugin: %w", err)
	}
	if p.state != nil {
		var ignored int
		if err := call(client, "RestoreState", p.state, &ignored, p.opts.Timeout); err != nil {
			client.Close()
			conn.Close()
			return fmt.Errorf("could not resync bridged plugin state: %w", err)
		}
	}
	for i := range p.dirty {
		p.dirty[i].Store(true)
	}
	p.conn, p.client = conn, client
	p.latency.Store(int64(reply.Latency))
	p.free = make(chan *frame, inFlight)
	p.work = make(chan *frame, inFlight)
	p.done = make(chan *frame, inFlight)
	for i := 0; i < inFlight; i++ {
		p.free <- p.newFrame()
	}
	p.quit = make(chan struct{})
	p.busySince.Store(0)
	p.dead.Store(false)
	p.wg.Add(2)
	go p.worker(client, p.work, p.done, p.quit)
	go p.heartbeat(client, p.quit)
	return nil
}

func (p *Plugin) newFrame() *frame {
	ins, outs := p.d.AudioIn+p.d.CVIn, p.d.AudioOut+p.d.CVOut
	f := &frame{
		in:        make([][]float32, ins),
		out:       make([][]float32, outs),
		events:    make([]patchbay.MIDIEvent, 0, maxEvents),
		outEvents: make([]patchbay.MIDIEvent, 0, maxEvents),
		params:    make([]ParamChange, 0, len(p.vals)),
	}
	for k := range f.in {
		f.in[k] = make([]float32, patchbay.MaxBlockSize)
	}
	for k := range f.out {
		f.out[k] = make([]float32, patchbay.MaxBlockSize)
	}
	return f
}

// stop ends the goroutines of the current child and closes the connection.
func (p *Plugin) stop() {
	if p.client == nil {
		return
	}
	close(p.quit)
	p.client.Close()
	p.conn.Close()
	p.wg.Wait()
	p.client, p.conn = nil, nil
}

// Process hands this block to the child and outputs what the child produced
// for the previous one. It never waits for the child: if the previous block
// has not come back yet, it outputs silence.
func (p *Plugin) Process(b *patchbay.PluginBuffers) error {
	if p.dead.Load() {
		return ErrChildDied
	}
	select {
	case f := <-p.done:
		if f.err != nil {
			p.dead.Store(true)
			p.free <- f
			return f.err
		}
		for k, out := range b.Out {
			n := 0
			if k < len(f.out) {
				n = copy(out, f.out[k][:f.frames])
			}
			clear(out[n:])
		}
		for _, ev := range f.outEvents {
			if int(ev.Frame) >= b.Frames || len(b.OutEvents) == cap(b.OutEvents) {
				continue
			}
			b.OutEvents = append(b.OutEvents, ev)
		}
		p.free <- f
	default:
		for _, out := range b.Out {
			clear(out)
		}
	}
	select {
	case f := <-p.free:
		f.frames = b.Frames
		for k := range f.in {
			if k < len(b.In) {
				copy(f.in[k][:b.Frames], b.In[k])
			}
		}
		f.events = f.events[:0]
		for _, ev := range b.Events {
			if len(f.events) == cap(f.events) {
				break
			}
			f.events = append(f.events, ev)
		}
		p.work <- f
	default:
		p.late.Add(1)
	}
	return nil
}

func (p *Plugin) worker(client *rpc.Client, work <-chan *frame, done chan<- *frame, quit <-chan struct{}) {
	defer p.wg.Done()
	var reply ProcessReply
	args := ProcessArgs{}
	for {
		var f *frame
		select {
		case <-quit:
			return
		case f = <-work:
		}
		f.params = f.params[:0]
		for i := range p.dirty {
			if p.dirty[i].Swap(false) {
				f.params = append(f.params, ParamChange{Index: i, Value: math.Float64frombits(p.vals[i].Load())})
			}
		}
		args.Frames = f.frames
		args.In = args.In[:0]
		for _, in := range f.in {
			args.In = append(args.In, in[:f.frames])
		}
		args.Events = f.events
		args.Params = f.params
		reply = ProcessReply{}
		p.busySince.Store(time.Now().UnixNano())
		f.err = client.Call(ServiceName+".Process", args, &reply)
		p.busySince.Store(0)
		if f.err == nil {
			for k := range f.out {
				n := 0
				if k < len(reply.Out) {
					n = copy(f.out[k][:f.frames], reply.Out[k])
				}
				clear(f.out[k][n:f.frames])
			}
			f.outEvents = append(f.outEvents[:0], reply.Events[:min(len(reply.Events), maxEvents)]...)
			p.latency.Store(int64(reply.Latency))
		}
		done <- f
	}
}

func (p *Plugin) heartbeat(client *rpc.Client, quit <-chan struct{}) {
	defer p.wg.Done()
	t := time.NewTicker(p.opts.Heartbeat)
	defer t.Stop()
	for seq := 0; ; seq++ {
		select {
		case <-quit:
			return
		case <-t.C:
		}
		if since := p.busySince.Load(); since != 0 && time.Since(time.Unix(0, since)) > p.opts.Timeout {
			p.die(client)
			return
		}
		var reply int
		if err := call(client, "Ping", seq, &reply, p.opts.Timeout); err != nil || reply != seq {
			select {
			case <-quit:
			default:
				p.die(client)
			}
			return
		}
	}
}

// die marks the child dead; closing the client makes a pending Process call
// fail so that the worker comes back.
func (p *Plugin) die(client *rpc.Client) {
	p.dead.Store(true)
	client.Close()
}

// Dead reports whether the child stopped responding.
func (p *Plugin) Dead() bool { return p.dead.Load() }

// Late is the number of blocks dropped because the child fell behind.
func (p *Plugin) Late() uint64 { return p.late.Load() }

func (p *Plugin) SetParam(index int, value float64) {
	if index < 0 || index >= len(p.vals) {
		return
	}
	p.vals[index].Store(math.Float64bits(value))
	p.dirty[index].Store(true)
}

// Latency includes the block of delay the asynchronous hand-off adds.
func (p *Plugin) Latency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.latency.Load()) + p.spec.BlockSize
}

func (p *Plugin) Prepare(spec patchbay.AudioSpec) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return ErrClosed
	}
	p.spec = spec
	var ignored int
	return call(p.client, "Prepare", spec, &ignored, p.opts.Timeout)
}

func (p *Plugin) SaveState() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return nil, ErrClosed
	}
	if p.dead.Load() {
		// the last known state is the best we have
		return slices.Clone(p.state), nil
	}
	var state []byte
	if err := call(p.client, "SaveState", 0, &state, p.opts.Timeout); err != nil {
		return nil, err
	}
	p.state = state
	return slices.Clone(state), nil
}

func (p *Plugin) RestoreState(state []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return ErrClosed
	}
	var ignored int
	if err := call(p.client, "RestoreState", state, &ignored, p.opts.Timeout); err != nil {
		return err
	}
	p.state = slices.Clone(state)
	return nil
}

// Respawn replaces a dead child with a fresh one and pushes the last known
// state to it. The plugin must not be processing while this runs.
func (p *Plugin) Respawn() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.stop()
	return p.start()
}

func (p *Plugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if p.client != nil && !p.dead.Load() {
		var ignored int
		call(p.client, "Close", 0, &ignored, p.opts.Timeout)
	}
	p.stop()
	return nil
}

func call(client *rpc.Client, method string, args, reply any, timeout time.Duration) error {
	c := client.Go(ServiceName+"."+method, args, reply, make(chan *rpc.Call, 1))
	select {
	case <-c.Done:
		return c.Error
	case <-time.After(timeout):
		return fmt.Errorf("bridge: %s: %w", method, os.ErrDeadlineExceeded)
	}
}

func startChild(command []string) (io.ReadWriteCloser, error) {
	cmd := exec.Command(command[0], command[1:]...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("could not start %q: %w", command[0], err)
	}
	return &childConn{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (c *childConn) Read(b []byte) (int, error) { return c.stdout.Read(b) }
func (c *childConn) Write(b []byte) (int, error) { return c.stdin.Write(b) }

func (c *childConn) Close() error {
	c.stdin.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}

// StdioConn makes a connection out of the standard input and output of the
// child process.
func StdioConn() io.ReadWriteCloser {
	return stdioConn{}
}

type stdioConn struct{}

func (stdioConn) Read(b []byte) (int, error)  { return os.Stdin.Read(b) }
func (stdioConn) Write(b []byte) (int, error) { return os.Stdout.Write(b) }

func (stdioConn) Close() error {
	os.Stdin.Close()
	return os.Stdout.Close()
}
