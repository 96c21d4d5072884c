// Package bridge runs plugins in a child process. The child (see
// cmd/patchbay-bridge) serves a net/rpc service over its standard input and
// output; the engine side talks to it through Plugin, which hands blocks to
// the child asynchronously so that the real-time thread never waits on the
// pipe. Bridged plugins have one block of extra latency.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/rpc"
	"sync"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/plugin"
)

// ServiceName is the net/rpc service name used on the bridge connection.
const ServiceName = "Bridge"

type (
	InstantiateArgs struct {
		Descriptor patchbay.PluginDescriptor
		Spec       patchbay.AudioSpec
	}

	InstantiateReply struct {
		Latency int
	}

	ParamChange struct {
		Index int
		Value float64
	}

	ProcessArgs struct {
		Frames int
		In     [][]float32
		Events []patchbay.MIDIEvent
		Params []ParamChange
	}

	ProcessReply struct {
		Out     [][]float32
		Events  []patchbay.MIDIEvent
		Latency int
	}

	// Server is the child side of the bridge. It hosts a single plugin.
	Server struct {
		host *plugin.Host
		mu   sync.Mutex
		p    patchbay.Plugin
		d    patchbay.PluginDescriptor
		bufs patchbay.PluginBuffers
	}
)

var errNoPlugin = errors.New("bridge: no plugin instantiated")

// Serve answers bridge requests on conn until the other end hangs up.
func Serve(conn io.ReadWriteCloser, host *plugin.Host) error {
	srv := rpc.NewServer()
	s := &Server{host: host}
	if err := srv.RegisterName(ServiceName, s); err != nil {
		return fmt.Errorf("could not register bridge service: %w", err)
	}
	srv.ServeConn(conn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p != nil {
		host.Close(s.p)
		s.p = nil
	}
	return nil
}

func (s *Server) Instantiate(args InstantiateArgs, reply *InstantiateReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p != nil {
		s.host.Close(s.p)
		s.p = nil
	}
	d := args.Descriptor.Copy()
	d.Isolated = false
	p, err := s.host.Instantiate(context.Background(), d, args.Spec)
	if err != nil {
		return err
	}
	s.p, s.d = p, d
	s.bufs = patchbay.PluginBuffers{OutEvents: make([]patchbay.MIDIEvent, 0, maxEvents)}
	reply.Latency = p.Latency()
	return nil
}

func (s *Server) Prepare(spec patchbay.AudioSpec, reply *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p == nil {
		return errNoPlugin
	}
	return s.host.Prepare(context.Background(), s.p, spec)
}

func (s *Server) Process(args ProcessArgs, reply *ProcessReply) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p == nil {
		return errNoPlugin
	}
	for _, c := range args.Params {
		s.p.SetParam(c.Index, c.Value)
	}
	b := &s.bufs
	b.Frames = args.Frames
	b.In = args.In
	b.Events = args.Events
	b.OutEvents = b.OutEvents[:0]
	outs := s.d.AudioOut + s.d.CVOut
	if cap(b.Out) < outs {
		b.Out = make([][]float32, outs)
	}
	b.Out = b.Out[:outs]
	for k := range b.Out {
		if cap(b.Out[k]) < args.Frames {
			b.Out[k] = make([]float32, args.Frames)
		}
		b.Out[k] = b.Out[k][:args.Frames]
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin panicked: %v", r)
		}
	}()
	if err := s.p.Process(b); err != nil {
		return err
	}
	reply.Out = b.Out
	reply.Events = b.OutEvents
	reply.Latency = s.p.Latency()
	return nil
}

func (s *Server) SaveState(_ int, reply *[]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p == nil {
		return errNoPlugin
	}
	state, err := s.host.SaveState(context.Background(), s.p)
	*reply = state
	return err
}

func (s *Server) RestoreState(state []byte, reply *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p == nil {
		return errNoPlugin
	}
	return s.host.RestoreState(context.Background(), s.p, state)
}

func (s *Server) Ping(seq int, reply *int) error {
	*reply = seq
	return nil
}

func (s *Server) Close(_ int, reply *int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p == nil {
		return nil
	}
	err := s.host.Close(s.p)
	s.p = nil
	return err
}
