//go:build plugin

// Command patchbay-vsti builds the engine as a VST2 effect: the host drives
// the cycles and the project is stored in the host's session.
package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/cmd"
	"github.com/patchbay-audio/patchbay/control"
	"github.com/patchbay-audio/patchbay/document"
	"pipelined.dev/audio/vst2"
)

const (
	pluginName = "patchbay"
	maxEvents  = 512
)

var pluginID = [4]byte{'p', 'b', 'a', 'y'}

// hostBackend lets the VST host drive the engine from its process callback.
type hostBackend struct {
	spec patchbay.AudioSpec

	mu    sync.Mutex
	p     patchbay.BlockProcessor
	block *patchbay.Block
}

func (b *hostBackend) Name() string { return "vst2" }

func (b *hostBackend) Spec() patchbay.AudioSpec { return b.spec }

func (b *hostBackend) Start(p patchbay.BlockProcessor, n patchbay.Notifier) error {
	b.mu.Lock()
	b.p = p
	b.block = b.spec.NewBlock(maxEvents)
	b.mu.Unlock()
	return nil
}

func (b *hostBackend) Stop() error {
	b.mu.Lock()
	b.p = nil
	b.mu.Unlock()
	return nil
}

func (b *hostBackend) queue(ev *vst2.MIDIEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.block == nil || len(b.block.MIDIIn) == cap(b.block.MIDIIn) {
		return
	}
	b.block.MIDIIn = append(b.block.MIDIIn, patchbay.MIDIEvent{Frame: ev.DeltaFrames, Len: 3, Data: [3]byte{ev.Data[0], ev.Data[1], ev.Data[2]}})
}

func (b *hostBackend) process(in, out vst2.FloatBuffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.p == nil {
		for i := range b.spec.Outputs {
			clear(out.Channel(i))
		}
		return
	}
	blk := b.block
	blk.Frames = out.Frames
	for i := range blk.In {
		blk.In[i] = in.Channel(i)
	}
	for i := range blk.Out {
		blk.Out[i] = out.Channel(i)
	}
	b.p.ProcessBlock(blk)
	blk.MIDIIn = blk.MIDIIn[:0]
}

func config() control.Config {
	path := ""
	if dir, err := os.UserConfigDir(); err == nil {
		if p := filepath.Join(dir, "patchbay", "vsti.yml"); fileExists(p) {
			path = p
		}
	}
	cfg, err := cmd.LoadConfig(path)
	if err != nil {
		cfg, _ = cmd.LoadConfig("")
	}
	cfg.Inputs, cfg.Outputs = 2, 2
	return cfg
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func init() {
	var (
		version = int32(100)
	)
	vst2.PluginAllocator = func(h vst2.Host) (vst2.Plugin, vst2.Dispatcher) {
		cfg := config()
		log, _ := cmd.NewLogger(os.Stderr, "warn")
		cfg.Logger = log
		ctx, cancel := context.WithCancel(context.Background())
		e, err := control.New(cfg, nil)
		if err != nil {
			log.Error("could not create engine", "err", err)
		}
		b := &hostBackend{spec: cfg.Spec()}
		if e != nil {
			if err := e.SetBackend(ctx, b); err != nil {
				log.Error("could not attach to host", "err", err)
			}
			go e.Run(ctx)
		}
		return vst2.Plugin{
				UniqueID:         pluginID,
				Version:          version,
				InputChannels:    2,
				OutputChannels:   2,
				Name:             pluginName,
				Vendor:           "patchbay-audio",
				Category:         vst2.PluginCategoryEffect,
				ProcessFloatFunc: b.process,
			}, vst2.Dispatcher{
				CanDoFunc: func(pcds vst2.PluginCanDoString) vst2.CanDoResponse {
					switch pcds {
					case vst2.PluginCanReceiveEvents, vst2.PluginCanReceiveMIDIEvent:
						return vst2.YesCanDo
					}
					return vst2.NoCanDo
				},
				ProcessEventsFunc: func(ev *vst2.EventsPtr) {
					for i := 0; i < ev.NumEvents(); i++ {
						if m, ok := ev.Event(i).(*vst2.MIDIEvent); ok {
							b.queue(m)
						}
					}
				},
				CloseFunc: func() {
					cancel()
					if e != nil {
						e.Close()
					}
				},
				GetChunkFunc: func(isPreset bool) []byte {
					if e == nil {
						return nil
					}
					p, err := e.Project(ctx)
					if err != nil {
						log.Error("could not save project", "err", err)
						return nil
					}
					var buf bytes.Buffer
					if err := document.Encode(&buf, p); err != nil {
						log.Error("could not save project", "err", err)
						return nil
					}
					return buf.Bytes()
				},
				SetChunkFunc: func(data []byte, isPreset bool) {
					if e == nil {
						return
					}
					p, err := document.Decode(bytes.NewReader(data))
					if err == nil {
						err = e.LoadProject(ctx, p)
					}
					if err != nil {
						log.Error("could not load project", "err", err)
					}
				},
			}
	}
}

func main() {}
