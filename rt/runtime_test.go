package rt_test

import (
	"fmt"
	"math"
	"testing"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/rt"
)

const epsilon = 1e-6

func sine(b *patchbay.Block, block int) {
	for ch := range b.In {
		for i := range b.In[ch] {
			t := float64(block*len(b.In[ch])+i) / 100
			b.In[ch][i] = float32(math.Sin(t))
		}
	}
}

func TestGainAcrossBlockSizes(t *testing.T) {
	for _, workers := range []int{1, 4} {
		for _, bs := range []int{64, 256, 1024, 4096} {
			t.Run(fmt.Sprintf("workers=%d,block=%d", workers, bs), func(t *testing.T) {
				b := newBuilder()
				in := b.add(t, patchbay.HardwareIn, 1, nil, nil)
				fader := b.add(t, patchbay.Fader, 1, nil, nil)
				out := b.add(t, patchbay.HardwareOut, 1, nil, nil)
				b.connect(t, in, "out.0", fader, "in.0", 1)
				b.connect(t, fader, "out.0", out, "in.0", 1)
				b.g.PortByName(fader, patchbay.ParamGain).Value = 2
				spec := patchbay.AudioSpec{SampleRate: 48000, BlockSize: bs, Inputs: 1, Outputs: 1}
				r := rt.New(workers, rt.Silence)
				defer r.Close()
				r.Publish(b.compile(t, spec, nil))
				block := spec.NewBlock(rt.MaxEvents)
				for k := 0; k < 3; k++ {
					sine(block, k)
					r.ProcessBlock(block)
					for i, x := range block.In[0] {
						if d := math.Abs(float64(block.Out[0][i] - 2*x)); d > epsilon {
							t.Fatalf("block %d sample %d: got %v, expected %v", k, i, block.Out[0][i], 2*x)
						}
					}
				}
			})
		}
	}
}

func TestParallelBranchesAreSummed(t *testing.T) {
	b := newBuilder()
	in := b.add(t, patchbay.HardwareIn, 1, nil, nil)
	out := b.add(t, patchbay.HardwareOut, 1, nil, nil)
	for i := 0; i < 16; i++ {
		f := b.add(t, patchbay.Fader, 1, nil, nil)
		b.connect(t, in, "out.0", f, "in.0", 1)
		b.connect(t, f, "out.0", out, "in.0", 0.5)
	}
	spec := patchbay.AudioSpec{SampleRate: 48000, BlockSize: 128, Inputs: 1, Outputs: 1}
	r := rt.New(4, rt.Silence)
	defer r.Close()
	r.Publish(b.compile(t, spec, nil))
	block := spec.NewBlock(rt.MaxEvents)
	for k := 0; k < 20; k++ {
		sine(block, k)
		r.ProcessBlock(block)
		for i, x := range block.In[0] {
			if d := math.Abs(float64(block.Out[0][i] - 8*x)); d > 1e-5 {
				t.Fatalf("block %d sample %d: got %v, expected %v", k, i, block.Out[0][i], 8*x)
			}
		}
	}
}

func TestLatencyCompensation(t *testing.T) {
	b := newBuilder()
	in := b.add(t, patchbay.HardwareIn, 1, nil, nil)
	delay := b.plugin(t, newDelayPlugin(64))
	dry := b.add(t, patchbay.Fader, 1, nil, nil)
	out := b.add(t, patchbay.HardwareOut, 1, nil, nil)
	b.connect(t, in, "out.0", delay, "in.0", 1)
	b.connect(t, delay, "out.0", out, "in.0", 1)
	b.connect(t, in, "out.0", dry, "in.0", 1)
	b.connect(t, dry, "out.0", out, "in.0", 1)
	spec := patchbay.AudioSpec{SampleRate: 48000, BlockSize: 128, Inputs: 1, Outputs: 1}
	r := rt.New(1, rt.Silence)
	defer r.Close()
	s := b.compile(t, spec, nil)
	if l, _ := s.NodeLatency(delay); l != 64 {
		t.Fatalf("delay node latency: got %d, expected 64", l)
	}
	r.Publish(s)
	block := spec.NewBlock(rt.MaxEvents)
	block.In[0][10] = 1
	r.ProcessBlock(block)
	for i, x := range block.Out[0] {
		expected := float32(0)
		if i == 74 {
			expected = 2
		}
		if math.Abs(float64(x-expected)) > epsilon {
			t.Fatalf("sample %d: got %v, expected %v", i, x, expected)
		}
	}
}

func TestCrashedNodeIsIsolated(t *testing.T) {
	for _, policy := range []rt.CrashPolicy{rt.Silence, rt.PassThrough} {
		t.Run(policy.String(), func(t *testing.T) {
			b := newBuilder()
			crashing := &crashPlugin{after: 2, panic: true}
			healthy := &copyPlugin{}
			in := b.add(t, patchbay.HardwareIn, 1, nil, nil)
			a := b.plugin(t, crashing)
			c := b.plugin(t, healthy)
			out := b.add(t, patchbay.HardwareOut, 2, nil, nil)
			b.connect(t, in, "out.0", a, "in.0", 1)
			b.connect(t, in, "out.0", c, "in.0", 1)
			b.connect(t, a, "out.0", out, "in.0", 1)
			b.connect(t, c, "out.0", out, "in.1", 1)
			spec := patchbay.AudioSpec{SampleRate: 48000, BlockSize: 64, Inputs: 1, Outputs: 2}
			r := rt.New(2, policy)
			defer r.Close()
			r.Publish(b.compile(t, spec, nil))
			block := spec.NewBlock(rt.MaxEvents)
			for i := range block.In[0] {
				block.In[0][i] = 0.5
			}
			for k := 0; k < 5; k++ {
				r.ProcessBlock(block)
				expected := float32(0.5)
				if k >= 2 && policy == rt.Silence {
					expected = 0
				}
				if block.Out[0][0] != expected {
					t.Fatalf("block %d: crashing branch output %v, expected %v", k, block.Out[0][0], expected)
				}
				if block.Out[1][0] != 0.5 {
					t.Fatalf("block %d: healthy branch output %v, expected 0.5", k, block.Out[1][0])
				}
			}
			if crashing.calls != 3 {
				t.Fatalf("crashed plugin was called %d times, expected 3", crashing.calls)
			}
			if healthy.calls != 5 {
				t.Fatalf("healthy plugin was called %d times, expected 5", healthy.calls)
			}
			var notes []rt.Notification
			r.Drain(func(n rt.Notification) { notes = append(notes, n) })
			if len(notes) != 1 || notes[0].Kind != rt.NodeCrashed || notes[0].Node != a {
				t.Fatalf("expected a single crash notification for node %d, got %+v", a, notes)
			}
		})
	}
}

func TestErrorFromPluginCountsAsCrash(t *testing.T) {
	b := newBuilder()
	p := &crashPlugin{after: 0}
	in := b.add(t, patchbay.HardwareIn, 1, nil, nil)
	a := b.plugin(t, p)
	out := b.add(t, patchbay.HardwareOut, 1, nil, nil)
	b.connect(t, in, "out.0", a, "in.0", 1)
	b.connect(t, a, "out.0", out, "in.0", 1)
	spec := patchbay.AudioSpec{SampleRate: 48000, BlockSize: 64, Inputs: 1, Outputs: 1}
	r := rt.New(1, rt.Silence)
	defer r.Close()
	s := b.compile(t, spec, nil)
	r.Publish(s)
	r.ProcessBlock(spec.NewBlock(rt.MaxEvents))
	if !s.State(a).Crashed() {
		t.Fatalf("node should be marked crashed after Process returned an error")
	}
}

func TestParameterAdoptedAtCycleBoundary(t *testing.T) {
	b := newBuilder()
	in := b.add(t, patchbay.HardwareIn, 1, nil, nil)
	fader := b.add(t, patchbay.Fader, 1, nil, nil)
	out := b.add(t, patchbay.HardwareOut, 1, nil, nil)
	b.connect(t, in, "out.0", fader, "in.0", 1)
	b.connect(t, fader, "out.0", out, "in.0", 1)
	gain := b.portID(t, fader, patchbay.ParamGain)
	spec := patchbay.AudioSpec{SampleRate: 48000, BlockSize: 32, Inputs: 1, Outputs: 1}
	r := rt.New(1, rt.Silence)
	defer r.Close()
	s := b.compile(t, spec, nil)
	r.Publish(s)
	block := spec.NewBlock(rt.MaxEvents)
	for i := range block.In[0] {
		block.In[0][i] = 1
	}
	r.ProcessBlock(block)
	if block.Out[0][0] != 1 {
		t.Fatalf("got %v, expected 1", block.Out[0][0])
	}
	if !s.SetParam(gain, 0.25) {
		t.Fatalf("SetParam rejected a Control input")
	}
	if v, _ := s.PortValue(gain); v != 0.25 {
		t.Fatalf("PortValue: got %v, expected the pending value 0.25", v)
	}
	r.ProcessBlock(block)
	for i, x := range block.Out[0] {
		if x != 0.25 {
			t.Fatalf("sample %d: got %v, expected 0.25", i, x)
		}
	}
	if s.SetParam(b.portID(t, fader, "out.0"), 1) {
		t.Fatalf("SetParam accepted an audio output")
	}
}

func TestPluginReceivesParameterChanges(t *testing.T) {
	b := newBuilder()
	p := &copyPlugin{}
	d := &patchbay.PluginDescriptor{Format: "test", Name: "test", AudioIn: 1, AudioOut: 1, Params: []patchbay.ParamInfo{
		{Name: "drive", Min: 0, Max: 1, Default: 0.5},
	}}
	n := b.add(t, patchbay.PluginNode, 0, d, p)
	spec := patchbay.AudioSpec{SampleRate: 48000, BlockSize: 32}
	r := rt.New(1, rt.Silence)
	defer r.Close()
	s := b.compile(t, spec, nil)
	r.Publish(s)
	block := spec.NewBlock(rt.MaxEvents)
	r.ProcessBlock(block)
	if len(p.params) != 1 || p.params[0] != 0.5 {
		t.Fatalf("expected the default value 0.5 to be sent, got %v", p.params)
	}
	s.SetParam(b.portID(t, n, "drive"), 0.75)
	r.ProcessBlock(block)
	if p.params[0] != 0.75 {
		t.Fatalf("expected 0.75, got %v", p.params[0])
	}
}

func TestFeedbackConnectionDelaysOneCycle(t *testing.T) {
	b := newBuilder()
	in := b.add(t, patchbay.HardwareIn, 1, nil, nil)
	x := b.add(t, patchbay.Fader, 1, nil, nil)
	y := b.add(t, patchbay.Fader, 1, nil, nil)
	out := b.add(t, patchbay.HardwareOut, 1, nil, nil)
	b.connect(t, in, "out.0", x, "in.0", 1)
	b.connect(t, x, "out.0", y, "in.0", 1)
	b.connect(t, y, "out.0", out, "in.0", 1)
	fb := patchbay.Connection{Src: b.portID(t, y, "out.0"), Dst: b.portID(t, x, "in.0"), Gain: 0.5, Enabled: true, Feedback: true}
	if err := b.g.CheckConnect(fb); err != nil {
		t.Fatalf("feedback connection rejected: %v", err)
	}
	b.g.Connections = append(b.g.Connections, fb)
	spec := patchbay.AudioSpec{SampleRate: 48000, BlockSize: 4, Inputs: 1, Outputs: 1}
	r := rt.New(1, rt.Silence)
	defer r.Close()
	r.Publish(b.compile(t, spec, nil))
	block := spec.NewBlock(rt.MaxEvents)
	block.In[0][0] = 1
	for k, expected := range []float32{1, 0.5, 0.25, 0.125} {
		r.ProcessBlock(block)
		block.In[0][0] = 0
		if block.Out[0][0] != expected {
			t.Fatalf("block %d: got %v, expected %v", k, block.Out[0][0], expected)
		}
	}
}

func TestMIDIFlowsThroughLargeBlocks(t *testing.T) {
	b := newBuilder()
	in := b.add(t, patchbay.HardwareIn, 1, nil, nil)
	track := b.add(t, patchbay.Track, 1, nil, nil)
	out := b.add(t, patchbay.HardwareOut, 1, nil, nil)
	b.connect(t, in, "midi.out", track, "midi.in", 1)
	b.connect(t, track, "midi.out", out, "midi.in", 1)
	spec := patchbay.AudioSpec{SampleRate: 48000, BlockSize: 128, Inputs: 1, Outputs: 1}
	r := rt.New(1, rt.Silence)
	defer r.Close()
	r.Publish(b.compile(t, spec, nil))
	// the backend hands over twice the compiled block size
	block := patchbay.AudioSpec{SampleRate: 48000, BlockSize: 256, Inputs: 1, Outputs: 1}.NewBlock(rt.MaxEvents)
	block.MIDIIn = append(block.MIDIIn, patchbay.NoteOn(5, 0, 60, 100), patchbay.NoteOff(200, 0, 60))
	r.ProcessBlock(block)
	if len(block.MIDIOut) != 2 {
		t.Fatalf("expected 2 events, got %v", block.MIDIOut)
	}
	if block.MIDIOut[0] != block.MIDIIn[0] || block.MIDIOut[1] != block.MIDIIn[1] {
		t.Fatalf("events changed on the way: got %v, expected %v", block.MIDIOut, block.MIDIIn)
	}
}

func TestRecordingTapCapturesWhileRolling(t *testing.T) {
	b := newBuilder()
	in := b.add(t, patchbay.HardwareIn, 1, nil, nil)
	out := b.add(t, patchbay.HardwareOut, 1, nil, nil)
	b.connect(t, in, "out.0", out, "in.0", 1)
	port := b.portID(t, in, "out.0")
	tap := rt.NewTap(port, patchbay.Audio, 1024)
	spec := patchbay.AudioSpec{SampleRate: 48000, BlockSize: 64, Inputs: 1, Outputs: 1}
	r := rt.New(1, rt.Silence)
	defer r.Close()
	r.Publish(b.compile(t, spec, map[patchbay.PortID]*rt.Tap{port: tap}))
	block := spec.NewBlock(rt.MaxEvents)
	r.SetRecording(true)
	r.ProcessBlock(block) // transport stopped: nothing captured
	if tap.Audio.Len() != 0 {
		t.Fatalf("captured %d samples while stopped", tap.Audio.Len())
	}
	r.Locate(1000)
	r.Play()
	var expected []float32
	for k := 0; k < 3; k++ {
		for i := range block.In[0] {
			block.In[0][i] = float32(k*64 + i)
		}
		expected = append(expected, block.In[0]...)
		r.ProcessBlock(block)
	}
	got := make([]float32, 1024)
	n := tap.Audio.Read(got)
	if n != len(expected) {
		t.Fatalf("captured %d samples, expected %d", n, len(expected))
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("sample %d: got %v, expected %v", i, got[i], expected[i])
		}
	}
	if origin, ok := tap.Origin(); !ok || origin != 1000 {
		t.Fatalf("origin: got %d, %v, expected 1000", origin, ok)
	}
	if r.Position() != 1000+3*64 {
		t.Fatalf("transport position: got %d, expected %d", r.Position(), 1000+3*64)
	}
}

func TestProcessBlockDoesNotAllocate(t *testing.T) {
	b := newBuilder()
	in := b.add(t, patchbay.HardwareIn, 2, nil, nil)
	track := b.add(t, patchbay.Track, 2, nil, nil)
	pl := b.add(t, patchbay.PluginNode, 0, &patchbay.PluginDescriptor{Format: "test", Name: "test", AudioIn: 2, AudioOut: 2, MIDIIn: true, MIDIOut: true}, &copyPlugin{})
	delay := b.plugin(t, newDelayPlugin(100))
	out := b.add(t, patchbay.HardwareOut, 2, nil, nil)
	b.connect(t, in, "out.0", track, "in.0", 1)
	b.connect(t, in, "out.1", track, "in.1", 1)
	b.connect(t, in, "midi.out", track, "midi.in", 1)
	b.connect(t, track, "out.0", pl, "in.0", 0.5)
	b.connect(t, track, "out.1", pl, "in.1", 0.5)
	b.connect(t, track, "midi.out", pl, "midi.in", 1)
	b.connect(t, track, "out.0", delay, "in.0", 1)
	b.connect(t, pl, "out.0", out, "in.0", 1)
	b.connect(t, delay, "out.0", out, "in.0", 1)
	b.connect(t, pl, "out.1", out, "in.1", 1)
	b.connect(t, pl, "midi.out", out, "midi.in", 1)
	spec := patchbay.AudioSpec{SampleRate: 48000, BlockSize: 256, Inputs: 2, Outputs: 2}
	r := rt.New(1, rt.Silence)
	defer r.Close()
	r.Publish(b.compile(t, spec, nil))
	r.Play()
	block := spec.NewBlock(rt.MaxEvents)
	sine(block, 0)
	block.MIDIIn = append(block.MIDIIn, patchbay.NoteOn(3, 0, 64, 90), patchbay.ControlChange(3, 0, 7, 100))
	if allocs := testing.AllocsPerRun(100, func() { r.ProcessBlock(block) }); allocs != 0 {
		t.Fatalf("ProcessBlock allocated %v times per call", allocs)
	}
}
