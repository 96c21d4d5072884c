// Package builtin implements the plugins that ship with the engine: a gain
// stage, a fixed delay that reports its length as latency, a MIDI driven sine
// oscillator and a MIDI transposer.
package builtin

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/patchbay-audio/patchbay"
	"github.com/viterin/vek/vek32"
	"gopkg.in/yaml.v3"
)

// FormatName is the format name of the builtin plugins.
const FormatName = "builtin"

// MaxDelay is the longest delay, in samples, the delay plugin accepts.
const MaxDelay = 1 << 20

type (
	// Format instantiates builtin plugins. URIs are "gain", "sine",
	// "transpose" and "delay:N" where N is the delay in samples.
	Format struct{}

	// params is embedded in every builtin plugin: parameter values are kept
	// here so that SaveState and RestoreState work the same way for all of
	// them. Values are float64 bits, written by SetParam on the audio thread
	// and read by SaveState on a control goroutine.
	params struct {
		vals []atomic.Uint64
	}

	// state is the serialized form of params.
	state struct {
		Values []float64 `yaml:"params,flow"`
	}

	gain struct {
		params
	}

	delay struct {
		params
		buf []float32
		pos int
	}

	sine struct {
		params
		rate  float64
		phase float64
		omega float64
		note  int
		gate  bool
	}

	transpose struct {
		params
	}
)

var descriptors = map[string]patchbay.PluginDescriptor{
	"gain": {AudioIn: 1, AudioOut: 1, Params: []patchbay.ParamInfo{
		{Name: "gain", Min: 0, Max: 4, Default: 1},
	}},
	"delay": {AudioIn: 1, AudioOut: 1},
	"sine": {AudioOut: 1, MIDIIn: true, Params: []patchbay.ParamInfo{
		{Name: "level", Min: 0, Max: 1, Default: 0.5},
	}},
	"transpose": {MIDIIn: true, MIDIOut: true, Params: []patchbay.ParamInfo{
		{Name: "semitones", Min: -48, Max: 48, Default: 0},
	}},
}

// Names lists the builtin plugins.
func Names() []string { return []string{"delay", "gain", "sine", "transpose"} }

// Descriptor returns the descriptor of a builtin plugin. The delay plugin
// takes its length from the URI, e.g. "delay:128".
func Descriptor(uri string) (patchbay.PluginDescriptor, error) {
	name, _, _ := strings.Cut(uri, ":")
	d, ok := descriptors[name]
	if !ok {
		return patchbay.PluginDescriptor{}, fmt.Errorf("unknown builtin plugin %q", uri)
	}
	if name == "delay" {
		if _, err := delayLength(uri); err != nil {
			return patchbay.PluginDescriptor{}, err
		}
	}
	d = d.Copy()
	d.Format, d.URI, d.Name = FormatName, uri, name
	return d, nil
}

func delayLength(uri string) (int, error) {
	_, arg, ok := strings.Cut(uri, ":")
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(arg)
	if err != nil || n < 0 || n > MaxDelay {
		return 0, fmt.Errorf("invalid delay length %q", arg)
	}
	return n, nil
}

func (Format) Name() string { return FormatName }

func (Format) Instantiate(d patchbay.PluginDescriptor, spec patchbay.AudioSpec) (patchbay.Plugin, error) {
	ref, err := Descriptor(d.URI)
	if err != nil {
		return nil, err
	}
	p := params{vals: make([]atomic.Uint64, len(ref.Params))}
	for i, info := range ref.Params {
		p.vals[i].Store(math.Float64bits(info.Default))
	}
	switch ref.Name {
	case "gain":
		return &gain{params: p}, nil
	case "delay":
		n, _ := delayLength(d.URI)
		return &delay{params: p, buf: make([]float32, n)}, nil
	case "sine":
		return &sine{params: p, note: -1}, nil
	case "transpose":
		return &transpose{params: p}, nil
	}
	return nil, fmt.Errorf("unknown builtin plugin %q", d.URI)
}

func (p *params) SetParam(i int, v float64) {
	if i >= 0 && i < len(p.vals) {
		p.vals[i].Store(math.Float64bits(v))
	}
}

func (p *params) value(i int) float64 { return math.Float64frombits(p.vals[i].Load()) }

func (p *params) Latency() int                     { return 0 }
func (p *params) Prepare(patchbay.AudioSpec) error { return nil }
func (p *params) Close() error                     { return nil }

func (p *params) SaveState() ([]byte, error) {
	s := state{Values: make([]float64, len(p.vals))}
	for i := range p.vals {
		s.Values[i] = p.value(i)
	}
	return yaml.Marshal(s)
}

func (p *params) RestoreState(data []byte) error {
	var s state
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("could not decode builtin plugin state: %w", err)
	}
	if len(s.Values) != len(p.vals) {
		return fmt.Errorf("state has %d parameters, plugin has %d", len(s.Values), len(p.vals))
	}
	for i, v := range s.Values {
		p.vals[i].Store(math.Float64bits(v))
	}
	return nil
}

func (p *gain) Process(b *patchbay.PluginBuffers) error {
	vek32.MulNumber_Into(b.Out[0], b.In[0], float32(p.value(0)))
	return nil
}

func (p *delay) Latency() int { return len(p.buf) }

func (p *delay) Process(b *patchbay.PluginBuffers) error {
	if len(p.buf) == 0 {
		copy(b.Out[0], b.In[0])
		return nil
	}
	for i, x := range b.In[0] {
		b.Out[0][i] = p.buf[p.pos]
		p.buf[p.pos] = x
		if p.pos++; p.pos == len(p.buf) {
			p.pos = 0
		}
	}
	return nil
}

func (p *sine) Prepare(spec patchbay.AudioSpec) error {
	p.rate = float64(spec.SampleRate)
	if p.note >= 0 {
		p.omega = noteOmega(p.note, p.rate)
	}
	return nil
}

func noteOmega(note int, rate float64) float64 {
	if rate <= 0 {
		return 0
	}
	return 440 * math.Exp2(float64(note-69)/12) / rate
}

func (p *sine) Process(b *patchbay.PluginBuffers) error {
	out := b.Out[0]
	level := p.value(0)
	ev := 0
	for i := range out {
		for ; ev < len(b.Events) && int(b.Events[ev].Frame) <= i; ev++ {
			p.handle(b.Events[ev])
		}
		if !p.gate {
			out[i] = 0
			continue
		}
		out[i] = float32(level * math.Sin(2*math.Pi*p.phase))
		p.phase += p.omega
		p.phase -= math.Floor(p.phase)
	}
	for ; ev < len(b.Events); ev++ {
		p.handle(b.Events[ev])
	}
	return nil
}

func (p *sine) handle(e patchbay.MIDIEvent) {
	if e.Len < 3 {
		return
	}
	key, vel := int(e.Data[1]), e.Data[2]
	switch e.Data[0] & 0xF0 {
	case 0x90:
		if vel > 0 {
			p.note, p.gate = key, true
			p.omega = noteOmega(key, p.rate)
			return
		}
		fallthrough
	case 0x80:
		if key == p.note {
			p.gate = false
		}
	}
}

func (p *transpose) Process(b *patchbay.PluginBuffers) error {
	shift := int(math.Round(p.value(0)))
	for _, e := range b.Events {
		if s := e.Data[0] & 0xF0; e.Len == 3 && (s == 0x80 || s == 0x90 || s == 0xA0) {
			k := int(e.Data[1]) + shift
			if k < 0 || k > 127 {
				continue
			}
			e.Data[1] = byte(k)
		}
		if len(b.OutEvents) == cap(b.OutEvents) {
			break
		}
		b.OutEvents = append(b.OutEvents, e)
	}
	return nil
}
