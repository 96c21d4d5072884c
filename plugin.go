package patchbay

import "slices"

type (
	// PluginDescriptor identifies a plugin and describes its I/O. Format
	// selects the PluginFormat used to instantiate it and URI is interpreted
	// by that format (a builtin name, a file path to a shared library, ...).
	PluginDescriptor struct {
		Format   string
		URI      string
		Name     string      `yaml:",omitempty"`
		AudioIn  int         `yaml:",omitempty"`
		AudioOut int         `yaml:",omitempty"`
		CVIn     int         `yaml:",omitempty"`
		CVOut    int         `yaml:",omitempty"`
		MIDIIn   bool        `yaml:",omitempty"`
		MIDIOut  bool        `yaml:",omitempty"`
		Params   []ParamInfo `yaml:",omitempty"`

		// Isolated plugins are run in a separate bridge process, so that a
		// misbehaving plugin cannot take the engine down with it.
		Isolated bool `yaml:",omitempty"`
	}

	// ParamInfo documents one automatable parameter of a plugin.
	ParamInfo struct {
		Name    string
		Min     float64
		Max     float64
		Default float64
	}

	// PluginBuffers is what a plugin gets to work on in one cycle. In and Out
	// hold exactly Frames samples per channel: first the audio channels, then
	// the CV channels. Events are the incoming MIDI events, sorted by frame. A
	// plugin producing MIDI appends to OutEvents, which is empty but has spare
	// capacity; appending past the capacity is not allowed.
	PluginBuffers struct {
		Frames    int
		In        [][]float32
		Out       [][]float32
		Events    []MIDIEvent
		OutEvents []MIDIEvent
	}

	// Plugin is a running plugin instance. Process is called from the
	// real-time thread and must not block; everything else is called from
	// control goroutines. SaveState may be called while Process is running on
	// another thread.
	Plugin interface {
		Process(b *PluginBuffers) error
		SetParam(index int, value float64)
		Latency() int
		Prepare(spec AudioSpec) error
		SaveState() ([]byte, error)
		RestoreState(state []byte) error
		Close() error
	}

	// PluginFormat instantiates plugins of one kind, e.g. builtins, bridged or
	// VST2 plugins.
	PluginFormat interface {
		Name() string
		Instantiate(d PluginDescriptor, spec AudioSpec) (Plugin, error)
	}
)

func (d PluginDescriptor) Copy() PluginDescriptor {
	d.Params = slices.Clone(d.Params)
	return d
}

func (d PluginDescriptor) Equal(o PluginDescriptor) bool {
	return d.Format == o.Format && d.URI == o.URI && d.Name == o.Name &&
		d.AudioIn == o.AudioIn && d.AudioOut == o.AudioOut && d.CVIn == o.CVIn && d.CVOut == o.CVOut &&
		d.MIDIIn == o.MIDIIn && d.MIDIOut == o.MIDIOut && d.Isolated == o.Isolated &&
		slices.Equal(d.Params, o.Params)
}
