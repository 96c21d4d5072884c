package patchbay

import "fmt"

// PortSpec describes a port before it has been given an ID.
type PortSpec struct {
	Name  string
	Type  PortType
	Dir   Direction
	Value float64
	Param int
}

// Parameter names of the builtin node kinds.
const (
	ParamGain  = "gain"
	ParamMute  = "mute"
	ParamLevel = "level"
)

// AudioPortName returns the name of the i'th audio port in direction d, e.g.
// "in.0" or "out.1".
func AudioPortName(d Direction, i int) string {
	return fmt.Sprintf("%s.%d", d, i)
}

// CVPortName returns the name of the i'th CV port in direction d.
func CVPortName(d Direction, i int) string {
	return fmt.Sprintf("cv.%s.%d", d, i)
}

// MIDIPortName returns the name of the MIDI port in direction d.
func MIDIPortName(d Direction) string {
	return "midi." + d.String()
}

// PortLayout returns the ports a node of the given kind has. channels is the
// number of audio channels for the mixer and hardware kinds; plugin nodes
// take their layout from the descriptor instead.
func PortLayout(kind NodeKind, channels int, plugin *PluginDescriptor) ([]PortSpec, error) {
	if channels <= 0 {
		channels = 1
	}
	var ret []PortSpec
	audio := func(d Direction, n int) {
		for i := 0; i < n; i++ {
			ret = append(ret, PortSpec{Name: AudioPortName(d, i), Type: Audio, Dir: d, Param: -1})
		}
	}
	param := func(name string, v float64) {
		ret = append(ret, PortSpec{Name: name, Type: Control, Dir: In, Value: v, Param: -1})
	}
	midiPort := func(d Direction) {
		ret = append(ret, PortSpec{Name: MIDIPortName(d), Type: MIDI, Dir: d, Param: -1})
	}
	switch kind {
	case Track:
		audio(In, channels)
		midiPort(In)
		param(ParamGain, 1)
		audio(Out, channels)
		midiPort(Out)
	case Channel:
		audio(In, channels)
		param(ParamGain, 1)
		param(ParamMute, 0)
		audio(Out, channels)
	case Fader:
		audio(In, channels)
		param(ParamGain, 1)
		audio(Out, channels)
	case Send:
		audio(In, channels)
		param(ParamLevel, 1)
		audio(Out, channels)
	case HardwareIn:
		audio(Out, channels)
		midiPort(Out)
	case HardwareOut:
		audio(In, channels)
		midiPort(In)
	case PluginNode:
		if plugin == nil {
			return nil, fmt.Errorf("plugin node needs a plugin descriptor")
		}
		audio(In, plugin.AudioIn)
		for i := 0; i < plugin.CVIn; i++ {
			ret = append(ret, PortSpec{Name: CVPortName(In, i), Type: CV, Dir: In, Param: -1})
		}
		if plugin.MIDIIn {
			midiPort(In)
		}
		for i, p := range plugin.Params {
			ret = append(ret, PortSpec{Name: p.Name, Type: Control, Dir: In, Value: p.Default, Param: i})
		}
		audio(Out, plugin.AudioOut)
		for i := 0; i < plugin.CVOut; i++ {
			ret = append(ret, PortSpec{Name: CVPortName(Out, i), Type: CV, Dir: Out, Param: -1})
		}
		if plugin.MIDIOut {
			midiPort(Out)
		}
	default:
		return nil, fmt.Errorf("unknown node kind %v", kind)
	}
	return ret, nil
}

// AttachPorts turns a port layout into ports of n, numbered consecutively
// from first, and sets n.Ports accordingly.
func (n *Node) AttachPorts(specs []PortSpec, first PortID) []Port {
	ports := make([]Port, len(specs))
	n.Ports = make([]PortID, len(specs))
	for i, s := range specs {
		id := first + PortID(i)
		n.Ports[i] = id
		ports[i] = Port{ID: id, Node: n.ID, Name: s.Name, Type: s.Type, Dir: s.Dir, Value: s.Value, Param: s.Param}
	}
	return ports
}
