package patchbay

import (
	"fmt"
	"strings"
)

type (
	// PortType is the kind of data a port carries. Connections may only join
	// ports of the same type.
	PortType int

	// Direction tells whether a port consumes (In) or produces (Out) data.
	Direction int

	// NodeKind is the closed set of node variants the engine knows how to
	// process.
	NodeKind int
)

const (
	Audio PortType = iota
	MIDI
	CV
	Control
)

const (
	In Direction = iota
	Out
)

const (
	Track NodeKind = iota
	Channel
	Fader
	PluginNode
	Send
	HardwareIn
	HardwareOut
)

var portTypeNames = [...]string{"audio", "midi", "cv", "control"}
var directionNames = [...]string{"in", "out"}
var nodeKindNames = [...]string{"track", "channel", "fader", "plugin", "send", "hardware-in", "hardware-out"}

func (t PortType) String() string   { return enumName(portTypeNames[:], int(t)) }
func (d Direction) String() string  { return enumName(directionNames[:], int(d)) }
func (k NodeKind) String() string   { return enumName(nodeKindNames[:], int(k)) }
func (t PortType) Signal() bool     { return t != MIDI }
func (k NodeKind) IsHardware() bool { return k == HardwareIn || k == HardwareOut }

func (t PortType) MarshalText() ([]byte, error)  { return []byte(t.String()), nil }
func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }
func (k NodeKind) MarshalText() ([]byte, error)  { return []byte(k.String()), nil }

func (t *PortType) UnmarshalText(b []byte) error {
	v, err := parseEnum(portTypeNames[:], "port type", string(b))
	*t = PortType(v)
	return err
}

func (d *Direction) UnmarshalText(b []byte) error {
	v, err := parseEnum(directionNames[:], "direction", string(b))
	*d = Direction(v)
	return err
}

func (k *NodeKind) UnmarshalText(b []byte) error {
	v, err := parseEnum(nodeKindNames[:], "node kind", string(b))
	*k = NodeKind(v)
	return err
}

// ParseNodeKind parses the textual form of a node kind, e.g. "track".
func ParseNodeKind(s string) (NodeKind, error) {
	var k NodeKind
	err := k.UnmarshalText([]byte(s))
	return k, err
}

// NodeKinds lists every node kind in declaration order.
func NodeKinds() []NodeKind {
	ret := make([]NodeKind, len(nodeKindNames))
	for i := range ret {
		ret[i] = NodeKind(i)
	}
	return ret
}

func enumName(names []string, i int) string {
	if i < 0 || i >= len(names) {
		return fmt.Sprintf("unknown(%d)", i)
	}
	return names[i]
}

func parseEnum(names []string, what, s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range names {
		if n == s {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", what, s)
}
