package patchbay

import (
	"errors"
	"fmt"
)

var (
	ErrIncompatibleTypes = errors.New("incompatible port types")
	ErrCycleDetected     = errors.New("connection would create a cycle")
	ErrAlreadyConnected  = errors.New("ports are already connected")
	ErrNotConnected      = errors.New("ports are not connected")
	ErrUnknownPort       = errors.New("unknown port")
	ErrUnknownNode       = errors.New("unknown node")
	ErrBlockSize         = errors.New("invalid block size")
	ErrSampleRate        = errors.New("invalid sample rate")
)

// GraphErrorKind classifies why a graph failed validation.
type GraphErrorKind int

const (
	Cycle GraphErrorKind = iota
	TypeMismatch
	UnknownPort
	UnknownNode
	DuplicateID
	BufferSize
)

// GraphError is returned when a candidate graph is rejected. It matches the
// corresponding sentinel error with errors.Is, e.g. a GraphError of kind Cycle
// is ErrCycleDetected.
type GraphError struct {
	Kind GraphErrorKind
	Node NodeID
	Port PortID
	Msg  string
}

func (e *GraphError) Error() string {
	var where string
	switch {
	case e.Port != 0:
		where = fmt.Sprintf(" (port %d)", e.Port)
	case e.Node != 0:
		where = fmt.Sprintf(" (node %d)", e.Node)
	}
	return fmt.Sprintf("invalid graph: %s%s", e.Msg, where)
}

func (e *GraphError) Is(target error) bool {
	switch e.Kind {
	case Cycle:
		return target == ErrCycleDetected
	case TypeMismatch:
		return target == ErrIncompatibleTypes
	case UnknownPort:
		return target == ErrUnknownPort
	case UnknownNode:
		return target == ErrUnknownNode
	case BufferSize:
		return target == ErrBlockSize
	}
	return false
}
