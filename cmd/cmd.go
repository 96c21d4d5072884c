// Package cmd holds what the patchbay binaries share: configuration,
// logging and opening the audio backend.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/backend/dummy"
	"github.com/patchbay-audio/patchbay/control"
	"github.com/patchbay-audio/patchbay/gomidi"
	"github.com/patchbay-audio/patchbay/oto"
)

var ErrUnknownBackend = errors.New("unknown backend")

// LoadConfig reads the configuration file at path. An empty path gives the
// default configuration.
func LoadConfig(path string) (control.Config, error) {
	if path == "" {
		return control.LoadConfig(strings.NewReader(""))
	}
	f, err := os.Open(path)
	if err != nil {
		return control.Config{}, fmt.Errorf("could not read config: %w", err)
	}
	defer f.Close()
	return control.LoadConfig(f)
}

// NewLogger returns a text logger at the given level ("debug", "info",
// "warn" or "error").
func NewLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}

type midiSetter interface {
	SetMIDI(src patchbay.MIDISource)
}

// OpenBackend creates the backend named by cfg.Backend with the stream
// format of cfg, and connects cfg.MIDIInput to it when set. "none" returns a
// nil backend. A MIDI input that cannot be opened is logged and skipped. The
// returned function releases the MIDI input; call it after the backend has
// stopped.
func OpenBackend(cfg control.Config, log *slog.Logger) (patchbay.Backend, func(), error) {
	var b patchbay.Backend
	switch cfg.Backend {
	case "none":
		return nil, func() {}, nil
	case dummy.Name:
		b = dummy.New(cfg.Spec())
	case oto.Name:
		b = oto.New(cfg.Spec(), 0)
	default:
		return nil, nil, fmt.Errorf("%w %q", ErrUnknownBackend, cfg.Backend)
	}
	if cfg.MIDIInput == "" {
		return b, func() {}, nil
	}
	drv, err := gomidi.Driver()
	if err != nil {
		log.Warn("no MIDI input", "err", err)
		return b, func() {}, nil
	}
	in, err := gomidi.Open(drv, cfg.MIDIInput, cfg.SampleRate)
	if err != nil {
		log.Warn("no MIDI input", "prefix", cfg.MIDIInput, "err", err)
		drv.Close()
		return b, func() {}, nil
	}
	log.Info("MIDI input opened", "device", in.String())
	b.(midiSetter).SetMIDI(in)
	return b, func() {
		in.Close()
		drv.Close()
	}, nil
}
