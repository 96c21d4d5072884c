package control

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/rt"
	"gopkg.in/yaml.v3"
)

// Config holds the engine settings. The zero value of a field means its
// default, see DefaultConfig.
type Config struct {
	SampleRate int `yaml:"samplerate,omitempty"`
	BlockSize  int `yaml:"blocksize,omitempty"`
	Inputs     int `yaml:"inputs,omitempty"`
	Outputs    int `yaml:"outputs,omitempty"`

	// Workers is the number of threads running nodes in a cycle, the
	// backend's own thread included.
	Workers int `yaml:"workers,omitempty"`

	UndoLimit     int            `yaml:"undolimit,omitempty"`
	PluginTimeout time.Duration  `yaml:"plugintimeout,omitempty"`
	CrashPolicy   rt.CrashPolicy `yaml:"crashpolicy,omitempty"`

	// Backend names the audio backend the binaries open: "oto", "dummy" or
	// "none".
	Backend   string `yaml:"backend,omitempty"`
	MIDIInput string `yaml:"midiinput,omitempty"`

	// BridgeCommand is the command line of the plugin bridge process, and
	// IsolatedFormats the plugin formats always run through it.
	BridgeCommand   []string `yaml:"bridgecommand,omitempty,flow"`
	IsolatedFormats []string `yaml:"isolatedformats,omitempty,flow"`

	// RecordSeconds is how much audio a recording tap buffers between two
	// polls of the engine.
	RecordSeconds int `yaml:"recordseconds,omitempty"`

	// EventBuffer is the capacity of the Events channel. Events are dropped
	// when nobody reads them.
	EventBuffer int `yaml:"eventbuffer,omitempty"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns the configuration used for fields left zero.
func DefaultConfig() Config {
	return Config{
		SampleRate:    48000,
		BlockSize:     256,
		Inputs:        2,
		Outputs:       2,
		Workers:       runtime.GOMAXPROCS(0),
		UndoLimit:     100,
		PluginTimeout: 5 * time.Second,
		CrashPolicy:   rt.Silence,
		Backend:       "oto",
		BridgeCommand: []string{"patchbay-bridge"},
		RecordSeconds: 30,
		EventBuffer:   1024,
	}
}

// LoadConfig reads a YAML configuration. Missing fields get their defaults.
func LoadConfig(r io.Reader) (Config, error) {
	var c Config
	if err := yaml.NewDecoder(r).Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("could not decode config: %w", err)
	}
	c = c.withDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Save writes the configuration as YAML.
func (c Config) Save(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("could not encode config: %w", err)
	}
	return enc.Close()
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate == 0 {
		c.SampleRate = d.SampleRate
	}
	if c.BlockSize == 0 {
		c.BlockSize = d.BlockSize
	}
	if c.Inputs == 0 {
		c.Inputs = d.Inputs
	}
	if c.Outputs == 0 {
		c.Outputs = d.Outputs
	}
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.UndoLimit == 0 {
		c.UndoLimit = d.UndoLimit
	}
	if c.PluginTimeout == 0 {
		c.PluginTimeout = d.PluginTimeout
	}
	if c.Backend == "" {
		c.Backend = d.Backend
	}
	if c.BridgeCommand == nil {
		c.BridgeCommand = d.BridgeCommand
	}
	if c.RecordSeconds == 0 {
		c.RecordSeconds = d.RecordSeconds
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Validate checks the settings that cannot be repaired by defaults.
func (c Config) Validate() error {
	if err := c.Spec().Validate(); err != nil {
		return err
	}
	if c.UndoLimit < 0 {
		return fmt.Errorf("undo limit %d is negative", c.UndoLimit)
	}
	if c.Workers < 0 {
		return fmt.Errorf("worker count %d is negative", c.Workers)
	}
	return nil
}

// Spec is the stream format the engine compiles for until a backend says
// otherwise.
func (c Config) Spec() patchbay.AudioSpec {
	return patchbay.AudioSpec{SampleRate: c.SampleRate, BlockSize: c.BlockSize, Inputs: c.Inputs, Outputs: c.Outputs}
}
