// Package plugin hosts plugins for the engine: it maps format names to
// patchbay.PluginFormat implementations, routes isolated plugins through a
// bridge format and makes sure that no control goroutine waits on a plugin
// longer than the configured timeout.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/patchbay-audio/patchbay"
)

// DefaultTimeout bounds instantiation and state I/O when the host is given
// no timeout.
const DefaultTimeout = 5 * time.Second

var (
	ErrUnknownFormat = errors.New("unknown plugin format")
	ErrTimeout       = errors.New("plugin did not respond in time")
	ErrNoBridge      = errors.New("isolated plugin but no bridge format registered")
)

type (
	// Host instantiates plugins by format name. A Host is safe for concurrent
	// use.
	Host struct {
		mu       sync.RWMutex
		formats  map[string]patchbay.PluginFormat
		isolated map[string]bool
		bridge   Bridge
		timeout  time.Duration
	}

	// Bridge is a plugin format that runs plugins of other formats out of
	// process.
	Bridge interface {
		patchbay.PluginFormat
		Isolate(d patchbay.PluginDescriptor, spec patchbay.AudioSpec) (patchbay.Plugin, error)
	}

	// InstantiationError is returned when a plugin could not be created or
	// prepared. It unwraps to the cause, which can be ErrTimeout.
	InstantiationError struct {
		Descriptor patchbay.PluginDescriptor
		Err        error
	}
)

func (e *InstantiationError) Error() string {
	return fmt.Sprintf("could not instantiate %s plugin %q: %v", e.Descriptor.Format, e.Descriptor.URI, e.Err)
}

func (e *InstantiationError) Unwrap() error { return e.Err }

// NewHost returns a host with no formats. timeout <= 0 means DefaultTimeout.
func NewHost(timeout time.Duration) *Host {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Host{
		formats:  map[string]patchbay.PluginFormat{},
		isolated: map[string]bool{},
		timeout:  timeout,
	}
}

// Register adds a format, replacing any format with the same name.
func (h *Host) Register(f patchbay.PluginFormat) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.formats[f.Name()] = f
}

// SetBridge sets the format used for isolated plugins.
func (h *Host) SetBridge(b Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// Isolate makes every plugin of the given format run through the bridge.
func (h *Host) Isolate(format string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.isolated[format] = true
}

// Formats returns the names of the registered formats, sorted.
func (h *Host) Formats() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ret := make([]string, 0, len(h.formats))
	for name := range h.formats {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

// Format returns the format registered under name.
func (h *Host) Format(name string) (patchbay.PluginFormat, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	f, ok := h.formats[name]
	return f, ok
}

// Timeout is the longest the host waits for a plugin.
func (h *Host) Timeout() time.Duration { return h.timeout }

// Instantiate creates and prepares a plugin. If the plugin does not come back
// within the timeout, or ctx is done first, an *InstantiationError wrapping
// ErrTimeout (or the context's error) is returned and the late instance, if
// any, is closed once it shows up.
func (h *Host) Instantiate(ctx context.Context, d patchbay.PluginDescriptor, spec patchbay.AudioSpec) (patchbay.Plugin, error) {
	h.mu.RLock()
	f, ok := h.formats[d.Format]
	isolated := d.Isolated || h.isolated[d.Format]
	bridge := h.bridge
	h.mu.RUnlock()
	create := func() (patchbay.Plugin, error) {
		if isolated {
			if bridge == nil {
				return nil, ErrNoBridge
			}
			return bridge.Isolate(d.Copy(), spec)
		}
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownFormat, d.Format)
		}
		return f.Instantiate(d.Copy(), spec)
	}
	type result struct {
		p   patchbay.Plugin
		err error
	}
	c := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c <- result{nil, fmt.Errorf("plugin panicked: %v", r)}
			}
		}()
		p, err := create()
		if err == nil {
			if err = p.Prepare(spec); err != nil {
				p.Close()
				p = nil
			}
		}
		c <- result{p, err}
	}()
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	select {
	case r := <-c:
		if r.err != nil {
			return nil, &InstantiationError{Descriptor: d, Err: r.err}
		}
		return r.p, nil
	case <-ctx.Done():
		go func() {
			if r := <-c; r.p != nil {
				r.p.Close()
			}
		}()
		return nil, &InstantiationError{Descriptor: d, Err: timeoutErr(ctx)}
	}
}

// Prepare re-prepares a plugin for a new stream format.
func (h *Host) Prepare(ctx context.Context, p patchbay.Plugin, spec patchbay.AudioSpec) error {
	return h.call(ctx, func() error { return p.Prepare(spec) })
}

// SaveState asks the plugin for its state.
func (h *Host) SaveState(ctx context.Context, p patchbay.Plugin) ([]byte, error) {
	var state []byte
	err := h.call(ctx, func() (err error) {
		state, err = p.SaveState()
		state = slices.Clone(state)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("could not save plugin state: %w", err)
	}
	return state, nil
}

// RestoreState hands a saved state back to a plugin.
func (h *Host) RestoreState(ctx context.Context, p patchbay.Plugin, state []byte) error {
	if err := h.call(ctx, func() error { return p.RestoreState(state) }); err != nil {
		return fmt.Errorf("could not restore plugin state: %w", err)
	}
	return nil
}

// Close closes a plugin without waiting for it longer than the timeout.
func (h *Host) Close(p patchbay.Plugin) error {
	if p == nil {
		return nil
	}
	return h.call(context.Background(), p.Close)
}

// call runs f on its own goroutine and waits for it at most the timeout. A
// plugin that panics in f is reported as an error.
func (h *Host) call(ctx context.Context, f func() error) error {
	c := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c <- fmt.Errorf("plugin panicked: %v", r)
			}
		}()
		c <- f()
	}()
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	select {
	case err := <-c:
		return err
	case <-ctx.Done():
		return timeoutErr(ctx)
	}
}

func timeoutErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}
