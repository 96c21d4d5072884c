// Package export renders a processor offline, as fast as it goes, into WAV or
// raw sample files.
package export

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/patchbay-audio/patchbay"
)

const maxEvents = 512

type (
	// Sink receives the rendered output block by block. out has one slice per
	// channel; only the first frames samples of each are valid.
	Sink interface {
		WriteBlock(out [][]float32, frames int) error
		Close() error
	}

	// Exporter drives a processor with synthetic timing. Input, when set,
	// fills the hardware inputs; MIDI, when set, provides the MIDI input.
	Exporter struct {
		Spec  patchbay.AudioSpec
		Input func(channel int, frame uint64, buf []float32)
		MIDI  patchbay.MIDISource
	}

	// WAV writes integer PCM wave files through go-audio.
	WAV struct {
		enc *wav.Encoder
		buf *audio.IntBuffer
		max float32
	}

	// Raw writes headerless interleaved little-endian samples, either
	// float32 or int16.
	Raw struct {
		w     io.Writer
		pcm16 bool
		buf   []byte
	}
)

var ErrBitDepth = errors.New("unsupported bit depth")

// Export renders frames frames of p into sink and closes the sink. The last
// block is rendered whole but written only up to frames.
func (e *Exporter) Export(ctx context.Context, p patchbay.BlockProcessor, sink Sink, frames int) error {
	if err := e.Spec.Validate(); err != nil {
		return err
	}
	block := e.Spec.NewBlock(maxEvents)
	var pos uint64
	for remaining := frames; remaining > 0; {
		if err := ctx.Err(); err != nil {
			sink.Close()
			return err
		}
		if e.Input != nil {
			for ch, buf := range block.In {
				e.Input(ch, pos, buf)
			}
		}
		if e.MIDI != nil {
			block.MIDIIn = e.MIDI.ReadEvents(block.MIDIIn[:0], block.Frames)
		}
		p.ProcessBlock(block)
		n := min(remaining, block.Frames)
		if err := sink.WriteBlock(block.Out, n); err != nil {
			sink.Close()
			return fmt.Errorf("export failed at frame %d: %w", pos, err)
		}
		remaining -= n
		pos += uint64(n)
	}
	return sink.Close()
}

// NewWAV returns a sink writing a 16 or 24 bit wave file with the channel
// count and sample rate of spec.
func NewWAV(w io.WriteSeeker, spec patchbay.AudioSpec, bitDepth int) (*WAV, error) {
	if bitDepth != 16 && bitDepth != 24 {
		return nil, fmt.Errorf("%w: %d", ErrBitDepth, bitDepth)
	}
	return &WAV{
		enc: wav.NewEncoder(w, spec.SampleRate, bitDepth, spec.Outputs, 1),
		buf: &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: spec.Outputs, SampleRate: spec.SampleRate},
			Data:           make([]int, 0, spec.BlockSize*spec.Outputs),
			SourceBitDepth: bitDepth,
		},
		max: float32(int(1)<<(bitDepth-1) - 1),
	}, nil
}

func (s *WAV) WriteBlock(out [][]float32, frames int) error {
	s.buf.Data = s.buf.Data[:0]
	for f := 0; f < frames; f++ {
		for _, ch := range out {
			v := min(max(ch[f], -1), 1)
			s.buf.Data = append(s.buf.Data, int(v*s.max))
		}
	}
	return s.enc.Write(s.buf)
}

// Close finishes the header. The underlying writer stays open.
func (s *WAV) Close() error { return s.enc.Close() }

func NewRaw(w io.Writer, pcm16 bool) *Raw {
	return &Raw{w: w, pcm16: pcm16}
}

func (s *Raw) WriteBlock(out [][]float32, frames int) error {
	s.buf = s.buf[:0]
	for f := 0; f < frames; f++ {
		for _, ch := range out {
			if s.pcm16 {
				v := int16(min(max(ch[f], -1), 1) * math.MaxInt16)
				s.buf = binary.LittleEndian.AppendUint16(s.buf, uint16(v))
			} else {
				s.buf = binary.LittleEndian.AppendUint32(s.buf, math.Float32bits(ch[f]))
			}
		}
	}
	_, err := s.w.Write(s.buf)
	return err
}

func (s *Raw) Close() error { return nil }
