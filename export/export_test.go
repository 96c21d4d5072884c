package export_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/export"
)

var spec = patchbay.AudioSpec{SampleRate: 44100, BlockSize: 100, Outputs: 2}

// constant writes 0.5 to the left and -0.25 to the right channel.
type constant struct{ blocks int }

func (c *constant) ProcessBlock(b *patchbay.Block) {
	c.blocks++
	for i := range b.Frames {
		b.Out[0][i] = 0.5
		b.Out[1][i] = -0.25
	}
}

func TestExportWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	sink, err := export.NewWAV(f, spec, 16)
	if err != nil {
		t.Fatalf("NewWAV failed: %v", err)
	}
	p := &constant{}
	e := export.Exporter{Spec: spec}
	if err := e.Export(context.Background(), p, sink, 250); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if p.blocks != 3 {
		t.Fatalf("expected 3 blocks rendered, got %d", p.blocks)
	}
	r, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		t.Fatalf("exported file is not a valid wave file")
	}
	if dec.SampleRate != 44100 || dec.NumChans != 2 || dec.BitDepth != 16 {
		t.Fatalf("unexpected format: %d Hz, %d channels, %d bits", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer failed: %v", err)
	}
	if len(buf.Data) != 250*2 {
		t.Fatalf("expected %d samples, got %d", 250*2, len(buf.Data))
	}
	if buf.Data[0] != 16383 || buf.Data[1] != -8191 {
		t.Fatalf("expected samples 16383 and -8191, got %d and %d", buf.Data[0], buf.Data[1])
	}
}

func TestExportRaw(t *testing.T) {
	for _, tc := range []struct {
		name  string
		pcm16 bool
		size  int
	}{
		{"float32", false, 4},
		{"int16", true, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			e := export.Exporter{Spec: spec}
			if err := e.Export(context.Background(), &constant{}, export.NewRaw(&out, tc.pcm16), 150); err != nil {
				t.Fatalf("Export failed: %v", err)
			}
			if out.Len() != 150*2*tc.size {
				t.Fatalf("expected %d bytes, got %d", 150*2*tc.size, out.Len())
			}
			b := out.Bytes()
			if tc.pcm16 {
				if v := int16(binary.LittleEndian.Uint16(b[2:])); v != -8191 {
					t.Fatalf("right sample: expected -8191, got %d", v)
				}
				return
			}
			if v := math.Float32frombits(binary.LittleEndian.Uint32(b[4:])); v != -0.25 {
				t.Fatalf("right sample: expected -0.25, got %v", v)
			}
		})
	}
}

func TestExportInput(t *testing.T) {
	mono := patchbay.AudioSpec{SampleRate: 48000, BlockSize: 64, Inputs: 1, Outputs: 1}
	var out bytes.Buffer
	e := export.Exporter{
		Spec: mono,
		Input: func(ch int, frame uint64, buf []float32) {
			for i := range buf {
				buf[i] = float32(frame) + float32(i)
			}
		},
	}
	thru := processorFunc(func(b *patchbay.Block) { copy(b.Out[0], b.In[0]) })
	if err := e.Export(context.Background(), thru, export.NewRaw(&out, false), 128); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	b := out.Bytes()
	for i := range 128 {
		if v := math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:])); v != float32(i) {
			t.Fatalf("frame %d: expected %d, got %v", i, i, v)
		}
	}
}

func TestExportCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := export.Exporter{Spec: spec}
	err := e.Export(ctx, &constant{}, export.NewRaw(&bytes.Buffer{}, false), 1000)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestWAVRejectsBitDepth(t *testing.T) {
	if _, err := export.NewWAV(nil, spec, 32); !errors.Is(err, export.ErrBitDepth) {
		t.Fatalf("expected ErrBitDepth, got %v", err)
	}
}

type processorFunc func(b *patchbay.Block)

func (f processorFunc) ProcessBlock(b *patchbay.Block) { f(b) }
