package main

import (
	"testing"
	"text/template"
	"time"

	"github.com/Masterminds/sprig"
	"github.com/patchbay-audio/patchbay"
	"github.com/patchbay-audio/patchbay/control"
)

func TestOutputName(t *testing.T) {
	d := nameData{Name: "My Song", Ext: ".wav", SampleRate: 48000, Bits: 24, Time: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
	for _, tc := range []struct {
		tmpl, expected string
	}{
		{"{{.Name}}{{.Ext}}", "My Song.wav"},
		{"{{.Name | upper}}-{{.SampleRate}}-{{.Bits}}{{.Ext}}", "MY SONG-48000-24.wav"},
		{`{{.Name | lower | replace " " "-"}}-{{.Time.Format "20060102"}}{{.Ext}}`, "my-song-20240501.wav"},
	} {
		t.Run(tc.tmpl, func(t *testing.T) {
			tmpl := template.Must(template.New("name").Funcs(sprig.TxtFuncMap()).Parse(tc.tmpl))
			got, err := outputName(tmpl, d)
			if err != nil {
				t.Fatalf("outputName failed: %v", err)
			}
			if got != tc.expected {
				t.Fatalf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestOutputNameRejectsPaths(t *testing.T) {
	tmpl := template.Must(template.New("name").Parse("../{{.Name}}"))
	if _, err := outputName(tmpl, nameData{Name: "x"}); err == nil {
		t.Fatalf("expected a name with a path separator to be rejected")
	}
}

func TestLength(t *testing.T) {
	p := &control.Project{Regions: []control.Region{
		{Type: patchbay.Audio, Start: 100, Samples: make([]float32, 50)},
		{Type: patchbay.MIDI, Start: 1000, Events: []patchbay.MIDIEvent{{Frame: 9}}},
	}}
	if got := length(p, 48000, 0); got != 1010 {
		t.Fatalf("expected the end of the last region at 1010, got %d", got)
	}
	if got := length(p, 48000, 0.5); got != 24000 {
		t.Fatalf("expected 24000 frames for half a second, got %d", got)
	}
	if got := length(&control.Project{}, 48000, 0); got != 480000 {
		t.Fatalf("expected the 10 second default, got %d", got)
	}
}
