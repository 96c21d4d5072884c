package control_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/patchbay-audio/patchbay/control"
	"github.com/patchbay-audio/patchbay/rt"
)

func TestLoadConfig(t *testing.T) {
	c, err := control.LoadConfig(strings.NewReader("blocksize: 128\ncrashpolicy: passthrough\nplugintimeout: 2s\nisolatedformats: [vst2]\n"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	d := control.DefaultConfig()
	if c.BlockSize != 128 || c.SampleRate != d.SampleRate || c.UndoLimit != d.UndoLimit {
		t.Fatalf("unexpected config %+v", c)
	}
	if c.CrashPolicy != rt.PassThrough || c.PluginTimeout != 2*time.Second {
		t.Fatalf("crash policy %v, timeout %v", c.CrashPolicy, c.PluginTimeout)
	}
	if len(c.IsolatedFormats) != 1 || c.IsolatedFormats[0] != "vst2" {
		t.Fatalf("unexpected isolated formats %v", c.IsolatedFormats)
	}
	var buf bytes.Buffer
	if err := c.Save(&buf); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	again, err := control.LoadConfig(&buf)
	if err != nil {
		t.Fatalf("LoadConfig of saved config failed: %v", err)
	}
	if again.BlockSize != 128 || again.CrashPolicy != rt.PassThrough || again.PluginTimeout != 2*time.Second {
		t.Fatalf("config changed when saved and loaded: %+v", again)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	for _, src := range []string{
		"blocksize: 100000\n",
		"samplerate: -1\n",
		"undolimit: -3\n",
		"crashpolicy: explode\n",
	} {
		if _, err := control.LoadConfig(strings.NewReader(src)); err == nil {
			t.Fatalf("LoadConfig accepted %q", src)
		}
	}
}

func TestEmptyConfigIsDefault(t *testing.T) {
	c, err := control.LoadConfig(strings.NewReader(""))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if c.Spec() != control.DefaultConfig().Spec() {
		t.Fatalf("expected the default spec, got %+v", c.Spec())
	}
}
