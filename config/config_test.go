package config_test

import (
	"context"
	"strings"
	"testing"

	"github.com/wavegen/dsp-runtime/audionode"
	"github.com/wavegen/dsp-runtime/compiler"
	"github.com/wavegen/dsp-runtime/config"
	"github.com/wavegen/dsp-runtime/internal/dsptest"
)

const sessionHCL = `
session {
  name        = "lead"
  dsp         = "lead.dsp"
  effect      = "reverb.dsp"
  options     = "-vec -vs 32"
  voices      = 8
  sample_rate = 48000
  block_size  = 128

  param "/lead/gain" {
    value = 0.5
  }
  param "/lead/freq" {
    value = 880
  }
}
`

func TestParseSession(t *testing.T) {
	s, err := config.Parse("session.hcl", []byte(sessionHCL))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if s.Name != "lead" || s.DSP != "lead.dsp" || s.Effect != "reverb.dsp" {
		t.Errorf("unexpected sources: %+v", s)
	}
	if s.Voices != 8 || s.SampleRate != 48000 || s.BlockSize != 128 {
		t.Errorf("unexpected engine shape: %+v", s)
	}
	if s.Options != "-vec -vs 32" {
		t.Errorf("unexpected options: %q", s.Options)
	}
	if len(s.Params) != 2 {
		t.Fatalf("expected 2 params, got %d", len(s.Params))
	}
	if s.Params[0].Path != "/lead/gain" {
		t.Errorf("unexpected param path %q", s.Params[0].Path)
	}
	if v, err := s.Params[0].Float(); err != nil || v != 0.5 {
		t.Errorf("expected 0.5, got %g (%v)", v, err)
	}
}

func TestParseDefaultsNameFromDSPPath(t *testing.T) {
	s, err := config.Parse("s.hcl", []byte(`
session {
  dsp = "patches/organ.dsp"
}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if s.Name != "organ" {
		t.Errorf("expected name organ, got %q", s.Name)
	}
}

func TestParseRejectsMissingSessionBlock(t *testing.T) {
	_, err := config.Parse("s.hcl", []byte(`voices = 8`))
	if err == nil || !strings.Contains(err.Error(), "session") {
		t.Fatalf("expected missing session block error, got %v", err)
	}
}

func TestApplySetsInitialParams(t *testing.T) {
	s, err := config.Parse("s.hcl", []byte(`
session {
  dsp = "synth.dsp"

  param "/synth/gain" {
    value = 0.25
  }
}
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	p := audionode.New(compiler.New(&dsptest.Backend{}), &dsptest.Instantiator{})
	n, err := p.Compile(context.Background(), audionode.Request{
		Name: "synth",
		Source: `{
  "name": "synth", "inputs": 0, "outputs": 1,
  "ui": [{"type": "vgroup", "label": "synth", "items": [
    {"type": "hslider", "address": "/synth/gain", "index": 16,
     "init": 0, "min": 0, "max": 1, "step": 0.01}
  ]}]
}`,
	})
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	defer n.Close()

	if err := s.Apply(n); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := n.GetParamValue("/synth/gain"); got != 0.25 {
		t.Errorf("expected 0.25, got %g", got)
	}
}
