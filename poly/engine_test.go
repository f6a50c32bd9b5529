package poly_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/wavegen/dsp-runtime/compiler"
	dsperrors "github.com/wavegen/dsp-runtime/errors"
	"github.com/wavegen/dsp-runtime/internal/dsptest"
	"github.com/wavegen/dsp-runtime/metadata"
	"github.com/wavegen/dsp-runtime/poly"
)

// instrumentProgram renders gain*gate DC per voice, so note amplitude
// equals velocity while the gate is up.
const instrumentProgram = `{
  "name": "inst", "inputs": 0, "outputs": 1,
  "ui": [{"type": "vgroup", "label": "inst", "items": [
    {"type": "hslider", "address": "/inst/freq", "index": 16,
     "init": 440, "min": 20, "max": 20000, "step": 1},
    {"type": "hslider", "address": "/inst/gain", "index": 20,
     "init": 0, "min": 0, "max": 1, "step": 0.01},
    {"type": "button", "address": "/inst/gate", "index": 24}
  ]}]
}`

// droneProgram has no gate, so releasing a voice cannot silence it and
// only the release timeout frees the slot.
const droneProgram = `{
  "name": "drone", "inputs": 0, "outputs": 1,
  "ui": [{"type": "vgroup", "label": "drone", "items": [
    {"type": "hslider", "address": "/drone/freq", "index": 16,
     "init": 440, "min": 20, "max": 20000, "step": 1},
    {"type": "hslider", "address": "/drone/gain", "index": 20,
     "init": 0, "min": 0, "max": 1, "step": 0.01}
  ]}]
}`

func compileProgram(t *testing.T, name, source string) (*compiler.ModuleDescriptor, *metadata.Document) {
	t.Helper()
	c := compiler.New(&dsptest.Backend{})
	desc, doc, err := c.Compile(context.Background(), name, source, "")
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return desc, doc
}

func newEngine(t *testing.T, voices int, cfg poly.Config) (*poly.Engine, *dsptest.Factory) {
	t.Helper()
	desc, doc := compileProgram(t, "inst", instrumentProgram)
	f := dsptest.NewFactory(desc)
	cfg.Voices = voices
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48000
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = 64
	}
	e, err := poly.New(context.Background(), f, doc, cfg)
	if err != nil {
		t.Fatalf("poly.New failed: %v", err)
	}
	return e, f
}

func render(e *poly.Engine, nframes int) [][]float32 {
	out := make([][]float32, e.Outputs())
	for ch := range out {
		out[ch] = make([]float32, nframes)
	}
	e.Process(nil, out, nframes)
	return out
}

func TestNewValidatesConfig(t *testing.T) {
	desc, doc := compileProgram(t, "inst", instrumentProgram)
	_, err := poly.New(context.Background(), dsptest.NewFactory(desc), doc, poly.Config{
		Voices: 0, SampleRate: 48000, BlockSize: 64,
	})
	if !errors.Is(err, &dsperrors.Error{Stage: dsperrors.StageInstantiate, Kind: dsperrors.KindInvalidInput}) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestNewRejectedConfigClosesFactory(t *testing.T) {
	desc, doc := compileProgram(t, "inst", instrumentProgram)
	for _, cfg := range []poly.Config{
		{Voices: 0, SampleRate: 48000, BlockSize: 64},
		{Voices: 2, SampleRate: 0, BlockSize: 64},
		{Voices: 2, SampleRate: 48000, BlockSize: 0},
	} {
		f := dsptest.NewFactory(desc)
		if _, err := poly.New(context.Background(), f, doc, cfg); err == nil {
			t.Fatalf("config %+v accepted", cfg)
		}
		if f.Closes != 1 {
			t.Errorf("config %+v: factory closed %d times, want 1", cfg, f.Closes)
		}
	}
}

func TestNoteOnSumsVoicesInSlotOrder(t *testing.T) {
	e, f := newEngine(t, 4, poly.Config{})
	defer e.Close()

	if len(f.Instances) != 4 {
		t.Fatalf("expected 4 voice instances, got %d", len(f.Instances))
	}

	if id := e.NoteOn(60, 0.25); id == poly.NoVoice {
		t.Fatal("first NoteOn dropped")
	}
	if id := e.NoteOn(64, 0.5); id == poly.NoVoice {
		t.Fatal("second NoteOn dropped")
	}

	out := render(e, 64)
	for i, v := range out[0] {
		if v != 0.75 {
			t.Fatalf("sample %d: expected 0.75 from two summed voices, got %g", i, v)
		}
	}
	if e.ActiveVoices() != 2 {
		t.Errorf("expected 2 active voices, got %d", e.ActiveVoices())
	}
}

func TestNoteOnWritesPitchBindings(t *testing.T) {
	e, f := newEngine(t, 1, poly.Config{})
	defer e.Close()

	e.NoteOn(69, 1)
	if got := f.Instances[0].ReadParam(16); got != 440 {
		t.Errorf("expected key 69 to write 440 Hz, got %g", got)
	}
}

func TestVoiceStealingOldestFirst(t *testing.T) {
	e, _ := newEngine(t, 2, poly.Config{})
	defer e.Close()

	e.NoteOn(60, 0.25)
	e.NoteOn(64, 0.5)
	render(e, 64)

	// Table full: the third note steals the oldest voice (velocity 0.25).
	if id := e.NoteOn(67, 1); id == poly.NoVoice {
		t.Fatal("expected steal, note was dropped")
	}
	if e.ActiveVoices() != 2 {
		t.Fatalf("capacity grew: %d active voices", e.ActiveVoices())
	}

	out := render(e, 64)
	if out[0][0] != 1.5 {
		t.Errorf("expected 1.0+0.5 after stealing the 0.25 voice, got %g", out[0][0])
	}
}

func TestNoSameBlockSteal(t *testing.T) {
	e, _ := newEngine(t, 2, poly.Config{})
	defer e.Close()

	e.NoteOn(60, 0.25)
	e.NoteOn(64, 0.5)

	// Both voices started in this block; the third note must be dropped,
	// not steal a voice that has not rendered a single sample yet.
	if id := e.NoteOn(67, 1); id != poly.NoVoice {
		t.Fatal("expected NoVoice, a same-block voice was stolen")
	}
}

func TestNoteOffReleasesAndFreesOnSilence(t *testing.T) {
	e, _ := newEngine(t, 2, poly.Config{})
	defer e.Close()

	id := e.NoteOn(60, 0.5)
	out := render(e, 64)
	if out[0][0] != 0.5 {
		t.Fatalf("expected 0.5 while gate up, got %g", out[0][0])
	}

	e.NoteOff(id)
	out = render(e, 64)
	if out[0][0] != 0 {
		t.Errorf("expected silence after gate down, got %g", out[0][0])
	}
	// The fully silent release block freed the slot.
	if e.ActiveVoices() != 0 {
		t.Errorf("expected released voice to be freed, %d still active", e.ActiveVoices())
	}
}

func TestStaleVoiceIDAfterSteal(t *testing.T) {
	e, _ := newEngine(t, 1, poly.Config{})
	defer e.Close()

	first := e.NoteOn(60, 0.25)
	render(e, 64)

	if id := e.NoteOn(64, 1); id == poly.NoVoice {
		t.Fatal("expected steal")
	}

	// The stale id refers to the stolen note and must not release the
	// voice now playing the new one.
	e.NoteOff(first)
	out := render(e, 64)
	if out[0][0] != 1 {
		t.Errorf("stale NoteOff affected the stolen voice: got %g", out[0][0])
	}
}

func TestNoteOffKey(t *testing.T) {
	e, _ := newEngine(t, 2, poly.Config{})
	defer e.Close()

	e.NoteOn(60, 0.25)
	e.NoteOn(64, 0.5)
	render(e, 64)

	e.NoteOffKey(60)
	out := render(e, 64)
	if out[0][0] != 0.5 {
		t.Errorf("expected only the 64 voice after NoteOffKey(60), got %g", out[0][0])
	}
}

func TestAsyncEventsApplyAtBlockStart(t *testing.T) {
	e, _ := newEngine(t, 2, poly.Config{})
	defer e.Close()

	if !e.NoteOnAsync(60, 0.5) {
		t.Fatal("NoteOnAsync dropped")
	}
	if e.ActiveVoices() != 0 {
		t.Error("async event applied before Process")
	}

	out := render(e, 64)
	if out[0][0] != 0.5 {
		t.Errorf("expected queued note in first block, got %g", out[0][0])
	}

	e.NoteOffAsync(60)
	out = render(e, 64)
	if out[0][0] != 0 {
		t.Errorf("expected queued release to silence, got %g", out[0][0])
	}
}

func TestAsyncQueueOverflow(t *testing.T) {
	e, _ := newEngine(t, 2, poly.Config{QueueSize: 2})
	defer e.Close()

	e.NoteOnAsync(60, 1)
	e.NoteOnAsync(61, 1)
	if e.NoteOnAsync(62, 1) {
		t.Error("expected overflow drop on full ring")
	}
	if e.DroppedEvents() != 1 {
		t.Errorf("expected 1 dropped event, got %d", e.DroppedEvents())
	}
}

func TestReleaseTimeoutFreesNonSilentVoice(t *testing.T) {
	desc, doc := compileProgram(t, "drone", droneProgram)
	f := dsptest.NewFactory(desc)
	e, err := poly.New(context.Background(), f, doc, poly.Config{
		Voices:     1,
		SampleRate: 100,
		BlockSize:  10,
		MaxRelease: 100 * time.Millisecond, // 10 frames
	})
	if err != nil {
		t.Fatalf("poly.New failed: %v", err)
	}
	defer e.Close()

	id := e.NoteOn(60, 0.5)
	out := render(e, 10)
	if out[0][0] != 0.5 {
		t.Fatalf("expected 0.5, got %g", out[0][0])
	}

	// No gate binding: the voice keeps sounding through its release until
	// the timeout expires.
	e.NoteOff(id)
	out = render(e, 10)
	if out[0][0] != 0.5 {
		t.Errorf("expected sound during release, got %g", out[0][0])
	}
	if e.ActiveVoices() != 0 {
		t.Errorf("expected timeout to free the voice, %d still active", e.ActiveVoices())
	}
}

// effectProgram is a stereo stage passing half the input through, with
// a gain offset controllable at /fx/gain.
const effectProgram = `{
  "name": "fx", "inputs": 2, "outputs": 2,
  "ui": [{"type": "vgroup", "label": "fx", "items": [
    {"type": "hslider", "address": "/fx/gain", "index": 16,
     "init": 0, "min": 0, "max": 1, "step": 0.01}
  ]}]
}`

func TestPostMixEffectWithChannelAdaptation(t *testing.T) {
	desc, doc := compileProgram(t, "inst", instrumentProgram)
	fxDesc, _ := compileProgram(t, "fx", effectProgram)

	e, err := poly.New(context.Background(), dsptest.NewFactory(desc), doc, poly.Config{
		Voices:     2,
		SampleRate: 48000,
		BlockSize:  64,
		Effect:     dsptest.NewFactory(fxDesc),
	})
	if err != nil {
		t.Fatalf("poly.New failed: %v", err)
	}
	defer e.Close()

	// Mono voices into a stereo effect.
	if e.Outputs() != 2 {
		t.Fatalf("expected effect to define 2 outputs, got %d", e.Outputs())
	}

	e.NoteOn(60, 0.5)
	out := render(e, 64)
	// The 0.5 mono mix fans out to both effect inputs; the effect passes
	// half of each input through.
	for ch := 0; ch < 2; ch++ {
		if out[ch][0] != 0.25 {
			t.Errorf("channel %d: expected 0.25, got %g", ch, out[ch][0])
		}
	}

	// Effect parameters route to the shared effect instance.
	e.SetParamValue("/fx/gain", 1)
	out = render(e, 64)
	for ch := 0; ch < 2; ch++ {
		if out[ch][0] != 1.25 {
			t.Errorf("channel %d: expected 1.25 with effect gain up, got %g", ch, out[ch][0])
		}
	}
	if got := e.GetParamValue("/fx/gain"); got != 1 {
		t.Errorf("expected effect gain 1, got %g", got)
	}
}

func TestEffectChannelMismatchRejected(t *testing.T) {
	const wideEffect = `{
  "name": "wide", "inputs": 4, "outputs": 4,
  "ui": []
}`
	desc, doc := compileProgram(t, "inst", instrumentProgram)
	fxDesc, _ := compileProgram(t, "wide", wideEffect)

	_, err := poly.New(context.Background(), dsptest.NewFactory(desc), doc, poly.Config{
		Voices:     1,
		SampleRate: 48000,
		BlockSize:  64,
		Effect:     dsptest.NewFactory(fxDesc),
	})
	if !errors.Is(err, &dsperrors.Error{Stage: dsperrors.StageInstantiate, Kind: dsperrors.KindInvalidInput}) {
		t.Fatalf("expected invalid input error, got %v", err)
	}
}

func TestSetParamValueBroadcasts(t *testing.T) {
	e, f := newEngine(t, 3, poly.Config{})
	defer e.Close()

	e.SetParamValue("/inst/freq", 880)
	for i, inst := range f.Instances {
		if got := inst.ReadParam(16); got != 880 {
			t.Errorf("voice %d: expected 880, got %g", i, got)
		}
	}
	if got := e.GetParamValue("/inst/freq"); got != 880 {
		t.Errorf("GetParamValue: expected 880, got %g", got)
	}
}

func TestBindingMatchesWholeSegmentOnly(t *testing.T) {
	const lfoProgram = `{
  "name": "lfo", "inputs": 0, "outputs": 1,
  "ui": [{"type": "vgroup", "label": "lfo", "items": [
    {"type": "hslider", "address": "/lfo/freq", "index": 16,
     "init": 440, "min": 20, "max": 20000, "step": 1},
    {"type": "hslider", "address": "/lfo/lfofreq", "index": 20,
     "init": 5, "min": 0.1, "max": 20, "step": 0.1},
    {"type": "button", "address": "/lfo/gate", "index": 24}
  ]}]
}`
	desc, doc := compileProgram(t, "lfo", lfoProgram)
	f := dsptest.NewFactory(desc)
	e, err := poly.New(context.Background(), f, doc, poly.Config{
		Voices: 1, SampleRate: 48000, BlockSize: 64,
	})
	if err != nil {
		t.Fatalf("poly.New failed: %v", err)
	}
	defer e.Close()

	e.NoteOn(69, 1)
	if got := f.Instances[0].ReadParam(16); got != 440 {
		t.Errorf("expected /lfo/freq bound to pitch, got %g", got)
	}
	if got := f.Instances[0].ReadParam(20); got != 5 {
		t.Errorf("expected /lfo/lfofreq untouched at init 5, got %g", got)
	}
}

func TestCustomBindings(t *testing.T) {
	const keyProgram = `{
  "name": "keyed", "inputs": 0, "outputs": 1,
  "ui": [{"type": "vgroup", "label": "keyed", "items": [
    {"type": "hslider", "address": "/keyed/key", "index": 16,
     "init": 0, "min": 0, "max": 127, "step": 1},
    {"type": "hslider", "address": "/keyed/velocity", "index": 20,
     "init": 0, "min": 0, "max": 127, "step": 1},
    {"type": "button", "address": "/keyed/trig", "index": 24}
  ]}]
}`
	desc, doc := compileProgram(t, "keyed", keyProgram)
	f := dsptest.NewFactory(desc)
	b := poly.Bindings{
		Pitch:   []string{"key"},
		Level:   []string{"velocity"},
		Trigger: []string{"trig"},
	}
	e, err := poly.New(context.Background(), f, doc, poly.Config{
		Voices: 1, SampleRate: 48000, BlockSize: 64, Bindings: &b,
	})
	if err != nil {
		t.Fatalf("poly.New failed: %v", err)
	}
	defer e.Close()

	e.NoteOn(69, 0.5)
	inst := f.Instances[0]
	if got := inst.ReadParam(16); got != 69 {
		t.Errorf("key binding: expected raw 69, got %g", got)
	}
	if got := inst.ReadParam(20); got != 63.5 {
		t.Errorf("velocity binding: expected 0.5*127, got %g", got)
	}
	if got := inst.ReadParam(24); got != 1 {
		t.Errorf("trigger binding: expected 1, got %g", got)
	}
}

func TestVoiceFaultParksOneVoice(t *testing.T) {
	e, f := newEngine(t, 2, poly.Config{})
	defer e.Close()

	e.NoteOn(60, 0.25)
	e.NoteOn(64, 0.5)
	f.Instances[0].ComputeErr = errors.New("trap")

	out := render(e, 64)
	if out[0][0] != 0.5 {
		t.Errorf("expected surviving voice only, got %g", out[0][0])
	}
	if e.ActiveVoices() != 1 {
		t.Errorf("expected faulted voice parked, %d active", e.ActiveVoices())
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	e, f := newEngine(t, 2, poly.Config{})

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("double Close not idempotent: %v", err)
	}
	for i, inst := range f.Instances {
		if !inst.Closed {
			t.Errorf("voice %d not closed", i)
		}
	}
	if f.Closes == 0 {
		t.Error("factory not closed")
	}

	out := render(e, 16)
	if out[0][0] != 0 {
		t.Error("closed engine produced output")
	}
}

func TestControlSurfaceAfterClose(t *testing.T) {
	e, _ := newEngine(t, 2, poly.Config{})

	id := e.NoteOn(60, 0.5)
	if id == poly.NoVoice {
		t.Fatal("NoteOn dropped")
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if got := e.GetParamValue("/inst/freq"); got != 0 {
		t.Errorf("closed engine read %g, want 0", got)
	}
	e.SetParamValue("/inst/freq", 880)
	if got := e.NoteOn(64, 1); got != poly.NoVoice {
		t.Errorf("closed engine started voice %v", got)
	}
	e.NoteOff(id)
	e.NoteOffKey(60)
	if e.NoteOnAsync(64, 1) {
		t.Error("closed engine queued a note on")
	}
	if e.NoteOffAsync(64) {
		t.Error("closed engine queued a note off")
	}

	out := render(e, 16)
	if out[0][0] != 0 {
		t.Error("closed engine produced output")
	}
}
