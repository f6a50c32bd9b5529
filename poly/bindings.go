package poly

import (
	"math"
	"strings"

	"github.com/wavegen/dsp-runtime/compiler"
)

// Bindings names the control-path suffixes that bind voice parameters.
// A path binds when its final segment equals one of the suffixes, so
// "/synth/voice/freq" binds under the default pitch suffixes while
// "/synth/lfofreq" does not.
type Bindings struct {
	Pitch   []string
	Level   []string
	Trigger []string
}

// DefaultBindings are the conventional instrument suffixes: freq or key
// for pitch, gain or velocity for level, gate for the trigger.
func DefaultBindings() Bindings {
	return Bindings{
		Pitch:   []string{"freq", "key"},
		Level:   []string{"gain", "velocity"},
		Trigger: []string{"gate"},
	}
}

// control is one resolved voice binding: the parameter address plus how
// the note value maps onto it.
type control struct {
	addr  uint32
	scale scaleMode
}

type scaleMode uint8

const (
	scaleHertz    scaleMode = iota // MIDI key as frequency in Hz
	scaleKey                       // raw MIDI key number
	scaleUnit                      // velocity as 0..1
	scaleMIDI                      // velocity as 0..127
	scaleIdentity                  // value written as-is
)

// voiceControls are all bound addresses of one voice instance.
type voiceControls struct {
	pitch   []control
	level   []control
	trigger []control
}

// resolve walks the descriptor's parameter paths and collects every bound
// control. Paths that match no suffix stay ordinary parameters.
func (b Bindings) resolve(desc *compiler.ModuleDescriptor) voiceControls {
	var vc voiceControls
	for _, path := range desc.ParamPaths() {
		def, _ := desc.Param(path)
		seg := lastSegment(path)
		switch {
		case b.matches(b.Pitch, seg):
			mode := scaleHertz
			if seg == "key" {
				mode = scaleKey
			}
			vc.pitch = append(vc.pitch, control{addr: def.Address, scale: mode})
		case b.matches(b.Level, seg):
			mode := scaleUnit
			if seg == "velocity" {
				mode = scaleMIDI
			}
			vc.level = append(vc.level, control{addr: def.Address, scale: mode})
		case b.matches(b.Trigger, seg):
			vc.trigger = append(vc.trigger, control{addr: def.Address, scale: scaleIdentity})
		}
	}
	return vc
}

func (b Bindings) matches(suffixes []string, seg string) bool {
	for _, s := range suffixes {
		if seg == s {
			return true
		}
	}
	return false
}

func lastSegment(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// bound reports whether the module exposes at least one voice binding.
// An engine over a module with no bindings cannot express notes.
func (vc voiceControls) bound() bool {
	return len(vc.pitch)+len(vc.level)+len(vc.trigger) > 0
}

// keyToHertz converts a MIDI key number to equal-tempered frequency.
func keyToHertz(key int) float32 {
	return float32(440 * math.Pow(2, float64(key-69)/12))
}
