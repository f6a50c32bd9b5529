package dspruntime

// ParamRange describes the declared value range of a control.
type ParamRange struct {
	Min  float32
	Max  float32
	Init float32
	Step float32
}

// Clamp returns v limited to [Min, Max].
func (r ParamRange) Clamp(v float32) float32 {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// ParamDef maps one control path to its memory address and range inside a
// compiled module.
type ParamDef struct {
	Path    string
	Label   string
	Address uint32
	Range   ParamRange
}

// ParamMap is the runtime-resolved mapping from hierarchical control paths
// (e.g. "/synth/freq") to addresses and ranges. It is built once per compile
// and treated as immutable afterwards.
type ParamMap map[string]ParamDef

// Instance is one private, mutable image of a compiled processing module.
// Init and Close run on the slow path; Compute, ReadParam and WriteParam are
// real-time safe: bounded time, no allocation, no locking.
type Instance interface {
	// Init prepares the instance for a sample rate. Must be called before
	// the first Compute.
	Init(sampleRate int) error

	// Compute renders nframes samples from inputs into outputs. Slices are
	// one []float32 per channel; nframes never exceeds the block size the
	// instance was created with.
	Compute(nframes int, inputs, outputs [][]float32) error

	// ReadParam returns the current value at a parameter address.
	ReadParam(addr uint32) float32

	// WriteParam stores v at a parameter address with a word-sized store.
	WriteParam(addr uint32, v float32)

	// Close releases the instance's private memory. Not real-time safe.
	Close() error
}
