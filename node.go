package dspruntime

import "github.com/wavegen/dsp-runtime/metadata"

// AudioNode is the host-facing audio-processing unit produced by the
// compile pipeline. Both monophonic nodes and polyphonic engines implement
// it, so a host can wire either into its audio graph the same way.
type AudioNode interface {
	// Inputs and Outputs report the audio channel counts.
	Inputs() int
	Outputs() int

	// Process renders one block. Real-time safe.
	Process(inputs, outputs [][]float32, nframes int)

	// GetParamValue reads a control by path; unknown paths read as 0.
	GetParamValue(path string) float32

	// SetParamValue writes a control by path, clamping to the declared
	// range. Unknown paths are ignored. Real-time safe.
	SetParamValue(path string, v float32)

	// Params returns the read-only parameter tree.
	Params() *metadata.Document

	// Close releases the node. Further Process calls are a programming
	// error: they are reported once and produce silence.
	Close() error
}
