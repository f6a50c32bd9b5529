package node

import (
	"sync/atomic"

	"go.uber.org/zap"

	dspruntime "github.com/wavegen/dsp-runtime"
	"github.com/wavegen/dsp-runtime/compiler"
	"github.com/wavegen/dsp-runtime/metadata"
)

// Node drives a single module instance as a monophonic audio node. One
// goroutine owns Process; SetParamValue may be called from any goroutine
// because parameter stores are word-sized writes into instance memory.
type Node struct {
	inst dspruntime.Instance
	desc *compiler.ModuleDescriptor
	doc  *metadata.Document

	closed  atomic.Bool
	faulted atomic.Bool
	fault   atomic.Value // error

	// reported guards the one-time process-after-close log line.
	reported atomic.Bool
}

var _ dspruntime.AudioNode = (*Node)(nil)

// New wraps an initialized instance. The node takes ownership: Close
// closes the instance.
func New(inst dspruntime.Instance, desc *compiler.ModuleDescriptor, doc *metadata.Document) *Node {
	return &Node{inst: inst, desc: desc, doc: doc}
}

// Inputs returns the audio input channel count.
func (n *Node) Inputs() int { return n.desc.Inputs() }

// Outputs returns the audio output channel count.
func (n *Node) Outputs() int { return n.desc.Outputs() }

// Params returns the module's control tree.
func (n *Node) Params() *metadata.Document { return n.doc }

// Descriptor returns the compiled module descriptor behind the node.
func (n *Node) Descriptor() *compiler.ModuleDescriptor { return n.desc }

// GetParamValue reads a control by path. Unknown paths, and any path on
// a closed node, read as 0.
func (n *Node) GetParamValue(path string) float32 {
	def, ok := n.desc.Param(path)
	if !ok || n.closed.Load() {
		return 0
	}
	return n.inst.ReadParam(def.Address)
}

// SetParamValue writes a control by path, clamped to its declared range.
// Unknown paths are ignored; a closed node ignores every write.
func (n *Node) SetParamValue(path string, v float32) {
	def, ok := n.desc.Param(path)
	if !ok || n.closed.Load() {
		return
	}
	n.inst.WriteParam(def.Address, def.Range.Clamp(v))
}

// ReadAddr reads a parameter by resolved address, skipping the path
// lookup. For hot paths that cached the address up front.
func (n *Node) ReadAddr(addr uint32) float32 {
	if n.closed.Load() {
		return 0
	}
	return n.inst.ReadParam(addr)
}

// WriteAddr writes a parameter by resolved address without clamping.
func (n *Node) WriteAddr(addr uint32, v float32) {
	if n.closed.Load() {
		return
	}
	n.inst.WriteParam(addr, v)
}

// Process renders one block. After Close, or after a compute fault, the
// outputs are zeroed instead; the first fault is recorded and retrievable
// via Err.
func (n *Node) Process(inputs, outputs [][]float32, nframes int) {
	if n.closed.Load() {
		silence(outputs, nframes)
		if !n.reported.Swap(true) {
			Logger().Warn("process called on closed node",
				zap.String("module", n.desc.Name()))
		}
		return
	}
	if n.faulted.Load() {
		silence(outputs, nframes)
		return
	}

	if err := n.inst.Compute(nframes, inputs, outputs); err != nil {
		n.fault.Store(err)
		n.faulted.Store(true)
		silence(outputs, nframes)
	}
}

// Err returns the fault that muted the node, if any.
func (n *Node) Err() error {
	if err, ok := n.fault.Load().(error); ok {
		return err
	}
	return nil
}

// Close releases the instance. Idempotent.
func (n *Node) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	return n.inst.Close()
}

func silence(outputs [][]float32, nframes int) {
	for _, ch := range outputs {
		n := nframes
		if n > len(ch) {
			n = len(ch)
		}
		for i := 0; i < n; i++ {
			ch[i] = 0
		}
	}
}
