package generator

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/wavegen/dsp-runtime/compiler"
	"github.com/wavegen/dsp-runtime/errors"
	"github.com/wavegen/dsp-runtime/loader"
)

// Kernel image exports. A compiled processing module provides:
//
//	alloc(size: u32) -> ptr
//	instantiate(sample_rate: i32) -> base: u32
//	compute(base: u32, count: i32, inputs_ptr: u32, outputs_ptr: u32)
//
// Parameter addresses from the descriptor are byte offsets relative to
// base. Audio buffers are float32 lanes; the host owns one guest buffer
// per channel, allocated once at instance creation.
const (
	instantiateExport = "instantiate"
	computeExport     = "compute"
)

// wasmInstance is one private memory image of a compiled kernel. Compute,
// ReadParam and WriteParam touch only pre-allocated state: the real-time
// contract is no allocation, no locking, no growth.
type wasmInstance struct {
	rc        *loader.RuntimeContext
	ctx       context.Context
	computeFn api.Function

	base      uint32 // DSP state base; param addresses are relative to it
	inVecPtr  uint32 // guest array of per-channel input buffer pointers
	outVecPtr uint32
	inPtrs    []uint32
	outPtrs   []uint32

	blockSize int
	stack     []uint64
	scratch   []byte // staging for sample copies, blockSize*4 bytes
}

func newWasmInstance(ctx context.Context, rc *loader.RuntimeContext, desc *compiler.ModuleDescriptor, blockSize int) (*wasmInstance, error) {
	computeFn := rc.Function(computeExport)
	if computeFn == nil {
		return nil, errors.NotFound(errors.StageInstantiate, "kernel export", computeExport)
	}
	if rc.Function(instantiateExport) == nil {
		return nil, errors.NotFound(errors.StageInstantiate, "kernel export", instantiateExport)
	}

	inst := &wasmInstance{
		rc:        rc,
		ctx:       ctx,
		computeFn: computeFn,
		blockSize: blockSize,
		stack:     make([]uint64, 8),
		scratch:   make([]byte, blockSize*4),
	}

	var err error
	if inst.inPtrs, inst.inVecPtr, err = inst.allocChannels(ctx, desc.Inputs()); err != nil {
		return nil, err
	}
	if inst.outPtrs, inst.outVecPtr, err = inst.allocChannels(ctx, desc.Outputs()); err != nil {
		return nil, err
	}
	return inst, nil
}

// allocChannels reserves one float32 block buffer per channel plus the
// pointer array compute dereferences.
func (w *wasmInstance) allocChannels(ctx context.Context, channels int) ([]uint32, uint32, error) {
	if channels == 0 {
		return nil, 0, nil
	}
	ptrs := make([]uint32, channels)
	for i := range ptrs {
		p, err := w.rc.Alloc(ctx, uint32(w.blockSize*4))
		if err != nil {
			return nil, 0, err
		}
		ptrs[i] = p
	}
	vec, err := w.rc.Alloc(ctx, uint32(channels*4))
	if err != nil {
		return nil, 0, err
	}
	for i, p := range ptrs {
		if !w.rc.WriteU32(vec+uint32(i*4), p) {
			return nil, 0, errors.InvalidInput(errors.StageInstantiate, "channel table write out of bounds")
		}
	}
	return ptrs, vec, nil
}

func (w *wasmInstance) Init(sampleRate int) error {
	results, err := w.rc.Call(w.ctx, instantiateExport, uint64(sampleRate))
	if err != nil {
		return errors.Instantiation(err)
	}
	if len(results) > 0 {
		w.base = uint32(results[0])
	}
	return nil
}

func (w *wasmInstance) Compute(nframes int, inputs, outputs [][]float32) error {
	if nframes > w.blockSize {
		nframes = w.blockSize
	}

	for ch := 0; ch < len(w.inPtrs) && ch < len(inputs); ch++ {
		w.stageIn(inputs[ch][:nframes])
		if err := w.rc.Write(w.inPtrs[ch], w.scratch[:nframes*4]); err != nil {
			return errors.Fault("stage input block", err)
		}
	}

	w.stack[0] = uint64(w.base)
	w.stack[1] = uint64(nframes)
	w.stack[2] = uint64(w.inVecPtr)
	w.stack[3] = uint64(w.outVecPtr)
	if err := w.rc.CallStack(w.ctx, w.computeFn, w.stack); err != nil {
		return errors.Fault("compute trapped", err)
	}

	for ch := 0; ch < len(w.outPtrs) && ch < len(outputs); ch++ {
		data, err := w.rc.Read(w.outPtrs[ch], uint32(nframes*4))
		if err != nil {
			return errors.Fault("read output block", err)
		}
		unstageOut(data, outputs[ch][:nframes])
	}
	return nil
}

func (w *wasmInstance) stageIn(src []float32) {
	for i, v := range src {
		binary.LittleEndian.PutUint32(w.scratch[i*4:], math.Float32bits(v))
	}
}

func unstageOut(data []byte, dst []float32) {
	for i := range dst {
		dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
}

func (w *wasmInstance) ReadParam(addr uint32) float32 {
	v, _ := w.rc.ReadF32(w.base + addr)
	return v
}

func (w *wasmInstance) WriteParam(addr uint32, v float32) {
	w.rc.WriteF32(w.base+addr, v)
}

func (w *wasmInstance) Close() error {
	return w.rc.Close(context.Background())
}
