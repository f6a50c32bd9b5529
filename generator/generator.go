package generator

import (
	"context"
	"sync/atomic"

	dspruntime "github.com/wavegen/dsp-runtime"
	"github.com/wavegen/dsp-runtime/compiler"
	"github.com/wavegen/dsp-runtime/errors"
	"github.com/wavegen/dsp-runtime/loader"
)

// Factory is a concrete, reusable memory image derived from a module
// descriptor. Factories stamp out independent instances without
// recompiling; Clone shares the immutable code region by reference and
// returns nil once the handle is closed.
type Factory interface {
	Descriptor() *compiler.ModuleDescriptor
	NewInstance(ctx context.Context, sampleRate, blockSize int) (dspruntime.Instance, error)
	Clone() Factory
	Close(ctx context.Context) error
}

// Generator produces factories from compiled module descriptors.
type Generator struct {
	rt *loader.Runtime
}

// New creates a generator backed by a loader runtime.
func New(rt *loader.Runtime) *Generator {
	return &Generator{rt: rt}
}

// Instantiate compiles a descriptor's kernel image into a factory. The
// code region is compiled exactly once per factory lineage; failure to
// allocate it is an instantiation failure, never retried here.
func (g *Generator) Instantiate(ctx context.Context, desc *compiler.ModuleDescriptor) (Factory, error) {
	image, err := g.rt.CompileImage(ctx, desc.Code())
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	return &wasmFactory{
		desc: desc,
		code: &sharedCode{image: image, refs: 1},
	}, nil
}

// sharedCode reference-counts the compiled code region across factory
// clones. The image closes when the last clone does.
type sharedCode struct {
	image *loader.CompiledImage
	refs  int32
}

func (s *sharedCode) retain() {
	atomic.AddInt32(&s.refs, 1)
}

func (s *sharedCode) release(ctx context.Context) error {
	if atomic.AddInt32(&s.refs, -1) == 0 {
		return s.image.Close(ctx)
	}
	return nil
}

type wasmFactory struct {
	desc   *compiler.ModuleDescriptor
	code   *sharedCode
	closed atomic.Bool
}

func (f *wasmFactory) Descriptor() *compiler.ModuleDescriptor {
	return f.desc
}

// Clone duplicates the factory handle, sharing the compiled code region.
// The compiler is never re-invoked. Cloning a closed handle returns nil:
// the code region may already be released.
func (f *wasmFactory) Clone() Factory {
	if f.closed.Load() {
		return nil
	}
	f.code.retain()
	return &wasmFactory{desc: f.desc, code: f.code}
}

func (f *wasmFactory) NewInstance(ctx context.Context, sampleRate, blockSize int) (dspruntime.Instance, error) {
	if blockSize <= 0 {
		return nil, errors.InvalidInput(errors.StageInstantiate, "block size must be positive")
	}
	rc, err := f.code.image.Instantiate(ctx)
	if err != nil {
		return nil, err
	}
	inst, err := newWasmInstance(ctx, rc, f.desc, blockSize)
	if err != nil {
		rc.Close(ctx)
		return nil, err
	}
	if err := inst.Init(sampleRate); err != nil {
		inst.Close()
		return nil, err
	}
	return inst, nil
}

func (f *wasmFactory) Close(ctx context.Context) error {
	if f.closed.Swap(true) {
		return nil
	}
	return f.code.release(ctx)
}
