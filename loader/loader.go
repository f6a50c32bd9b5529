package loader

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wavegen/dsp-runtime/errors"
)

// wasmMagic is the four-byte header every valid binary image starts with.
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// Runtime owns a wazero runtime shared by every image loaded through it.
type Runtime struct {
	runtime wazero.Runtime
}

// Config holds configuration for runtime creation
type Config struct {
	// MemoryLimitPages caps linear memory per instance in 64KB pages.
	// 0 means the wazero default (4GB). Instances never grow beyond the
	// limit mid-block; growth failure surfaces at instantiation time.
	MemoryLimitPages uint32
}

// New creates a runtime with default configuration.
func New(ctx context.Context) (*Runtime, error) {
	return NewWithConfig(ctx, nil)
}

// NewWithConfig creates a runtime with custom configuration.
func NewWithConfig(ctx context.Context, cfg *Config) (*Runtime, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	return &Runtime{runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg)}, nil
}

// Close releases the runtime and everything loaded through it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// CompileImage validates and compiles a binary image without instantiating
// it. The result is the shared, immutable code region; instances stamped
// from it carry only private mutable state.
func (r *Runtime) CompileImage(ctx context.Context, image []byte) (*CompiledImage, error) {
	if len(image) < len(wasmMagic) || string(image[:4]) != string(wasmMagic) {
		return nil, errors.Load("not a binary module image", nil)
	}
	compiled, err := r.runtime.CompileModule(ctx, image)
	if err != nil {
		return nil, errors.Load("compile image", err)
	}
	return &CompiledImage{runtime: r.runtime, compiled: compiled}, nil
}

// Load compiles and instantiates a binary image in one step.
func (r *Runtime) Load(ctx context.Context, image []byte) (*RuntimeContext, error) {
	compiled, err := r.CompileImage(ctx, image)
	if err != nil {
		return nil, err
	}
	return compiled.Instantiate(ctx)
}

// CompiledImage is a compiled, not yet instantiated binary image.
type CompiledImage struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// Instantiate stamps a new context with its own linear memory. Instances
// are anonymous so multiple instantiations of one image never collide.
func (c *CompiledImage) Instantiate(ctx context.Context) (*RuntimeContext, error) {
	mod, err := c.runtime.InstantiateModule(ctx, c.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, errors.Instantiation(err)
	}
	return newRuntimeContext(mod), nil
}

// Close releases the compiled code region.
func (c *CompiledImage) Close(ctx context.Context) error {
	return c.compiled.Close(ctx)
}

// RuntimeContext is one executable, addressable instance of a loaded image:
// linear memory plus exported-function invocation.
//
// Call and the typed memory accessors are safe from a single goroutine;
// CallStack exists for callers that manage their own argument buffer on the
// real-time path.
type RuntimeContext struct {
	module    api.Module
	mem       api.Memory
	allocFn   api.Function
	funcCache map[string]api.Function
	stackBuf  []uint64
	cacheMu   sync.RWMutex
	stackMu   sync.Mutex
}

// Exported guest allocator names probed at load time.
const (
	allocExport       = "alloc"
	legacyAllocExport = "malloc"
)

func newRuntimeContext(mod api.Module) *RuntimeContext {
	rc := &RuntimeContext{
		module:    mod,
		mem:       mod.Memory(),
		funcCache: make(map[string]api.Function),
		stackBuf:  make([]uint64, 16),
	}
	if fn := mod.ExportedFunction(allocExport); fn != nil {
		rc.allocFn = fn
	} else if fn := mod.ExportedFunction(legacyAllocExport); fn != nil {
		rc.allocFn = fn
	}
	return rc
}

// Function returns an exported function by name, caching the lookup.
func (rc *RuntimeContext) Function(name string) api.Function {
	rc.cacheMu.RLock()
	fn, ok := rc.funcCache[name]
	rc.cacheMu.RUnlock()
	if ok {
		return fn
	}

	fn = rc.module.ExportedFunction(name)
	if fn == nil {
		return nil
	}
	rc.cacheMu.Lock()
	rc.funcCache[name] = fn
	rc.cacheMu.Unlock()
	return fn
}

// Call invokes an exported function using the context's own argument
// buffer. Not for the real-time path; use CallStack there.
func (rc *RuntimeContext) Call(ctx context.Context, name string, args ...uint64) ([]uint64, error) {
	fn := rc.Function(name)
	if fn == nil {
		return nil, errors.NotFound(errors.StageLoad, "exported function", name)
	}

	rc.stackMu.Lock()
	defer rc.stackMu.Unlock()

	copy(rc.stackBuf, args)
	for i := len(args); i < len(rc.stackBuf); i++ {
		rc.stackBuf[i] = 0
	}
	if err := fn.CallWithStack(ctx, rc.stackBuf); err != nil {
		return nil, err
	}
	results := len(fn.Definition().ResultTypes())
	return rc.stackBuf[:results], nil
}

// CallStack invokes fn with a caller-owned stack buffer. The buffer must be
// at least max(len(params), len(results)) long; results replace params in
// place. This is the allocation-free invocation path.
func (rc *RuntimeContext) CallStack(ctx context.Context, fn api.Function, stack []uint64) error {
	return fn.CallWithStack(ctx, stack)
}

// Alloc reserves size bytes in guest memory via the image's exported
// allocator.
func (rc *RuntimeContext) Alloc(ctx context.Context, size uint32) (uint32, error) {
	if rc.allocFn == nil {
		return 0, errors.NotFound(errors.StageLoad, "exported function", allocExport)
	}

	rc.stackMu.Lock()
	defer rc.stackMu.Unlock()

	rc.stackBuf[0] = uint64(size)
	if err := rc.allocFn.CallWithStack(ctx, rc.stackBuf[:1]); err != nil {
		return 0, errors.AllocationFailed(errors.StageInstantiate, size)
	}
	ptr := uint32(rc.stackBuf[0])
	if ptr == 0 {
		return 0, errors.AllocationFailed(errors.StageInstantiate, size)
	}
	return ptr, nil
}

// MemorySize returns the current linear memory size in bytes.
func (rc *RuntimeContext) MemorySize() uint32 {
	if rc.mem == nil {
		return 0
	}
	return rc.mem.Size()
}

// Read copies length bytes from guest memory. Reading a closed context
// fails like an out-of-bounds access.
func (rc *RuntimeContext) Read(offset, length uint32) ([]byte, error) {
	if rc.mem == nil {
		return nil, errors.InvalidInput(errors.StageLoad, "memory read on closed context")
	}
	data, ok := rc.mem.Read(offset, length)
	if !ok {
		return nil, errors.InvalidInput(errors.StageLoad, "memory read out of bounds")
	}
	return data, nil
}

// Write copies data into guest memory.
func (rc *RuntimeContext) Write(offset uint32, data []byte) error {
	if rc.mem == nil {
		return errors.InvalidInput(errors.StageLoad, "memory write on closed context")
	}
	if !rc.mem.Write(offset, data) {
		return errors.InvalidInput(errors.StageLoad, "memory write out of bounds")
	}
	return nil
}

// ReadU32 reads a little-endian u32. False on a closed context.
func (rc *RuntimeContext) ReadU32(offset uint32) (uint32, bool) {
	if rc.mem == nil {
		return 0, false
	}
	return rc.mem.ReadUint32Le(offset)
}

// WriteU32 writes a little-endian u32. False on a closed context.
func (rc *RuntimeContext) WriteU32(offset uint32, v uint32) bool {
	if rc.mem == nil {
		return false
	}
	return rc.mem.WriteUint32Le(offset, v)
}

// ReadF32 reads a float32 lane. Word-sized, so a concurrent writer never
// produces a torn value. False on a closed context.
func (rc *RuntimeContext) ReadF32(offset uint32) (float32, bool) {
	if rc.mem == nil {
		return 0, false
	}
	return rc.mem.ReadFloat32Le(offset)
}

// WriteF32 writes a float32 lane with a word-sized store. False on a
// closed context.
func (rc *RuntimeContext) WriteF32(offset uint32, v float32) bool {
	if rc.mem == nil {
		return false
	}
	return rc.mem.WriteFloat32Le(offset, v)
}

// Close releases the instance and its private memory.
func (rc *RuntimeContext) Close(ctx context.Context) error {
	if rc.module == nil {
		return nil
	}
	err := rc.module.Close(ctx)
	rc.module = nil
	rc.mem = nil
	rc.funcCache = nil
	rc.allocFn = nil
	return err
}
