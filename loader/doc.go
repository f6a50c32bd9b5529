// Package loader turns binary compiler-runtime images into executable,
// addressable runtime contexts.
//
// A Runtime wraps one wazero runtime. Images loaded through it are
// validated, compiled once into an immutable code region (CompiledImage),
// and instantiated into RuntimeContexts that expose linear-memory access
// and exported-function invocation. The memory arena is sized at
// instantiation; real-time callers never trigger growth mid-block.
package loader
