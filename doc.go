// Package dspruntime compiles textual DSP programs into live audio-processing
// nodes.
//
// The library turns DSP source text plus compiler options into a compiled
// processing module, stamps that module out into one or more real-time-safe
// instances, and optionally expands it into a polyphonic instrument with
// per-voice lifecycle management.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct
// responsibilities:
//
//	dspruntime/        Root package with the Instance and AudioNode contracts
//	├── loader/        wazero-backed loading of compiler runtime images
//	├── compiler/      DSP source -> module descriptor + metadata document
//	├── metadata/      UI/parameter tree parsing and traversal
//	├── generator/     Factory instances stamped from compiled modules
//	├── node/          Monophonic processing node with a parameter surface
//	├── poly/          Voice table, stealing, mixing, optional effect stage
//	├── audionode/     Top-level compile-to-node orchestration
//	├── export/        Diagram export and plugin bundle packaging
//	├── errors/        Structured error types for stage boundaries
//	└── config/        HCL session files for the dspnode CLI
//
// # Quick Start
//
// Compile a mono node and drive it from an audio callback:
//
//	rt, err := loader.New(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer rt.Close(ctx)
//
//	rc, err := rt.Load(ctx, compilerImage)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	pipeline := audionode.New(
//	    compiler.New(compiler.NewRuntimeBackend(rc)),
//	    generator.New(rt),
//	)
//
//	n, err := pipeline.Compile(ctx, audionode.Request{
//	    Name:       "osc",
//	    Source:     dspSource,
//	    Options:    "-I lib",
//	    SampleRate: 48000,
//	    BlockSize:  512,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer n.Close()
//
//	n.SetParamValue("/osc/freq", 440)
//	n.Process(nil, out, 512)
//
// # Real-Time Contract
//
// Everything reachable from Process is bounded-time: no allocation, no
// locking, no I/O. Compilation and instantiation are the slow path and run
// on ordinary goroutines; their results are handed to the processing path
// once, at construction. Parameter writes are single-writer word-sized
// stores, so a concurrent Process call never observes a torn value.
//
// # Thread Safety
//
// Loader runtimes and compilers are safe for concurrent use. A Node or
// polyphony Engine is driven from a single processing goroutine; note
// events from other goroutines must go through the engine's event queue.
package dspruntime
