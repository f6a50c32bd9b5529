// Package compiler turns DSP source text and option flags into module
// descriptors.
//
// The DSP language front end itself is an external service consumed
// through the Backend interface; the production backend invokes a front
// end compiled into a loader runtime image. This package owns everything
// around that call: the option grammar, diagnostic normalization, metadata
// validation, and the descriptor's parameter-layout contract.
//
// Compilation failures are ordinary result values, not exceptions: a
// *errors.CompileError carries positioned diagnostics and callers branch
// on it. Compilation is deterministic: identical inputs yield identical
// descriptors, which is what makes caching by Key sound.
package compiler
