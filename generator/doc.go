// Package generator stamps compiled module descriptors into factories and
// live DSP instances.
//
// A Factory pairs one descriptor with its compiled code region. The code
// region is immutable and shared (Clone only bumps a reference count)
// while every instance produced by NewInstance carries its own private
// linear memory, audio buffers and parameter state. Everything an
// instance's Compute touches is allocated up front, keeping the
// processing path allocation-free.
package generator
