// Package audionode is the top of the pipeline: it compiles DSP source,
// instantiates a factory and shapes the result into a monophonic node or
// a polyphony engine, all behind one Request.
//
// The voice count resolves in order: the request's Voices field, then
// the program's declared voice count, then monophonic. A build fails
// atomically; nothing built before the failing stage leaks.
package audionode
