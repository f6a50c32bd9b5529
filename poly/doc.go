// Package poly renders a fixed table of module instances as one
// polyphonic audio node.
//
// Voices are bound by control-path suffix convention: freq or key carry
// pitch, gain or velocity carry level, gate carries the trigger. NoteOn
// allocates a free voice, then the oldest releasing one, then steals the
// oldest active one; the table never grows. A released voice frees its
// slot when a whole block renders silent or the release timeout expires.
//
// Voice outputs are summed in slot order into a mix, which optionally
// feeds a shared post-mix effect with mono/stereo channel adaptation.
package poly
