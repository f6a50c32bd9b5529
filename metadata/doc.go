// Package metadata models the UI/parameter tree a compiled DSP program
// describes about itself.
//
// The tree mirrors the program's group structure: nodes are either grouping
// containers (hgroup, vgroup, tgroup) or leaf controls (button, checkbox,
// sliders, numeric entry, bargraphs). It is modeled as a tagged variant,
// one Node struct discriminated by Type, so traversal and serialization
// stay trivial.
//
// Documents are decoded from the JSON the compiler backend emits and are
// treated as read-only afterwards; UI tooling consumes the same schema.
package metadata
