// Package node adapts one module instance into a monophonic audio node.
//
// A Node owns its instance for life: parameter access goes through the
// descriptor's path-to-address map with range clamping, Process renders
// blocks on the audio thread, and a compute fault mutes the node instead
// of propagating into the callback.
package node
