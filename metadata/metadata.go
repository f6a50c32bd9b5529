package metadata

import (
	"encoding/json"
	"regexp"
	"strconv"

	"github.com/wavegen/dsp-runtime/errors"
)

// NodeType discriminates the tagged variants of the parameter tree.
type NodeType string

const (
	// Grouping containers
	HGroup NodeType = "hgroup"
	VGroup NodeType = "vgroup"
	TGroup NodeType = "tgroup"

	// Input controls
	Button   NodeType = "button"
	Checkbox NodeType = "checkbox"
	HSlider  NodeType = "hslider"
	VSlider  NodeType = "vslider"
	NEntry   NodeType = "nentry"

	// Output controls (bargraphs)
	HBargraph NodeType = "hbargraph"
	VBargraph NodeType = "vbargraph"
)

// IsGroup reports whether the type is a grouping container.
func (t NodeType) IsGroup() bool {
	switch t {
	case HGroup, VGroup, TGroup:
		return true
	}
	return false
}

// IsOutput reports whether the type is a display-only control.
func (t NodeType) IsOutput() bool {
	return t == HBargraph || t == VBargraph
}

func (t NodeType) valid() bool {
	switch t {
	case HGroup, VGroup, TGroup, Button, Checkbox, HSlider, VSlider, NEntry, HBargraph, VBargraph:
		return true
	}
	return false
}

// Node is one entry in the parameter tree: a group with Items, or a leaf
// control with a path, offset and range. The JSON field names follow the
// schema emitted by the DSP compiler.
type Node struct {
	Type   NodeType            `json:"type"`
	Label  string              `json:"label"`
	Path   string              `json:"address,omitempty"`
	Offset uint32              `json:"index,omitempty"`
	Init   float32             `json:"init,omitempty"`
	Min    float32             `json:"min,omitempty"`
	Max    float32             `json:"max,omitempty"`
	Step   float32             `json:"step,omitempty"`
	Meta   []map[string]string `json:"meta,omitempty"`
	Items  []*Node             `json:"items,omitempty"`
}

// Document is the metadata tree mirroring a DSP program's UI structure,
// plus the program-level channel counts and global metadata.
type Document struct {
	Name    string              `json:"name"`
	Inputs  int                 `json:"inputs"`
	Outputs int                 `json:"outputs"`
	Meta    []map[string]string `json:"meta,omitempty"`
	UI      []*Node             `json:"ui"`
}

// Decode parses and validates a metadata JSON document.
func Decode(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.StageCompile, errors.KindMetadata, err, "parse metadata JSON")
	}
	if err := doc.validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Encode serializes the document back to JSON.
func (d *Document) Encode() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

func (d *Document) validate() error {
	var walk func(path []string, nodes []*Node) error
	walk = func(path []string, nodes []*Node) error {
		for _, n := range nodes {
			p := append(path, n.Label)
			if !n.Type.valid() {
				return errors.Metadata(p, "unknown node type "+string(n.Type))
			}
			if n.Type.IsGroup() {
				if err := walk(p, n.Items); err != nil {
					return err
				}
				continue
			}
			if n.Path == "" {
				return errors.Metadata(p, "control has no address")
			}
			if len(n.Items) > 0 {
				return errors.Metadata(p, "control may not have items")
			}
			if n.Min > n.Max {
				return errors.Metadata(p, "min exceeds max")
			}
		}
		return nil
	}
	return walk(nil, d.UI)
}

// Controls returns every leaf control in document order.
func (d *Document) Controls() []*Node {
	var out []*Node
	var walk func(nodes []*Node)
	walk = func(nodes []*Node) {
		for _, n := range nodes {
			if n.Type.IsGroup() {
				walk(n.Items)
				continue
			}
			out = append(out, n)
		}
	}
	walk(d.UI)
	return out
}

// Find returns the leaf control with the given path, or nil.
func (d *Document) Find(path string) *Node {
	for _, c := range d.Controls() {
		if c.Path == path {
			return c
		}
	}
	return nil
}

// Options returns the global "options" metadata string, if declared.
func (d *Document) Options() string {
	for _, m := range d.Meta {
		if v, ok := m["options"]; ok {
			return v
		}
	}
	return ""
}

var nvoicesRe = regexp.MustCompile(`\[nvoices:(\d+)\]`)

// MIDI reports whether the program declares [midi:on] in its options.
func (d *Document) MIDI() bool {
	return midiOnRe.MatchString(d.Options())
}

var midiOnRe = regexp.MustCompile(`\[midi:on\]`)

// Voices returns the declared [nvoices:N] count, or 0 when absent.
func (d *Document) Voices() int {
	m := nvoicesRe.FindStringSubmatch(d.Options())
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}
