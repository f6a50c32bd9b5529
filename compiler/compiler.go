package compiler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	dspruntime "github.com/wavegen/dsp-runtime"
	"github.com/wavegen/dsp-runtime/errors"
	"github.com/wavegen/dsp-runtime/metadata"
)

// Result is the raw output of a backend compilation: the compiled kernel
// image, its JSON metadata document, and any auxiliary artifacts the
// options requested (SVG diagrams under -svg), keyed by file name.
type Result struct {
	Code      []byte
	Metadata  []byte
	Artifacts map[string][]byte
}

// Backend is the opaque DSP-language compiler service: source text and
// validated option tokens in, compiled module and metadata out. The
// production backend runs inside a loaded runtime image; tests substitute
// in-process implementations.
//
// A failed compilation returns either a *errors.CompileError or an error
// whose text carries "line:column:" positions the compiler can parse.
type Backend interface {
	Compile(ctx context.Context, name, source string, args []string) (*Result, error)
}

// ModuleDescriptor is the immutable result of one successful compilation:
// the compiled code region plus the memory layout contract the host needs
// to drive it.
type ModuleDescriptor struct {
	name    string
	code    []byte
	inputs  int
	outputs int
	params  dspruntime.ParamMap
	paths   []string
}

// Name returns the label the module was compiled under.
func (d *ModuleDescriptor) Name() string { return d.name }

// Code returns the compiled kernel image.
func (d *ModuleDescriptor) Code() []byte { return d.code }

// Inputs returns the audio input channel count.
func (d *ModuleDescriptor) Inputs() int { return d.inputs }

// Outputs returns the audio output channel count.
func (d *ModuleDescriptor) Outputs() int { return d.outputs }

// Params returns the path-to-address mapping. Treat as read-only.
func (d *ModuleDescriptor) Params() dspruntime.ParamMap { return d.params }

// ParamPaths returns every control path in document order.
func (d *ModuleDescriptor) ParamPaths() []string {
	out := make([]string, len(d.paths))
	copy(out, d.paths)
	return out
}

// Param looks up one control by path.
func (d *ModuleDescriptor) Param(path string) (dspruntime.ParamDef, bool) {
	def, ok := d.params[path]
	return def, ok
}

// Compiler turns DSP source text plus options into module descriptors.
// Safe for concurrent use; calls into the backend are serialized by the
// backend itself.
type Compiler struct {
	backend Backend
}

// New creates a compiler on top of a backend.
func New(backend Backend) *Compiler {
	return &Compiler{backend: backend}
}

// Compile compiles a named DSP program. On syntax or type errors it returns
// a *errors.CompileError carrying positioned diagnostics; the caller is
// expected to branch on it, not treat it as exceptional.
//
// Compiling identical (name, source, optionString) against the same backend
// yields identical descriptors, so callers may cache on Key.
func (c *Compiler) Compile(ctx context.Context, name, source, optionString string) (*ModuleDescriptor, *metadata.Document, error) {
	if name == "" {
		return nil, nil, errors.InvalidInput(errors.StageCompile, "name must not be empty")
	}

	opts, err := ParseOptions(optionString)
	if err != nil {
		return nil, nil, err
	}

	return c.compile(ctx, name, source, opts)
}

func (c *Compiler) compile(ctx context.Context, name, source string, opts Options) (*ModuleDescriptor, *metadata.Document, error) {
	res, err := c.backend.Compile(ctx, name, source, opts.Args())
	if err != nil {
		return nil, nil, asCompileError(name, err)
	}

	doc, err := metadata.Decode(res.Metadata)
	if err != nil {
		return nil, nil, err
	}

	desc, err := buildDescriptor(name, res.Code, doc)
	if err != nil {
		return nil, nil, err
	}
	return desc, doc, nil
}

// buildDescriptor derives the parameter map from the metadata tree and
// checks the layout contract: every leaf address resolves to exactly one
// parameter entry.
func buildDescriptor(name string, code []byte, doc *metadata.Document) (*ModuleDescriptor, error) {
	desc := &ModuleDescriptor{
		name:    name,
		code:    code,
		inputs:  doc.Inputs,
		outputs: doc.Outputs,
		params:  make(dspruntime.ParamMap),
	}

	for _, ctl := range doc.Controls() {
		if _, dup := desc.params[ctl.Path]; dup {
			return nil, errors.Metadata([]string{ctl.Path}, "duplicate parameter address")
		}
		r := dspruntime.ParamRange{Min: ctl.Min, Max: ctl.Max, Init: ctl.Init, Step: ctl.Step}
		if ctl.Type == metadata.Button || ctl.Type == metadata.Checkbox {
			// Triggers are bistate regardless of what the document says.
			r = dspruntime.ParamRange{Min: 0, Max: 1, Init: 0, Step: 1}
		}
		desc.params[ctl.Path] = dspruntime.ParamDef{
			Path:    ctl.Path,
			Label:   ctl.Label,
			Address: ctl.Offset,
			Range:   r,
		}
		desc.paths = append(desc.paths, ctl.Path)
	}

	return desc, nil
}

// Key derives a stable cache key for a compile request. Determinism of the
// backend makes the key safe to use across calls within one process.
func Key(name, source, optionString string) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(optionString))
	return hex.EncodeToString(h.Sum(nil))
}
