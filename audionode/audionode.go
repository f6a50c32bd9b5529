package audionode

import (
	"context"
	"time"

	"go.uber.org/zap"

	dspruntime "github.com/wavegen/dsp-runtime"
	"github.com/wavegen/dsp-runtime/compiler"
	"github.com/wavegen/dsp-runtime/errors"
	"github.com/wavegen/dsp-runtime/generator"
	"github.com/wavegen/dsp-runtime/metadata"
	"github.com/wavegen/dsp-runtime/node"
	"github.com/wavegen/dsp-runtime/poly"
)

const (
	defaultSampleRate = 48000
	defaultBlockSize  = 256
)

// Request describes one node build: the program, how to compile it, and
// how to shape the resulting node.
type Request struct {
	// Name labels the program in diagnostics and exports.
	Name string

	// Source is the DSP program text.
	Source string

	// Options is the compiler option string, e.g. "-vec -vs 32".
	Options string

	// Voices selects polyphony. Zero defers to the program's declared
	// voice count; if the program declares none either, the node is
	// monophonic.
	Voices int

	// EffectSource, when non-empty, compiles into a post-mix effect stage.
	// Only meaningful for polyphonic nodes.
	EffectSource string

	SampleRate int // zero means 48000
	BlockSize  int // zero means 256

	// Bindings overrides the polyphonic voice parameter suffixes.
	Bindings *poly.Bindings

	// MaxRelease bounds how long a released voice may keep sounding.
	MaxRelease time.Duration
}

// Instantiator turns compiled descriptors into factories. The generator
// satisfies it; tests substitute in-process implementations.
type Instantiator interface {
	Instantiate(ctx context.Context, desc *compiler.ModuleDescriptor) (generator.Factory, error)
}

var _ Instantiator = (*generator.Generator)(nil)

// Pipeline runs the whole compile-to-node path: source text through the
// compiler into a factory, then into a monophonic node or a polyphony
// engine. Safe for concurrent use.
type Pipeline struct {
	compiler *compiler.Compiler
	inst     Instantiator
}

// New creates a pipeline from a compiler and an instantiator.
func New(c *compiler.Compiler, inst Instantiator) *Pipeline {
	return &Pipeline{compiler: c, inst: inst}
}

// Compile builds an audio node from a request. The first failing stage
// aborts the build and releases everything built so far; a partially
// constructed node is never returned.
func (p *Pipeline) Compile(ctx context.Context, req Request) (dspruntime.AudioNode, error) {
	sampleRate := req.SampleRate
	if sampleRate == 0 {
		sampleRate = defaultSampleRate
	}
	blockSize := req.BlockSize
	if blockSize == 0 {
		blockSize = defaultBlockSize
	}
	if sampleRate < 0 || blockSize < 0 {
		return nil, errors.InvalidInput(errors.StageInstantiate,
			"sample rate and block size must be positive")
	}

	desc, doc, err := p.compiler.Compile(ctx, req.Name, req.Source, req.Options)
	if err != nil {
		return nil, err
	}

	voices := req.Voices
	if voices == 0 {
		voices = doc.Voices()
	}

	factory, err := p.inst.Instantiate(ctx, desc)
	if err != nil {
		return nil, err
	}

	if voices <= 0 {
		return p.buildMono(ctx, factory, doc, sampleRate, blockSize)
	}
	return p.buildPoly(ctx, factory, doc, req, voices, sampleRate, blockSize)
}

func (p *Pipeline) buildMono(ctx context.Context, factory generator.Factory, doc *metadata.Document, sampleRate, blockSize int) (dspruntime.AudioNode, error) {
	inst, err := factory.NewInstance(ctx, sampleRate, blockSize)
	if err != nil {
		factory.Close(ctx)
		return nil, err
	}
	Logger().Info("built mono node",
		zap.String("module", factory.Descriptor().Name()),
		zap.Int("sample_rate", sampleRate))
	return &monoNode{
		Node:    node.New(inst, factory.Descriptor(), doc),
		factory: factory,
	}, nil
}

func (p *Pipeline) buildPoly(ctx context.Context, factory generator.Factory, doc *metadata.Document, req Request, voices, sampleRate, blockSize int) (dspruntime.AudioNode, error) {
	var effect generator.Factory
	if req.EffectSource != "" {
		effDesc, _, err := p.compiler.Compile(ctx, req.Name+"_effect", req.EffectSource, req.Options)
		if err != nil {
			factory.Close(ctx)
			return nil, err
		}
		effect, err = p.inst.Instantiate(ctx, effDesc)
		if err != nil {
			factory.Close(ctx)
			return nil, err
		}
	}

	engine, err := poly.New(ctx, factory, doc, poly.Config{
		Voices:     voices,
		SampleRate: sampleRate,
		BlockSize:  blockSize,
		Bindings:   req.Bindings,
		Effect:     effect,
		MaxRelease: req.MaxRelease,
	})
	if err != nil {
		// poly.New already released the voice factory on failure.
		if effect != nil {
			effect.Close(ctx)
		}
		return nil, err
	}
	Logger().Info("built polyphonic node",
		zap.String("module", factory.Descriptor().Name()),
		zap.Int("voices", voices),
		zap.Bool("effect", effect != nil),
		zap.Int("sample_rate", sampleRate))
	return engine, nil
}

// Result is the outcome of an asynchronous build.
type Result struct {
	Node dspruntime.AudioNode
	Err  error
}

// CompileAsync runs Compile on its own goroutine and delivers the result
// on the returned channel. The channel is buffered; the result is never
// lost to a slow receiver.
func (p *Pipeline) CompileAsync(ctx context.Context, req Request) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		n, err := p.Compile(ctx, req)
		out <- Result{Node: n, Err: err}
		close(out)
	}()
	return out
}

// monoNode pairs a node with the factory whose lifetime it controls.
type monoNode struct {
	*node.Node
	factory generator.Factory
}

func (m *monoNode) Close() error {
	err := m.Node.Close()
	if ferr := m.factory.Close(context.Background()); err == nil {
		err = ferr
	}
	return err
}
