// Package dsptest provides in-process stand-ins for the compiler backend
// and DSP kernel instances, so pipeline behavior can be tested without a
// real compiler-runtime image.
package dsptest

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	dspruntime "github.com/wavegen/dsp-runtime"
	"github.com/wavegen/dsp-runtime/compiler"
	"github.com/wavegen/dsp-runtime/generator"
)

// MinimalImage is a hand-assembled binary image exporting a memory page,
// an "alloc" returning a fixed arena base, and an "answer" constant
// function. Valid input for loader and generator code paths that never
// reach the kernel exports.
var MinimalImage = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0a, 0x02, 0x60, 0x01, 0x7f, 0x01, 0x7f, 0x60, 0x00, 0x01, 0x7f,
	0x03, 0x03, 0x02, 0x00, 0x01,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x1b, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x05, 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x06, 'a', 'n', 's', 'w', 'e', 'r', 0x00, 0x01,
	0x0a, 0x0c, 0x02,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	0x04, 0x00, 0x41, 0x2a, 0x0b,
}

// Backend is a compiler.Backend whose "source language" is the metadata
// JSON document itself: valid JSON compiles to deterministic code bytes
// plus that document, malformed JSON fails with a positioned diagnostic.
type Backend struct {
	// Compiles counts successful compilations, for cache/determinism tests.
	Compiles atomic.Int64

	// Code, when non-nil, replaces the derived code bytes. Lets tests
	// compile a descriptor whose code region is a loadable image.
	Code []byte
}

var _ compiler.Backend = (*Backend)(nil)

func (b *Backend) Compile(_ context.Context, name, source string, args []string) (*compiler.Result, error) {
	if !json.Valid([]byte(source)) {
		line, col := positionOf(source)
		return nil, fmt.Errorf("%d:%d: syntax error in program %q", line, col, name)
	}

	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte(source))
	h.Write([]byte(strings.Join(args, " ")))
	b.Compiles.Add(1)

	code := h.Sum(nil)
	if b.Code != nil {
		code = b.Code
	}

	var artifacts map[string][]byte
	for _, a := range args {
		if a == "-svg" {
			artifacts = map[string][]byte{
				name + ".svg": []byte("<svg><!-- " + name + " --></svg>"),
			}
		}
	}

	return &compiler.Result{
		Code:      code,
		Metadata:  []byte(source),
		Artifacts: artifacts,
	}, nil
}

// positionOf locates the first JSON syntax error as a line/column pair.
func positionOf(source string) (int, int) {
	var syn *json.SyntaxError
	err := json.Unmarshal([]byte(source), &struct{}{})
	offset := int64(len(source))
	if stderrors.As(err, &syn) {
		offset = syn.Offset
	}
	line, col := 1, 1
	for i := int64(0); i < offset && i < int64(len(source)); i++ {
		if source[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

// Instance is a deterministic dspruntime.Instance: each output sample is
// gain*gate (defaulting to 1 where the program declares neither), plus
// half of the corresponding input sample when the program has inputs.
// Parameter addresses index a flat bank.
type Instance struct {
	bank     []float32
	inputs   int
	outputs  int
	gainAddr uint32
	gateAddr uint32
	hasGain  bool
	hasGate  bool

	SampleRate int
	Computes   int
	Closed     bool

	// ComputeErr, when set, is returned by every Compute call to simulate
	// a fault in compiled code.
	ComputeErr error
}

var _ dspruntime.Instance = (*Instance)(nil)

func (i *Instance) Init(sampleRate int) error {
	i.SampleRate = sampleRate
	return nil
}

func (i *Instance) Compute(nframes int, inputs, outputs [][]float32) error {
	if i.ComputeErr != nil {
		return i.ComputeErr
	}
	i.Computes++

	amp := float32(1)
	if i.hasGain {
		amp *= i.bank[i.gainAddr]
	}
	if i.hasGate {
		amp *= i.bank[i.gateAddr]
	}

	for ch := range outputs {
		out := outputs[ch][:nframes]
		for n := range out {
			v := amp
			if len(inputs) > 0 {
				v += 0.5 * inputs[ch%len(inputs)][n]
			}
			out[n] = v
		}
	}
	return nil
}

func (i *Instance) ReadParam(addr uint32) float32 {
	if int(addr) >= len(i.bank) {
		return 0
	}
	return i.bank[addr]
}

func (i *Instance) WriteParam(addr uint32, v float32) {
	if int(addr) < len(i.bank) {
		i.bank[addr] = v
	}
}

func (i *Instance) Close() error {
	i.Closed = true
	return nil
}

// Factory produces Instances for a descriptor. It implements
// generator.Factory so orchestration and voice code can run against it.
type Factory struct {
	desc *compiler.ModuleDescriptor

	// ComputeErr is copied onto new instances.
	ComputeErr error

	mu        sync.Mutex
	Instances []*Instance
	Clones    int
	Closes    int
}

var _ generator.Factory = (*Factory)(nil)

// NewFactory creates a factory for a descriptor.
func NewFactory(desc *compiler.ModuleDescriptor) *Factory {
	return &Factory{desc: desc}
}

func (f *Factory) Descriptor() *compiler.ModuleDescriptor { return f.desc }

func (f *Factory) NewInstance(_ context.Context, sampleRate, blockSize int) (dspruntime.Instance, error) {
	inst := &Instance{
		bank:       make([]float32, 4096),
		inputs:     f.desc.Inputs(),
		outputs:    f.desc.Outputs(),
		ComputeErr: f.ComputeErr,
	}
	for _, path := range f.desc.ParamPaths() {
		def, _ := f.desc.Param(path)
		inst.bank[def.Address] = def.Range.Init
		switch {
		case strings.HasSuffix(path, "gain") || strings.HasSuffix(path, "velocity"):
			inst.gainAddr, inst.hasGain = def.Address, true
		case strings.HasSuffix(path, "gate"):
			inst.gateAddr, inst.hasGate = def.Address, true
		}
	}
	if err := inst.Init(sampleRate); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.Instances = append(f.Instances, inst)
	f.mu.Unlock()
	return inst, nil
}

func (f *Factory) Clone() generator.Factory {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Closes > 0 {
		return nil
	}
	f.Clones++
	return f
}

func (f *Factory) Close(context.Context) error {
	f.mu.Lock()
	f.Closes++
	f.mu.Unlock()
	return nil
}

// Instantiator satisfies the orchestration layer's factory source,
// recording every descriptor it sees.
type Instantiator struct {
	mu        sync.Mutex
	Factories []*Factory

	// FailNext forces the next Instantiate call to fail.
	FailNext error
}

func (i *Instantiator) Instantiate(_ context.Context, desc *compiler.ModuleDescriptor) (generator.Factory, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.FailNext != nil {
		err := i.FailNext
		i.FailNext = nil
		return nil, err
	}
	f := NewFactory(desc)
	i.Factories = append(i.Factories, f)
	return f, nil
}
