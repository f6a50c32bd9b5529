package compiler

import (
	"context"
	"encoding/binary"
	stderrors "errors"
	"strings"
	"sync"

	"github.com/wavegen/dsp-runtime/errors"
	"github.com/wavegen/dsp-runtime/loader"
)

// Wire contract with a compiler-runtime image. The image exports:
//
//	alloc(size: u32) -> ptr: u32
//	compile(name_ptr, name_len, src_ptr, src_len, args_ptr, args_len) -> hdr_ptr
//
// args is the option tokens joined with NUL bytes. The returned header is
// nine little-endian u32 lanes:
//
//	status, code_ptr, code_len, meta_ptr, meta_len, err_ptr, err_len,
//	art_ptr, art_len
//
// status 0 is success. The artifact region holds auxiliary outputs such
// as SVG diagrams, packed as a u32 entry count followed by
// (u32 name_len, name, u32 data_len, data) records. Output regions are
// only valid until the next compile call, so they are copied out
// immediately.
const (
	compileExport = "compile"

	hdrStatus  = 0
	hdrCodePtr = 4
	hdrCodeLen = 8
	hdrMetaPtr = 12
	hdrMetaLen = 16
	hdrErrPtr  = 20
	hdrErrLen  = 24
	hdrArtPtr  = 28
	hdrArtLen  = 32
)

// RuntimeBackend drives the DSP front end compiled into a loaded runtime
// image. Compile calls are serialized: the guest front end is not
// reentrant, and serializing here keeps the Compiler itself lock-free for
// concurrent callers.
type RuntimeBackend struct {
	rc *loader.RuntimeContext
	mu sync.Mutex
}

// NewRuntimeBackend wraps a loaded compiler-runtime image.
func NewRuntimeBackend(rc *loader.RuntimeContext) *RuntimeBackend {
	return &RuntimeBackend{rc: rc}
}

var _ Backend = (*RuntimeBackend)(nil)

func (b *RuntimeBackend) Compile(ctx context.Context, name, source string, args []string) (*Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	namePtr, err := b.writeString(ctx, name)
	if err != nil {
		return nil, err
	}
	srcPtr, err := b.writeString(ctx, source)
	if err != nil {
		return nil, err
	}
	argStr := strings.Join(args, "\x00")
	argsPtr, err := b.writeString(ctx, argStr)
	if err != nil {
		return nil, err
	}

	results, err := b.rc.Call(ctx, compileExport,
		uint64(namePtr), uint64(len(name)),
		uint64(srcPtr), uint64(len(source)),
		uint64(argsPtr), uint64(len(argStr)))
	if err != nil {
		return nil, errors.Wrap(errors.StageCompile, errors.KindFault, err, "invoke front end")
	}
	if len(results) == 0 {
		return nil, errors.InvalidInput(errors.StageCompile, "front end returned no result header")
	}
	hdr := uint32(results[0])

	status, ok := b.rc.ReadU32(hdr + hdrStatus)
	if !ok {
		return nil, errors.InvalidInput(errors.StageCompile, "result header out of bounds")
	}

	if status != 0 {
		msg, err := b.readRegion(hdr+hdrErrPtr, hdr+hdrErrLen)
		if err != nil {
			return nil, err
		}
		return nil, stderrors.New(string(msg))
	}

	code, err := b.readRegion(hdr+hdrCodePtr, hdr+hdrCodeLen)
	if err != nil {
		return nil, err
	}
	meta, err := b.readRegion(hdr+hdrMetaPtr, hdr+hdrMetaLen)
	if err != nil {
		return nil, err
	}
	art, err := b.readRegion(hdr+hdrArtPtr, hdr+hdrArtLen)
	if err != nil {
		return nil, err
	}
	artifacts, err := unpackArtifacts(art)
	if err != nil {
		return nil, err
	}

	return &Result{Code: code, Metadata: meta, Artifacts: artifacts}, nil
}

// unpackArtifacts decodes the packed artifact records.
func unpackArtifacts(data []byte) (map[string][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 4 {
		return nil, errors.InvalidInput(errors.StageCompile, "truncated artifact region")
	}
	count := binary.LittleEndian.Uint32(data)
	data = data[4:]

	out := make(map[string][]byte, count)
	for i := uint32(0); i < count; i++ {
		name, rest, err := unpackBlob(data)
		if err != nil {
			return nil, err
		}
		blob, rest, err := unpackBlob(rest)
		if err != nil {
			return nil, err
		}
		out[string(name)] = blob
		data = rest
	}
	return out, nil
}

func unpackBlob(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, errors.InvalidInput(errors.StageCompile, "truncated artifact region")
	}
	n := binary.LittleEndian.Uint32(data)
	data = data[4:]
	if uint32(len(data)) < n {
		return nil, nil, errors.InvalidInput(errors.StageCompile, "truncated artifact region")
	}
	return data[:n], data[n:], nil
}

func (b *RuntimeBackend) writeString(ctx context.Context, s string) (uint32, error) {
	if len(s) == 0 {
		return 0, nil
	}
	ptr, err := b.rc.Alloc(ctx, uint32(len(s)))
	if err != nil {
		return 0, err
	}
	if err := b.rc.Write(ptr, []byte(s)); err != nil {
		return 0, err
	}
	return ptr, nil
}

// readRegion copies a (ptr, len) guest region described by two header
// lanes. The copy detaches the result from guest memory reuse.
func (b *RuntimeBackend) readRegion(ptrLane, lenLane uint32) ([]byte, error) {
	ptr, ok := b.rc.ReadU32(ptrLane)
	if !ok {
		return nil, errors.InvalidInput(errors.StageCompile, "result header out of bounds")
	}
	length, ok := b.rc.ReadU32(lenLane)
	if !ok {
		return nil, errors.InvalidInput(errors.StageCompile, "result header out of bounds")
	}
	if length == 0 {
		return nil, nil
	}
	data, err := b.rc.Read(ptr, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}
