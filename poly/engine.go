package poly

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	dspruntime "github.com/wavegen/dsp-runtime"
	"github.com/wavegen/dsp-runtime/compiler"
	"github.com/wavegen/dsp-runtime/errors"
	"github.com/wavegen/dsp-runtime/generator"
	"github.com/wavegen/dsp-runtime/metadata"
)

const (
	defaultQueueSize  = 256
	defaultMaxRelease = 10 * time.Second

	// silenceThreshold bounds what counts as a fully decayed release tail.
	silenceThreshold = 1e-7
)

// VoiceID identifies one started note. It carries a generation stamp so a
// stale id held across a steal releases nothing.
type VoiceID uint64

// NoVoice is returned when no voice could be started.
const NoVoice VoiceID = ^VoiceID(0)

func makeVoiceID(slot int, gen uint32) VoiceID {
	return VoiceID(uint64(gen)<<32 | uint64(uint32(slot)))
}

func (id VoiceID) slot() int          { return int(uint32(id)) }
func (id VoiceID) generation() uint32 { return uint32(id >> 32) }

type voiceState uint8

const (
	voiceFree voiceState = iota
	voiceActive
	voiceReleasing
)

// voice is one slot in the fixed voice table.
type voice struct {
	inst dspruntime.Instance

	state         voiceState
	key           int32
	gen           uint32
	age           uint64 // allocation order stamp, for oldest-first stealing
	startBlock    uint64 // block the note started in; shields same-block steals
	releaseFrames int

	out [][]float32 // per-channel render scratch
}

// Config sizes a polyphony engine.
type Config struct {
	Voices     int
	SampleRate int
	BlockSize  int

	// Bindings overrides the voice parameter suffixes. Nil uses
	// DefaultBindings.
	Bindings *Bindings

	// Effect, when set, is instantiated once as a post-mix stage shared by
	// all voices. A successfully built engine owns the effect factory.
	Effect generator.Factory

	// MaxRelease frees a releasing voice that never decays to silence.
	// Zero means 10 seconds.
	MaxRelease time.Duration

	// QueueSize is the async note event capacity. Zero means 256.
	QueueSize int
}

// Engine renders a fixed table of module instances as one polyphonic
// audio node. The voice count never changes after construction: starting
// a note beyond capacity steals the oldest voice instead of growing.
//
// Process owns the audio thread. NoteOn, NoteOff and SetParamValue may be
// called from the audio thread; from any other single control thread use
// NoteOnAsync and NoteOffAsync, which hand events over a lock-free ring.
type Engine struct {
	factory generator.Factory
	desc    *compiler.ModuleDescriptor
	doc     *metadata.Document

	voices   []voice
	controls voiceControls

	effect        dspruntime.Instance
	effectFactory generator.Factory
	effectDesc    *compiler.ModuleDescriptor
	effectIn      [][]float32 // adaptation scratch when channel counts differ

	queue   *eventQueue
	dropped atomic.Uint64

	mix [][]float32

	sampleRate       int
	blockSize        int
	maxReleaseFrames int

	clock  uint64 // allocation stamps
	block  uint64 // Process call counter
	closed atomic.Bool

	// reported guards the one-time use-after-close log line.
	reported atomic.Bool
}

var _ dspruntime.AudioNode = (*Engine)(nil)

// New builds an engine of cfg.Voices instances from one factory. The
// factory is owned by the engine afterwards and closed with it.
func New(ctx context.Context, f generator.Factory, doc *metadata.Document, cfg Config) (*Engine, error) {
	if cfg.Voices <= 0 {
		f.Close(ctx)
		return nil, errors.InvalidInput(errors.StageInstantiate, "voice count must be positive")
	}
	if cfg.SampleRate <= 0 || cfg.BlockSize <= 0 {
		f.Close(ctx)
		return nil, errors.InvalidInput(errors.StageInstantiate, "sample rate and block size must be positive")
	}

	bindings := DefaultBindings()
	if cfg.Bindings != nil {
		bindings = *cfg.Bindings
	}
	desc := f.Descriptor()
	controls := bindings.resolve(desc)
	if !controls.bound() {
		Logger().Warn("module exposes no voice bindings, notes will be inaudible",
			zap.String("module", desc.Name()))
	}

	maxRelease := cfg.MaxRelease
	if maxRelease == 0 {
		maxRelease = defaultMaxRelease
	}
	queueSize := cfg.QueueSize
	if queueSize == 0 {
		queueSize = defaultQueueSize
	}

	e := &Engine{
		factory:          f,
		desc:             desc,
		doc:              doc,
		voices:           make([]voice, cfg.Voices),
		controls:         controls,
		queue:            newEventQueue(queueSize),
		sampleRate:       cfg.SampleRate,
		blockSize:        cfg.BlockSize,
		maxReleaseFrames: int(maxRelease.Seconds() * float64(cfg.SampleRate)),
	}
	for ch := 0; ch < desc.Outputs(); ch++ {
		e.mix = append(e.mix, make([]float32, cfg.BlockSize))
	}

	for i := range e.voices {
		inst, err := f.NewInstance(ctx, cfg.SampleRate, cfg.BlockSize)
		if err != nil {
			e.teardown()
			return nil, err
		}
		v := &e.voices[i]
		v.inst = inst
		v.out = make([][]float32, desc.Outputs())
		for ch := range v.out {
			v.out[ch] = make([]float32, cfg.BlockSize)
		}
	}

	if cfg.Effect != nil {
		if err := e.attachEffect(ctx, cfg.Effect); err != nil {
			e.teardown()
			return nil, err
		}
	}
	return e, nil
}

// attachEffect instantiates the post-mix stage and checks that the voice
// output channels can feed it: equal counts pass through, mono fans out
// to stereo, stereo averages down to mono.
func (e *Engine) attachEffect(ctx context.Context, f generator.Factory) error {
	ed := f.Descriptor()
	vo := e.desc.Outputs()
	switch {
	case ed.Inputs() == vo:
	case vo == 1 && ed.Inputs() == 2:
	case vo == 2 && ed.Inputs() == 1:
	default:
		return errors.InvalidInput(errors.StageInstantiate,
			"effect inputs do not match voice outputs")
	}

	inst, err := f.NewInstance(ctx, e.sampleRate, e.blockSize)
	if err != nil {
		return err
	}
	e.effect = inst
	e.effectFactory = f
	e.effectDesc = ed
	if ed.Inputs() != vo {
		e.effectIn = make([][]float32, ed.Inputs())
		for ch := range e.effectIn {
			e.effectIn[ch] = make([]float32, e.blockSize)
		}
	}
	return nil
}

// Inputs returns the per-voice audio input channel count.
func (e *Engine) Inputs() int { return e.desc.Inputs() }

// Outputs returns the engine's output channel count, the effect's when
// one is attached.
func (e *Engine) Outputs() int {
	if e.effectDesc != nil {
		return e.effectDesc.Outputs()
	}
	return e.desc.Outputs()
}

// Params returns the voice module's control tree.
func (e *Engine) Params() *metadata.Document { return e.doc }

// Voices returns the fixed voice capacity.
func (e *Engine) Voices() int { return len(e.voices) }

// ActiveVoices counts voices currently sounding, releasing included.
func (e *Engine) ActiveVoices() int {
	n := 0
	for i := range e.voices {
		if e.voices[i].state != voiceFree {
			n++
		}
	}
	return n
}

// DroppedEvents reports async events discarded on a full ring.
func (e *Engine) DroppedEvents() uint64 { return e.dropped.Load() }

// NoteOn starts a note, stealing the oldest voice when the table is full.
// Voices started during the current block are never stolen; if every
// voice started this block, the note is dropped and NoVoice returned.
func (e *Engine) NoteOn(key int, velocity float32) VoiceID {
	if e.closed.Load() {
		e.reportClosed()
		return NoVoice
	}
	slot := e.freeSlot()
	if slot < 0 {
		slot = e.oldestSlot(voiceReleasing)
	}
	if slot < 0 {
		slot = e.oldestSlot(voiceActive)
	}
	if slot < 0 {
		return NoVoice
	}
	return e.start(slot, key, velocity)
}

// NoteOff releases the voice a NoteOn returned. Stale ids, ids of stolen
// voices included, are ignored.
func (e *Engine) NoteOff(id VoiceID) {
	if e.closed.Load() {
		return
	}
	slot := id.slot()
	if slot < 0 || slot >= len(e.voices) {
		return
	}
	v := &e.voices[slot]
	if v.gen != id.generation() || v.state != voiceActive {
		return
	}
	e.release(v)
}

// NoteOffKey releases the oldest active voice playing the key.
func (e *Engine) NoteOffKey(key int) {
	if e.closed.Load() {
		return
	}
	best := -1
	for i := range e.voices {
		v := &e.voices[i]
		if v.state != voiceActive || v.key != int32(key) {
			continue
		}
		if best < 0 || v.age < e.voices[best].age {
			best = i
		}
	}
	if best >= 0 {
		e.release(&e.voices[best])
	}
}

// NoteOnAsync queues a note start for the next Process call. Returns
// false when the ring is full and the event was dropped.
func (e *Engine) NoteOnAsync(key int, velocity float32) bool {
	if e.closed.Load() {
		return false
	}
	ok := e.queue.push(noteEvent{kind: eventNoteOn, key: int32(key), velocity: velocity})
	if !ok {
		e.dropped.Add(1)
	}
	return ok
}

// NoteOffAsync queues a release by key for the next Process call.
func (e *Engine) NoteOffAsync(key int) bool {
	if e.closed.Load() {
		return false
	}
	ok := e.queue.push(noteEvent{kind: eventNoteOff, key: int32(key), voice: NoVoice})
	if !ok {
		e.dropped.Add(1)
	}
	return ok
}

func (e *Engine) freeSlot() int {
	for i := range e.voices {
		if e.voices[i].state == voiceFree {
			return i
		}
	}
	return -1
}

func (e *Engine) oldestSlot(state voiceState) int {
	best := -1
	for i := range e.voices {
		v := &e.voices[i]
		if v.state != state || v.startBlock == e.block {
			continue
		}
		if best < 0 || v.age < e.voices[best].age {
			best = i
		}
	}
	return best
}

func (e *Engine) start(slot, key int, velocity float32) VoiceID {
	v := &e.voices[slot]
	v.state = voiceActive
	v.key = int32(key)
	v.gen++
	v.age = e.clock
	v.startBlock = e.block
	v.releaseFrames = 0
	e.clock++

	for _, c := range e.controls.pitch {
		v.inst.WriteParam(c.addr, scaleKeyValue(c.scale, key))
	}
	for _, c := range e.controls.level {
		v.inst.WriteParam(c.addr, scaleVelocity(c.scale, velocity))
	}
	for _, c := range e.controls.trigger {
		v.inst.WriteParam(c.addr, 1)
	}
	return makeVoiceID(slot, v.gen)
}

func (e *Engine) release(v *voice) {
	for _, c := range e.controls.trigger {
		v.inst.WriteParam(c.addr, 0)
	}
	v.state = voiceReleasing
	v.releaseFrames = 0
}

func scaleKeyValue(mode scaleMode, key int) float32 {
	switch mode {
	case scaleKey:
		return float32(key)
	default:
		return keyToHertz(key)
	}
}

func scaleVelocity(mode scaleMode, velocity float32) float32 {
	if mode == scaleMIDI {
		return velocity * 127
	}
	return velocity
}

// Process renders one block: queued events first, then every sounding
// voice in slot order into the mix, then the post-mix effect. Releasing
// voices free themselves on a fully silent block or after the release
// timeout.
func (e *Engine) Process(inputs, outputs [][]float32, nframes int) {
	if e.closed.Load() {
		e.reportClosed()
		zeroBlocks(outputs, nframes)
		return
	}
	if nframes > e.blockSize {
		nframes = e.blockSize
	}

	for {
		ev, ok := e.queue.pop()
		if !ok {
			break
		}
		switch ev.kind {
		case eventNoteOn:
			e.NoteOn(int(ev.key), ev.velocity)
		case eventNoteOff:
			if ev.voice != NoVoice {
				e.NoteOff(ev.voice)
			} else {
				e.NoteOffKey(int(ev.key))
			}
		}
	}

	zeroBlocks(e.mix, nframes)

	for i := range e.voices {
		v := &e.voices[i]
		if v.state == voiceFree {
			continue
		}
		if err := v.inst.Compute(nframes, inputs, v.out); err != nil {
			// A faulted voice is parked, the rest keep sounding.
			v.state = voiceFree
			Logger().Error("voice compute fault",
				zap.String("module", e.desc.Name()),
				zap.Int("slot", i),
				zap.Error(err))
			continue
		}

		silent := true
		for ch := range e.mix {
			dst := e.mix[ch][:nframes]
			src := v.out[ch][:nframes]
			for n := range dst {
				dst[n] += src[n]
				if src[n] > silenceThreshold || src[n] < -silenceThreshold {
					silent = false
				}
			}
		}

		if v.state == voiceReleasing {
			v.releaseFrames += nframes
			if silent || v.releaseFrames >= e.maxReleaseFrames {
				v.state = voiceFree
			}
		}
	}

	e.deliver(outputs, nframes)
	e.block++
}

// deliver moves the mix into the host buffers, through the effect when
// one is attached.
func (e *Engine) deliver(outputs [][]float32, nframes int) {
	if e.effect == nil {
		for ch := 0; ch < len(outputs) && ch < len(e.mix); ch++ {
			copy(outputs[ch][:nframes], e.mix[ch][:nframes])
		}
		return
	}

	src := e.mix
	if e.effectIn != nil {
		adaptChannels(e.mix, e.effectIn, nframes)
		src = e.effectIn
	}
	if err := e.effect.Compute(nframes, src, outputs); err != nil {
		Logger().Error("effect compute fault",
			zap.String("module", e.effectDesc.Name()),
			zap.Error(err))
		zeroBlocks(outputs, nframes)
	}
}

// adaptChannels bridges mono and stereo between the voice mix and the
// effect: one source lane fans out, two average down.
func adaptChannels(src, dst [][]float32, nframes int) {
	switch {
	case len(src) == 1 && len(dst) == 2:
		copy(dst[0][:nframes], src[0][:nframes])
		copy(dst[1][:nframes], src[0][:nframes])
	case len(src) == 2 && len(dst) == 1:
		for n := 0; n < nframes; n++ {
			dst[0][n] = 0.5 * (src[0][n] + src[1][n])
		}
	default:
		for ch := 0; ch < len(dst) && ch < len(src); ch++ {
			copy(dst[ch][:nframes], src[ch][:nframes])
		}
	}
}

// GetParamValue reads a control from the first voice, or from the effect
// when the path belongs to it. Unknown paths, and any path on a closed
// engine, read as 0.
func (e *Engine) GetParamValue(path string) float32 {
	if e.closed.Load() {
		return 0
	}
	if def, ok := e.desc.Param(path); ok && len(e.voices) > 0 {
		return e.voices[0].inst.ReadParam(def.Address)
	}
	if e.effectDesc != nil {
		if def, ok := e.effectDesc.Param(path); ok {
			return e.effect.ReadParam(def.Address)
		}
	}
	return 0
}

// SetParamValue writes a control to every voice, clamped to its range.
// Effect paths route to the effect instance. Unknown paths are ignored;
// a closed engine ignores every write.
func (e *Engine) SetParamValue(path string, v float32) {
	if e.closed.Load() {
		return
	}
	if def, ok := e.desc.Param(path); ok {
		clamped := def.Range.Clamp(v)
		for i := range e.voices {
			e.voices[i].inst.WriteParam(def.Address, clamped)
		}
		return
	}
	if e.effectDesc != nil {
		if def, ok := e.effectDesc.Param(path); ok {
			e.effect.WriteParam(def.Address, def.Range.Clamp(v))
		}
	}
}

func (e *Engine) reportClosed() {
	if !e.reported.Swap(true) {
		Logger().Warn("call on closed engine",
			zap.String("module", e.desc.Name()))
	}
}

// Close releases every voice, the effect and the factory. Idempotent.
func (e *Engine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	return e.teardown()
}

func (e *Engine) teardown() error {
	var first error
	for i := range e.voices {
		if e.voices[i].inst == nil {
			continue
		}
		if err := e.voices[i].inst.Close(); err != nil && first == nil {
			first = err
		}
		e.voices[i].inst = nil
	}
	if e.effect != nil {
		if err := e.effect.Close(); err != nil && first == nil {
			first = err
		}
		e.effect = nil
	}
	if e.effectFactory != nil {
		if err := e.effectFactory.Close(context.Background()); err != nil && first == nil {
			first = err
		}
		e.effectFactory = nil
	}
	if err := e.factory.Close(context.Background()); err != nil && first == nil {
		first = err
	}
	return first
}

func zeroBlocks(chans [][]float32, nframes int) {
	for _, ch := range chans {
		n := nframes
		if n > len(ch) {
			n = len(ch)
		}
		for i := 0; i < n; i++ {
			ch[i] = 0
		}
	}
}
