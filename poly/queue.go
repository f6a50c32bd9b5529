package poly

import "sync/atomic"

type eventKind uint8

const (
	eventNoteOn eventKind = iota
	eventNoteOff
)

type noteEvent struct {
	kind     eventKind
	key      int32
	velocity float32
	voice    VoiceID
}

// eventQueue is a single-producer single-consumer ring. The control
// thread pushes, the audio thread pops at block boundaries. Neither side
// locks or allocates; a full ring drops the event and reports it.
type eventQueue struct {
	buf  []noteEvent
	mask uint64
	head atomic.Uint64 // consumer position
	tail atomic.Uint64 // producer position
}

func newEventQueue(capacity int) *eventQueue {
	// round up to a power of two
	n := 1
	for n < capacity {
		n <<= 1
	}
	return &eventQueue{buf: make([]noteEvent, n), mask: uint64(n - 1)}
}

func (q *eventQueue) push(ev noteEvent) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() >= uint64(len(q.buf)) {
		return false
	}
	q.buf[tail&q.mask] = ev
	q.tail.Store(tail + 1)
	return true
}

func (q *eventQueue) pop() (noteEvent, bool) {
	head := q.head.Load()
	if head == q.tail.Load() {
		return noteEvent{}, false
	}
	ev := q.buf[head&q.mask]
	q.head.Store(head + 1)
	return ev, true
}
