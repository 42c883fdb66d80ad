package livestream

import "github.com/google/uuid"

// Sink is one push consumer. Whole segments arrive on C in time order; C is
// closed when the session ends the stream, drops a slow consumer, or is destroyed.
type Sink struct {
	ID uuid.UUID

	ch     chan []byte
	active bool
	closed bool
}

func newSink(queue int) *Sink {
	return &Sink{ID: uuid.New(), ch: make(chan []byte, queue)}
}

// C returns the segment stream.
func (k *Sink) C() <-chan []byte { return k.ch }

// offer queues b without blocking. Caller holds Session.mu.
func (k *Sink) offer(b []byte) bool {
	if k.closed {
		return false
	}
	select {
	case k.ch <- b:
		return true
	default:
		return false
	}
}

func (k *Sink) close() {
	if !k.closed {
		k.closed = true
		close(k.ch)
	}
}
