package livestream

import (
	"log/slog"
	"sync"
)

// Notifier receives the outbound session notifications.
type Notifier interface {
	Progress(id CallID, timeMS int64)
	Destroyed(id CallID)
}

// Notifiers fans notifications out to several notifiers.
type Notifiers []Notifier

// Progress implements Notifier.
func (ns Notifiers) Progress(id CallID, timeMS int64) {
	for _, n := range ns {
		n.Progress(id, timeMS)
	}
}

// Destroyed implements Notifier.
func (ns Notifiers) Destroyed(id CallID) {
	for _, n := range ns {
		n.Destroyed(id)
	}
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Log *slog.Logger
}

// Progress implements Notifier.
func (n LogNotifier) Progress(id CallID, timeMS int64) {
	n.Log.Debug("stream progress", slog.String("call_id", string(id)), slog.Int64("time", timeMS))
}

// Destroyed implements Notifier.
func (n LogNotifier) Destroyed(id CallID) {
	n.Log.Info("stream destroyed", slog.String("call_id", string(id)))
}

// Event is one outbound notification.
type Event struct {
	Type   string `json:"type"`
	CallID CallID `json:"callId"`
	Time   int64  `json:"time,omitempty"`
}

const (
	EventProgress  = "progress"
	EventDestroyed = "destroyed"
)

// EventHub broadcasts notifications to subscribers. Slow subscribers miss
// events rather than stall a session.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	size int
}

// NewEventHub returns a hub whose subscriber queues hold size events.
func NewEventHub(size int) *EventHub {
	if size <= 0 {
		size = 16
	}
	return &EventHub{subs: make(map[chan Event]struct{}), size: size}
}

// Subscribe returns an event stream and its cancel func.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.size)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *EventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Progress implements Notifier.
func (h *EventHub) Progress(id CallID, timeMS int64) {
	h.publish(Event{Type: EventProgress, CallID: id, Time: timeMS})
}

// Destroyed implements Notifier.
func (h *EventHub) Destroyed(id CallID) {
	h.publish(Event{Type: EventDestroyed, CallID: id})
}
