package livestream

import "sync"

// HighWaterStore remembers, per call, the newest chunk time served over the
// pull surface so a resync does not re-serve consumed content.
type HighWaterStore interface {
	Get(id CallID) (int64, bool)
	// Raise records t if it is newer than the stored time.
	Raise(id CallID, t int64)
	Clear(id CallID)
}

// InMemoryHighWater is an in-memory HighWaterStore.
type InMemoryHighWater struct {
	mu    sync.Mutex
	times map[CallID]int64
}

// NewInMemoryHighWater returns an empty store.
func NewInMemoryHighWater() *InMemoryHighWater {
	return &InMemoryHighWater{times: make(map[CallID]int64)}
}

// Get implements HighWaterStore.Get.
func (s *InMemoryHighWater) Get(id CallID) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.times[id]
	return t, ok
}

// Raise implements HighWaterStore.Raise.
func (s *InMemoryHighWater) Raise(id CallID, t int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.times[id]; !ok || t > cur {
		s.times[id] = t
	}
}

// Clear implements HighWaterStore.Clear.
func (s *InMemoryHighWater) Clear(id CallID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.times, id)
}
