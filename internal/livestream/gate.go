package livestream

import "sync"

// deliveryGate is a single-slot completion barrier. Each replenish cycle takes
// a slot when it reserves its chunk times, waits for the previous slot before
// committing, and releases its own slot when done, so commits happen in
// reservation order while fetches run concurrently. Callers hold Session.mu
// around enter and reset.
type deliveryGate struct {
	tail chan struct{}
}

func newDeliveryGate() *deliveryGate {
	g := &deliveryGate{}
	g.reset()
	return g
}

// enter returns the previous cycle's barrier and the release for this cycle.
func (g *deliveryGate) enter() (<-chan struct{}, func()) {
	prev := g.tail
	mine := make(chan struct{})
	g.tail = mine
	var once sync.Once
	return prev, func() { once.Do(func() { close(mine) }) }
}

// reset drops the chain; the next cycle proceeds without waiting.
func (g *deliveryGate) reset() {
	c := make(chan struct{})
	close(c)
	g.tail = c
}
