package livestream

type waitKind int

const (
	waitReady waitKind = iota
	waitSeq
)

type waitKey struct {
	kind waitKind
	seq  int64
}

func readyKey() waitKey { return waitKey{kind: waitReady} }
func seqKey(seq int64) waitKey { return waitKey{kind: waitSeq, seq: seq} }

type waitResult struct {
	data []byte
	err  error
}

type waiter struct {
	key waitKey
	ch  chan waitResult
}

// waiterTable holds parked pull requests keyed by what they wait for.
// Resolving a key removes every waiter under it.
type waiterTable struct {
	entries map[waitKey]map[*waiter]struct{}
	n       int
}

func newWaiterTable() *waiterTable {
	return &waiterTable{entries: make(map[waitKey]map[*waiter]struct{})}
}

func (t *waiterTable) add(key waitKey) *waiter {
	w := &waiter{key: key, ch: make(chan waitResult, 1)}
	set, ok := t.entries[key]
	if !ok {
		set = make(map[*waiter]struct{})
		t.entries[key] = set
	}
	set[w] = struct{}{}
	t.n++
	return w
}

// remove drops w without resolving it. It reports whether w was still parked.
func (t *waiterTable) remove(w *waiter) bool {
	set, ok := t.entries[w.key]
	if !ok {
		return false
	}
	if _, ok := set[w]; !ok {
		return false
	}
	delete(set, w)
	if len(set) == 0 {
		delete(t.entries, w.key)
	}
	t.n--
	return true
}

func (t *waiterTable) resolve(key waitKey, res waitResult) int {
	set, ok := t.entries[key]
	if !ok {
		return 0
	}
	delete(t.entries, key)
	for w := range set {
		w.ch <- res
	}
	t.n -= len(set)
	return len(set)
}

// rejectSeq fails every sequence waiter for which match returns true.
func (t *waiterTable) rejectSeq(match func(seq int64) bool, err error) {
	for key := range t.entries {
		if key.kind == waitSeq && match(key.seq) {
			t.resolve(key, waitResult{err: err})
		}
	}
}

func (t *waiterTable) rejectAll(err error) {
	for key := range t.entries {
		t.resolve(key, waitResult{err: err})
	}
}

func (t *waiterTable) len() int { return t.n }
