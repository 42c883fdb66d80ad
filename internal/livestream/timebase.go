package livestream

import "time"

// ChunkDuration converts a server scale exponent to a chunk duration in
// milliseconds: 1000 << -scale for negative scales, 1000 >> scale otherwise.
func ChunkDuration(scale int) int64 {
	if scale < 0 {
		return 1000 << uint(-scale)
	}
	return 1000 >> uint(scale)
}

// TimeBase is the fixed chunk timing of one generation.
type TimeBase struct {
	Scale   int
	ChunkMS int64
}

// NewTimeBase returns the time base for scale.
func NewTimeBase(scale int) (TimeBase, error) {
	tb := TimeBase{Scale: scale, ChunkMS: ChunkDuration(scale)}
	if tb.ChunkMS <= 0 {
		return TimeBase{}, ErrInvalidScale
	}
	return tb, nil
}

// Duration is the chunk duration as a wall-clock interval.
func (tb TimeBase) Duration() time.Duration {
	return time.Duration(tb.ChunkMS) * time.Millisecond
}

// ChunksFor returns how many chunks cover ms, rounding up.
func (tb TimeBase) ChunksFor(ms int64) int {
	if ms <= 0 {
		return 0
	}
	return int((ms + tb.ChunkMS - 1) / tb.ChunkMS)
}
