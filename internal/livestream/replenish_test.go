package livestream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// primedSession returns an idle session whose window is set up as if a start
// at live 100000 (scale 0, lookback 1000, min buffer 8000) had just run.
func primedSession(t *testing.T, src Source) *Session {
	t.Helper()
	s := NewSession("call", DeliveryPush, DefaultConfig(), testDeps(src, nil))
	t.Cleanup(func() { s.Destroy("test") })

	tb, err := NewTimeBase(0)
	require.NoError(t, err)
	s.mu.Lock()
	s.generation = 1
	s.phase = PhaseStarting
	s.tb = tb
	s.currentTime = 99000
	s.cutoff = 91000
	s.bufferSize = 8
	s.nextRequest = 91000
	s.lastFlushed = 90000
	s.mu.Unlock()
	return s
}

func TestReserve_stays_inside_window(t *testing.T) {
	s := primedSession(t, newFakeSource(100000, 0, false))
	s.mu.Lock()
	defer s.mu.Unlock()

	times := s.reserveLocked(100)
	assert.Equal(t, []int64{91000, 92000, 93000, 94000, 95000, 96000, 97000, 98000}, times)

	assert.Empty(t, s.reserveLocked(100), "every slot is already in flight")

	s.cutoff += 1000
	assert.Equal(t, []int64{99000}, s.reserveLocked(100))

	s.cutoff += 3000
	assert.Equal(t, []int64{100000, 101000}, s.reserveLocked(2), "limit caps the reservation")

	s.nextRequest = 50000
	got := s.reserveLocked(1)
	assert.Equal(t, []int64{s.cutoff}, got, "a request behind the cutoff snaps forward")
}

func TestReplenish_commits_in_time_order(t *testing.T) {
	src := newFakeSource(100000, 0, false)
	src.latency = func(at int64) time.Duration {
		// Earlier chunks take longer.
		return time.Duration(100000-at) / 1000 * time.Millisecond
	}
	s := primedSession(t, src)

	require.NoError(t, s.replenish(context.Background(), 1, 8))

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.buffer, 8)
	for i, c := range s.buffer {
		assert.Equal(t, int64(i), c.Seq)
		assert.Equal(t, int64(91000+i*1000), c.Time)
	}
	assert.Equal(t, int64(98000), s.lastFlushed)
	assert.Equal(t, []byte("init"), s.enc.Init())
}

func TestReplenish_discards_stale_generation(t *testing.T) {
	src := newFakeSource(100000, 0, false)
	src.hold = make(chan struct{})
	s := primedSession(t, src)

	done := make(chan error, 1)
	go func() { done <- s.replenish(context.Background(), 1, 8) }()

	require.Eventually(t, func() bool { return len(src.requests()) == 8 }, time.Second, time.Millisecond)
	s.mu.Lock()
	s.generation++
	s.mu.Unlock()
	close(src.hold)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errStale)
	case <-time.After(time.Second):
		t.Fatal("replenish did not return")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.buffer)
	assert.Zero(t, s.enc.NextSeq())
	assert.Nil(t, s.enc.Init())
}

func TestReplenish_fetch_error_returns_reservation(t *testing.T) {
	src := newFakeSource(100000, 0, false)
	src.chunkErr = func(at int64) error {
		if at == 93000 {
			return ParseChunkError("INTERNAL")
		}
		return nil
	}
	s := primedSession(t, src)

	err := s.replenish(context.Background(), 1, 8)
	require.Error(t, err)
	assert.Equal(t, KindUnknown, KindOf(err))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.buffer)
	assert.Equal(t, int64(91000), s.nextRequest)
}

func TestCommit_drops_stale_and_out_of_window(t *testing.T) {
	s := primedSession(t, newFakeSource(100000, 0, false))
	s.mu.Lock()
	defer s.mu.Unlock()

	res := func(at int64) fetchResult { return fetchResult{payload: []byte{byte(at / 1000)}} }
	s.commitLocked([]int64{91000, 92000}, []fetchResult{res(91000), res(92000)})
	s.commitLocked([]int64{92000, 93000}, []fetchResult{res(92000), res(93000)})
	s.cutoff = 95000
	s.commitLocked([]int64{94000, 95000}, []fetchResult{res(94000), res(95000)})

	var times []int64
	for _, c := range s.buffer {
		times = append(times, c.Time)
	}
	assert.Equal(t, []int64{91000, 92000, 93000, 95000}, times)
	assert.Equal(t, int64(3), s.buffer[3].Seq)
}

func TestTargetDepth(t *testing.T) {
	tb, _ := NewTimeBase(0)
	secs := func(n ...int) []time.Duration {
		var out []time.Duration
		for _, v := range n {
			out = append(out, time.Duration(v)*time.Second)
		}
		return out
	}

	_, ok := targetDepth(secs(2, 2), 8000, 10000, tb)
	assert.False(t, ok, "fewer than three samples")

	depth, ok := targetDepth(secs(2, 2, 2), 8000, 10000, tb)
	assert.True(t, ok)
	assert.Equal(t, 8, depth)

	depth, _ = targetDepth(secs(3, 3, 3), 8000, 10000, tb)
	assert.Equal(t, 9, depth)

	depth, _ = targetDepth(secs(4, 5, 6), 8000, 10000, tb)
	assert.Equal(t, 10, depth)
}

func TestAdapt_moves_cutoff_by_delta(t *testing.T) {
	s := primedSession(t, newFakeSource(100000, 0, false))
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rtts = []time.Duration{4 * time.Second, 4 * time.Second, 4 * time.Second}
	s.adaptLocked()
	assert.Equal(t, 10, s.bufferSize)
	assert.Equal(t, int64(89000), s.cutoff)

	s.rtts = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	s.adaptLocked()
	assert.Equal(t, 8, s.bufferSize)
	assert.Equal(t, int64(91000), s.cutoff)
}

func TestRecordRTT_keeps_last_ten(t *testing.T) {
	s := primedSession(t, newFakeSource(100000, 0, false))
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range 15 {
		s.recordRTTLocked(time.Duration(i))
	}
	require.Len(t, s.rtts, rttSamples)
	assert.Equal(t, time.Duration(5), s.rtts[0])
}

func TestRetryDelay(t *testing.T) {
	d, ok := retryDelay(100500, 100000, 1000)
	assert.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, ok = retryDelay(99000, 100000, 1000)
	assert.True(t, ok)
	assert.Zero(t, d)

	_, ok = retryDelay(98000, 100000, 1000)
	assert.False(t, ok, "requested time fell behind a live edge that stopped")
}
