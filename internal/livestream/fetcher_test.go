package livestream

import (
	"context"
	"errors"
	"testing"
	"time"

	"callstream-gateway/internal/platform/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(src Source) *ChunkFetcher {
	states := NewStateQuery(src, 2, time.Millisecond, logger.Discard())
	return NewChunkFetcher(src, states, 1, logger.Discard(), nil)
}

func TestChunkFetcher_waits_for_live_edge(t *testing.T) {
	src := newFakeSource(1_000_000, 4, true)
	f := newTestFetcher(src)
	tb, _ := NewTimeBase(4)

	at := src.live() + 30
	start := time.Now()
	res, err := f.Fetch(context.Background(), "call", 2, tb, at)
	require.NoError(t, err)
	assert.NotEmpty(t, res.payload)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Equal(t, []int64{at, at}, src.requests())
}

func TestChunkFetcher_broadcast_ended(t *testing.T) {
	t.Run("still_missing_after_retry", func(t *testing.T) {
		src := newFakeSource(1_000_000, 4, false)
		f := newTestFetcher(src)
		tb, _ := NewTimeBase(4)

		_, err := f.Fetch(context.Background(), "call", 2, tb, 1_000_030)
		assert.ErrorIs(t, err, ErrBroadcastEnded)
		assert.Len(t, src.requests(), 2)
	})

	t.Run("negative_delay", func(t *testing.T) {
		src := newFakeSource(1_000_000, 4, false)
		src.chunkErr = func(int64) error { return ParseChunkError("TIME_TOO_BIG") }
		f := newTestFetcher(src)
		tb, _ := NewTimeBase(4)

		_, err := f.Fetch(context.Background(), "call", 2, tb, 900_000)
		assert.ErrorIs(t, err, ErrBroadcastEnded)
		assert.Len(t, src.requests(), 1, "no retry once the live edge is past")
	})
}

func TestChunkFetcher_passes_other_errors(t *testing.T) {
	src := newFakeSource(1_000_000, 4, false)
	src.chunkErr = func(int64) error { return NewFloodWait(3) }
	f := newTestFetcher(src)
	tb, _ := NewTimeBase(4)

	_, err := f.Fetch(context.Background(), "call", 2, tb, 999_000)
	var ce *ChunkError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, KindFloodWait, ce.Kind)
	assert.Equal(t, 3*time.Second, ce.Wait)
}

func TestStateQuery_retries(t *testing.T) {
	t.Run("recovers", func(t *testing.T) {
		src := newFakeSource(100000, 0, false)
		src.stateErrs = []error{assert.AnError, assert.AnError}
		q := NewStateQuery(src, 3, time.Millisecond, logger.Discard())

		cs, st, err := q.Channel(context.Background(), "call", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(100000), cs.LastTimestampMS)
		assert.Equal(t, 2, st.DCID)
		assert.Equal(t, 3, src.stateCallCount())
	})

	t.Run("gives_up", func(t *testing.T) {
		src := newFakeSource(100000, 0, false)
		src.stateErrs = []error{assert.AnError, assert.AnError, assert.AnError, assert.AnError}
		q := NewStateQuery(src, 3, time.Millisecond, logger.Discard())

		_, err := q.Fetch(context.Background(), "call")
		assert.ErrorIs(t, err, ErrStateUnavailable)
		assert.ErrorIs(t, err, assert.AnError)
		assert.Equal(t, 3, src.stateCallCount())
	})

	t.Run("missing_channel", func(t *testing.T) {
		src := newFakeSource(100000, 0, false)
		q := NewStateQuery(src, 3, time.Millisecond, logger.Discard())

		_, _, err := q.Channel(context.Background(), "call", 7)
		assert.ErrorIs(t, err, ErrChannelMissing)
	})

	t.Run("cancelled_backoff", func(t *testing.T) {
		src := newFakeSource(100000, 0, false)
		src.stateErrs = []error{assert.AnError, assert.AnError}
		q := NewStateQuery(src, 3, time.Hour, logger.Discard())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := q.Fetch(ctx, "call")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}
