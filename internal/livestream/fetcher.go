package livestream

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"callstream-gateway/internal/platform/metrics"
)

// fetchResult is one successfully fetched chunk.
type fetchResult struct {
	payload []byte
	rtt     time.Duration
}

// ChunkFetcher fetches single chunks and absorbs "time too big" by waiting
// for the live edge to catch up once.
type ChunkFetcher struct {
	src     ChunkSource
	states  *StateQuery
	channel int
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewChunkFetcher returns a fetcher for channel ch.
func NewChunkFetcher(src ChunkSource, states *StateQuery, ch int, log *slog.Logger, m *metrics.Metrics) *ChunkFetcher {
	return &ChunkFetcher{src: src, states: states, channel: ch, log: log, metrics: m}
}

// Fetch returns the chunk at time at. ErrBroadcastEnded means the time will
// never be produced; any other error is a session-level failure.
func (f *ChunkFetcher) Fetch(ctx context.Context, call CallID, dc int, tb TimeBase, at int64) (fetchResult, error) {
	res, err := f.once(ctx, call, dc, tb, at)
	if err == nil || KindOf(err) != KindTimeTooBig {
		return res, err
	}

	cs, _, err := f.states.Channel(ctx, call, f.channel)
	if err != nil {
		return fetchResult{}, err
	}
	delay, ok := retryDelay(at, cs.LastTimestampMS, tb.ChunkMS)
	if !ok {
		return fetchResult{}, fmt.Errorf("%w: chunk %d behind live %d", ErrBroadcastEnded, at, cs.LastTimestampMS)
	}
	f.log.Debug("chunk ahead of live edge, waiting",
		slog.String("call_id", string(call)),
		slog.Int64("time", at),
		slog.Int64("live", cs.LastTimestampMS),
		slog.Duration("delay", delay))
	if err := sleepCtx(ctx, delay); err != nil {
		return fetchResult{}, err
	}

	res, err = f.once(ctx, call, dc, tb, at)
	if KindOf(err) == KindTimeTooBig {
		return fetchResult{}, fmt.Errorf("%w: chunk %d still not produced", ErrBroadcastEnded, at)
	}
	return res, err
}

func (f *ChunkFetcher) once(ctx context.Context, call CallID, dc int, tb TimeBase, at int64) (fetchResult, error) {
	start := time.Now()
	payload, err := f.src.FetchChunk(ctx, ChunkRequest{
		DCID:    dc,
		Call:    call,
		Channel: f.channel,
		TimeMS:  at,
		Scale:   tb.Scale,
	})
	if err != nil {
		if ctx.Err() == nil {
			f.metrics.IncFetchFailures(KindOf(err).String())
		}
		return fetchResult{}, err
	}
	rtt := time.Since(start)
	f.metrics.ObserveFetchRTT(rtt)
	return fetchResult{payload: payload, rtt: rtt}, nil
}

// retryDelay is how long to wait before re-requesting a chunk at requested
// once the source reports live as its newest time. ok is false when the
// delay is negative: the broadcast ended before reaching requested.
func retryDelay(requested, live, chunkMS int64) (time.Duration, bool) {
	d := requested - live + chunkMS
	if d < 0 {
		return 0, false
	}
	return time.Duration(d) * time.Millisecond, true
}
