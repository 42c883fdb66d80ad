package livestream

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StateQuery fetches the live position with a capped number of attempts and
// a fixed delay between them.
type StateQuery struct {
	src      StateSource
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

// NewStateQuery returns a StateQuery making at most attempts calls to src.
func NewStateQuery(src StateSource, attempts int, backoff time.Duration, log *slog.Logger) *StateQuery {
	if attempts <= 0 {
		attempts = 1
	}
	return &StateQuery{src: src, attempts: attempts, backoff: backoff, log: log}
}

// Fetch returns the live state, retrying failed calls.
func (q *StateQuery) Fetch(ctx context.Context, call CallID) (LiveState, error) {
	var lastErr error
	for attempt := 1; attempt <= q.attempts; attempt++ {
		st, err := q.src.FetchState(ctx, call)
		if err == nil {
			return st, nil
		}
		lastErr = err
		q.log.Debug("live state fetch failed",
			slog.String("call_id", string(call)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))

		if attempt < q.attempts {
			if err := sleepCtx(ctx, q.backoff); err != nil {
				return LiveState{}, err
			}
		}
	}
	return LiveState{}, fmt.Errorf("%w after %d attempts: %w", ErrStateUnavailable, q.attempts, lastErr)
}

// Channel fetches the live state and picks channel ch out of it.
func (q *StateQuery) Channel(ctx context.Context, call CallID, ch int) (ChannelState, LiveState, error) {
	st, err := q.Fetch(ctx, call)
	if err != nil {
		return ChannelState{}, LiveState{}, err
	}
	cs, ok := st.Channel(ch)
	if !ok {
		return ChannelState{}, st, fmt.Errorf("%w: channel %d", ErrChannelMissing, ch)
	}
	return cs, st, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
