package livestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// replenish fetches up to limit missing chunks of generation gen and commits
// them in time order. Fetches run concurrently; the commit waits for the
// previous cycle's commit through the delivery gate.
func (s *Session) replenish(ctx context.Context, gen uint64, limit int) error {
	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return errStale
	}
	s.evictLocked()
	times := s.reserveLocked(limit)
	if len(times) == 0 {
		s.mu.Unlock()
		return nil
	}
	prev, release := s.gate.enter()
	call, dc, tb := s.id, s.dcID, s.tb
	s.mu.Unlock()

	defer func() {
		<-prev
		release()
	}()

	results := make([]fetchResult, len(times))
	terminal := make([]bool, len(times))
	g, gctx := errgroup.WithContext(ctx)
	for i, at := range times {
		g.Go(func() error {
			res, err := s.fetcher.Fetch(gctx, call, dc, tb, at)
			switch {
			case err == nil:
				results[i] = res
				return nil
			case errors.Is(err, ErrBroadcastEnded):
				terminal[i] = true
				return nil
			default:
				return fmt.Errorf("fetch chunk %d: %w", at, err)
			}
		})
	}
	fetchErr := g.Wait()

	<-prev

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return errStale
	}
	for _, r := range results {
		if r.payload != nil {
			s.recordRTTLocked(r.rtt)
		}
	}
	if fetchErr != nil {
		// Hand the reservation back unless a later cycle already moved past it.
		if s.nextRequest == times[len(times)-1]+tb.ChunkMS {
			s.nextRequest = times[0]
		}
		return fetchErr
	}

	s.adaptLocked()
	s.commitLocked(times, results)

	for _, t := range terminal {
		if t {
			s.endLocked()
			if len(s.buffer) == 0 {
				return fmt.Errorf("%w with nothing buffered", ErrBroadcastEnded)
			}
			break
		}
	}
	return nil
}

// evictLocked drops chunks older than the cutoff and rejects pull requests
// for sequence numbers that can no longer be served.
func (s *Session) evictLocked() {
	i := 0
	for i < len(s.buffer) && s.buffer[i].Time < s.cutoff {
		i++
	}
	if i > 0 {
		s.buffer = append([]*Chunk(nil), s.buffer[i:]...)
	}
	oldest := s.enc.NextSeq()
	if len(s.buffer) > 0 {
		oldest = s.buffer[0].Seq
	}
	s.waiters.rejectSeq(func(seq int64) bool { return seq < oldest }, ErrNotAvailable)
}

// reserveLocked claims the next chunk times to request. It never reserves a
// time outside the window, so in-flight chunks count against the buffer size.
func (s *Session) reserveLocked(limit int) []int64 {
	chunk := s.tb.ChunkMS
	if chunk <= 0 {
		return nil
	}
	if s.nextRequest < s.cutoff {
		s.nextRequest = s.cutoff
	}
	end := s.cutoff + int64(s.bufferSize)*chunk

	missing := min(s.bufferSize-len(s.buffer), limit)
	if slots := int((end - s.nextRequest) / chunk); slots < missing {
		missing = slots
	}
	if missing <= 0 {
		return nil
	}

	times := make([]int64, missing)
	for i := range times {
		times[i] = s.nextRequest + int64(i)*chunk
	}
	s.nextRequest += int64(missing) * chunk
	return times
}

func (s *Session) recordRTTLocked(rtt time.Duration) {
	s.rtts = append(s.rtts, rtt)
	if len(s.rtts) > rttSamples {
		s.rtts = s.rtts[len(s.rtts)-rttSamples:]
	}
}

// targetDepth returns the buffer depth, in chunks, for the observed round
// trips: three times the mean RTT clamped to [minMS, maxMS]. ok is false
// until enough samples exist.
func targetDepth(rtts []time.Duration, minMS, maxMS int64, tb TimeBase) (int, bool) {
	if len(rtts) < rttMinSamples {
		return 0, false
	}
	var sum time.Duration
	for _, r := range rtts {
		sum += r
	}
	mean := sum / time.Duration(len(rtts))
	window := max(minMS, min(maxMS, rttDepthFactor*mean.Milliseconds()))
	return tb.ChunksFor(window), true
}

// adaptLocked resizes the window to the observed latency, moving the cutoff
// so the window end stays put.
func (s *Session) adaptLocked() {
	depth, ok := targetDepth(s.rtts, s.cfg.MinBufferMS, s.cfg.MaxBufferMS, s.tb)
	if !ok || depth == s.bufferSize {
		return
	}
	delta := depth - s.bufferSize
	s.cutoff -= int64(delta) * s.tb.ChunkMS
	s.bufferSize = depth
	s.log.Debug("buffer resized", slog.Int("size", depth), slog.Int("delta", delta))
	s.evictLocked()
}

// commitLocked encodes and delivers the fetched chunks in time order.
func (s *Session) commitLocked(times []int64, results []fetchResult) {
	chunkMS := s.tb.ChunkMS
	var fresh []*Chunk
	for i, at := range times {
		if results[i].payload == nil {
			continue
		}
		if at <= s.lastFlushed || at < s.cutoff {
			s.log.Debug("dropping stale chunk", slog.Int64("time", at), slog.Int64("last_flushed", s.lastFlushed))
			continue
		}
		fresh = append(fresh, &Chunk{Time: at, Raw: results[i].payload})
	}
	if len(fresh) == 0 {
		return
	}

	// Gaps are reported, not repaired.
	expected := s.lastFlushed + chunkMS
	for _, c := range fresh {
		if c.Time != expected {
			s.log.Warn("chunk continuity broken",
				slog.Int64("expected", expected),
				slog.Int64("got", c.Time))
		}
		expected = c.Time + chunkMS
	}

	hadInit := s.enc.Init() != nil
	produced := 0
	for _, c := range fresh {
		s.lastFlushed = c.Time
		seq, data, err := s.enc.Encode(c.Raw)
		if err != nil {
			s.log.Warn("dropping undecodable chunk", slog.Int64("time", c.Time), slog.String("error", err.Error()))
			continue
		}
		c.Seq, c.Data = seq, data
		s.buffer = append(s.buffer, c)
		produced++

		for sink := range s.sinks {
			if sink.active && !sink.offer(data) {
				s.dropSinkLocked(sink, "slow consumer")
			}
		}
		s.waiters.resolve(seqKey(seq), waitResult{data: data})
	}
	s.metrics.AddSegmentsProduced(produced)
	if !hadInit && s.enc.Init() != nil {
		s.log.Info("init segment built", slog.Int("bytes", len(s.enc.Init())), slog.Any("audio", s.enc.Audio()))
	}

	if len(s.buffer) == 0 {
		return
	}
	for sink := range s.sinks {
		if !sink.active {
			s.activateLocked(sink)
		}
	}
	s.waiters.resolve(readyKey(), waitResult{})
}

// endLocked marks the broadcast as ended: the clock stops, push sinks are
// closed after everything buffered has been queued, and pull requests for
// segments that will never exist are rejected.
func (s *Session) endLocked() {
	if s.ended {
		return
	}
	s.ended = true
	s.stopClockLocked()
	for sink := range s.sinks {
		s.closeSinkLocked(sink)
	}
	next := s.enc.NextSeq()
	s.waiters.rejectSeq(func(seq int64) bool { return seq >= next }, ErrBroadcastEnded)
	s.armReaperLocked(s.cfg.PullIdle)
	s.log.Info("broadcast ended", slog.Int("buffered", len(s.buffer)))
}
