package livestream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// OpenStream attaches a push consumer and starts buffering if needed. If a
// buffer already exists the sink immediately receives the init segment and
// every buffered segment; otherwise it is parked until the next commit.
func (s *Session) OpenStream() (*Sink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseDestroyed {
		return nil, ErrSessionClosed
	}

	sink := newSink(s.cfg.SinkQueue)
	s.sinks[sink] = struct{}{}
	s.metrics.AddPushSinks(1)
	s.cancelReaperLocked()

	if s.ended {
		s.activateLocked(sink)
		s.closeSinkLocked(sink)
		if len(s.sinks) == 0 {
			s.armReaperLocked(s.cfg.PullIdle)
		}
		return sink, nil
	}
	if s.enc.Init() != nil && len(s.buffer) > 0 {
		s.activateLocked(sink)
	}
	s.ensureStartedLocked()

	s.log.Debug("push sink attached", slog.String("sink_id", sink.ID.String()), slog.Int("sinks", len(s.sinks)))
	return sink, nil
}

// CloseStream detaches a push consumer. When the last one leaves, the session
// is destroyed after the push grace period unless another attaches first.
func (s *Session) CloseStream(sink *Sink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sinks[sink]; !ok {
		return
	}
	s.closeSinkLocked(sink)
	s.log.Debug("push sink detached", slog.String("sink_id", sink.ID.String()), slog.Int("sinks", len(s.sinks)))
	if len(s.sinks) == 0 && s.phase != PhaseDestroyed {
		s.armReaperLocked(s.cfg.PushGrace)
	}
}

// activateLocked sends the init segment and the whole buffer to sink.
func (s *Session) activateLocked(sink *Sink) {
	if seg := s.enc.Init(); seg != nil && !sink.offer(seg) {
		s.dropSinkLocked(sink, "slow consumer")
		return
	}
	for _, c := range s.buffer {
		if !sink.offer(c.Data) {
			s.dropSinkLocked(sink, "slow consumer")
			return
		}
	}
	sink.active = true
}

func (s *Session) closeSinkLocked(sink *Sink) {
	if _, ok := s.sinks[sink]; !ok {
		return
	}
	delete(s.sinks, sink)
	sink.close()
	s.metrics.AddPushSinks(-1)
}

func (s *Session) dropSinkLocked(sink *Sink, why string) {
	s.log.Warn("dropping push sink", slog.String("sink_id", sink.ID.String()), slog.String("reason", why))
	s.closeSinkLocked(sink)
	if len(s.sinks) == 0 && s.phase != PhaseDestroyed {
		s.armReaperLocked(s.cfg.PushGrace)
	}
}

// Manifest returns the live playlist once the first segment exists. base is
// the URL prefix segment and init references are built from.
func (s *Session) Manifest(ctx context.Context, base string) (string, error) {
	if err := s.awaitReady(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseDestroyed {
		return "", ErrSessionClosed
	}
	secs := float64(s.tb.ChunkMS) / 1000
	refs := make([]SegmentRef, 0, len(s.buffer))
	for _, c := range s.buffer {
		refs = append(refs, SegmentRef{
			Sequence: c.Seq,
			Duration: secs,
			Path:     fmt.Sprintf("%s/segments/%d.m4s", base, c.Seq),
		})
	}
	return BuildLivePlaylist(base+"/init.mp4", secs, refs, s.ended), nil
}

// InitSegment returns the init segment once the first segment exists.
func (s *Session) InitSegment(ctx context.Context) ([]byte, error) {
	if err := s.awaitReady(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseDestroyed {
		return nil, ErrSessionClosed
	}
	return s.enc.Init(), nil
}

// Chunk returns the segment with sequence number seq. A segment older than
// the buffer fails with ErrNotAvailable without waiting; a future one is
// waited for until produced, evicted, or the chunk wait expires.
func (s *Session) Chunk(ctx context.Context, seq int64) ([]byte, error) {
	s.mu.Lock()
	if err := s.touchPullLocked(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if c := s.findLocked(seq); c != nil {
		s.servedLocked(c)
		s.mu.Unlock()
		return c.Data, nil
	}
	if s.tooOldLocked(seq) {
		s.mu.Unlock()
		return nil, ErrNotAvailable
	}
	if s.ended {
		s.mu.Unlock()
		return nil, ErrBroadcastEnded
	}
	w := s.waiters.add(seqKey(seq))
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ChunkWait)
	defer cancel()
	res, err := s.wait(ctx, w)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrNotAvailable
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if c := s.findLocked(seq); c != nil {
		s.servedLocked(c)
	}
	s.mu.Unlock()
	return res, nil
}

// awaitReady registers pull activity and blocks until a segment is buffered.
func (s *Session) awaitReady(ctx context.Context) error {
	s.mu.Lock()
	if err := s.touchPullLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if len(s.buffer) > 0 {
		s.mu.Unlock()
		return nil
	}
	w := s.waiters.add(readyKey())
	s.mu.Unlock()

	_, err := s.wait(ctx, w)
	return err
}

func (s *Session) wait(ctx context.Context, w *waiter) ([]byte, error) {
	select {
	case res := <-w.ch:
		return res.data, res.err
	case <-ctx.Done():
		s.mu.Lock()
		removed := s.waiters.remove(w)
		s.mu.Unlock()
		if !removed {
			// Resolved concurrently with the cancellation.
			res := <-w.ch
			return res.data, res.err
		}
		return nil, ctx.Err()
	}
}

// touchPullLocked marks pull activity: it re-arms the idle reaper and starts
// the session if needed.
func (s *Session) touchPullLocked() error {
	if s.phase == PhaseDestroyed {
		return ErrSessionClosed
	}
	s.pullAttached = true
	if len(s.sinks) == 0 {
		s.armReaperLocked(s.cfg.PullIdle)
	}
	s.ensureStartedLocked()
	return nil
}

func (s *Session) findLocked(seq int64) *Chunk {
	if len(s.buffer) == 0 {
		return nil
	}
	if i := seq - s.buffer[0].Seq; i >= 0 && i < int64(len(s.buffer)) && s.buffer[i].Seq == seq {
		return s.buffer[i]
	}
	for _, c := range s.buffer {
		if c.Seq == seq {
			return c
		}
	}
	return nil
}

func (s *Session) tooOldLocked(seq int64) bool {
	if len(s.buffer) > 0 {
		return seq < s.buffer[0].Seq
	}
	return seq < s.enc.NextSeq()
}

func (s *Session) servedLocked(c *Chunk) {
	if s.highWater != nil {
		s.highWater.Raise(s.id, c.Time)
	}
}

// armReaperLocked (re)starts the dead-man timer. A pending pull request
// postpones destruction by another idle period.
func (s *Session) armReaperLocked(d time.Duration) {
	s.cancelReaperLocked()
	token := s.reaperToken
	s.reaper = time.AfterFunc(d, func() { s.reap(token) })
}

func (s *Session) cancelReaperLocked() {
	s.reaperToken++
	if s.reaper != nil {
		s.reaper.Stop()
		s.reaper = nil
	}
}

func (s *Session) reap(token uint64) {
	s.mu.Lock()
	if token != s.reaperToken || s.phase == PhaseDestroyed || len(s.sinks) > 0 {
		s.mu.Unlock()
		return
	}
	if s.waiters.len() > 0 {
		s.armReaperLocked(s.cfg.PullIdle)
		s.mu.Unlock()
		return
	}
	ok := s.destroyLocked()
	s.mu.Unlock()
	if ok {
		s.finishDestroy("idle")
	}
}
