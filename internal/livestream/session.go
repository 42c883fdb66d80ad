package livestream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callstream-gateway/internal/platform/metrics"
)

// Phase is the position of a Session in its lifecycle.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseStarting
	PhaseLive
	PhaseResyncing
	PhaseDestroyed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseStarting:
		return "starting"
	case PhaseLive:
		return "live"
	case PhaseResyncing:
		return "resyncing"
	default:
		return "destroyed"
	}
}

// Chunk is one buffered chunk. Seq and Data are set once it is encoded.
type Chunk struct {
	Time int64
	Seq  int64
	Raw  []byte
	Data []byte
}

// Session buffers the live stream of one call and fans it out to push sinks
// and pull requests. All mutable state is guarded by mu; network calls run
// without it and re-check the generation before committing.
type Session struct {
	id        CallID
	cfg       Config
	mode      DeliveryMode
	log       *slog.Logger
	metrics   *metrics.Metrics
	notifier  Notifier
	highWater HighWaterStore
	states    *StateQuery
	fetcher   *ChunkFetcher

	ctx    context.Context
	cancel context.CancelFunc

	// onDestroy runs once, outside mu, after the session is destroyed.
	onDestroy func(*Session)

	mu          sync.Mutex
	phase       Phase
	generation  uint64
	genCancel   context.CancelFunc
	retries     int
	tb          TimeBase
	dcID        int
	currentTime int64
	cutoff      int64
	nextRequest int64
	lastFlushed int64
	bufferSize  int
	rtts        []time.Duration
	buffer      []*Chunk
	enc         *Encoder
	ended       bool
	gate        *deliveryGate

	sinks        map[*Sink]struct{}
	waiters      *waiterTable
	pullAttached bool

	stopClock    chan struct{}
	restartTimer *time.Timer
	reaper       *time.Timer
	reaperToken  uint64
}

// NewSession returns an idle session for id. Buffering starts with the first
// consumer. mode is the surface that caused the session to be created; it
// selects the audio handling for the session's lifetime.
func NewSession(id CallID, mode DeliveryMode, cfg Config, deps Deps) *Session {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "session", "call_id", string(id))

	audio := AudioPassthrough
	if mode == DeliveryPull && cfg.PullAudioTranscode {
		audio = AudioTranscode
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = Notifiers(nil)
	}

	states := NewStateQuery(deps.Source, cfg.StateAttempts, cfg.StateBackoff, log)
	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		id:        id,
		cfg:       cfg,
		mode:      mode,
		log:       log,
		metrics:   deps.Metrics,
		notifier:  notifier,
		highWater: deps.HighWater,
		states:    states,
		fetcher:   NewChunkFetcher(deps.Source, states, cfg.Channel, log, deps.Metrics),
		ctx:       ctx,
		cancel:    cancel,
		genCancel: func() {},
		enc:       NewEncoder(deps.Muxer, deps.Transcoder, audio),
		gate:      newDeliveryGate(),
		sinks:     make(map[*Sink]struct{}),
		waiters:   newWaiterTable(),
	}
}

// ID returns the call identity.
func (s *Session) ID() CallID { return s.id }

// Mode returns the delivery mode the session was created for.
func (s *Session) Mode() DeliveryMode { return s.mode }

// Destroyed reports whether the session has been torn down.
func (s *Session) Destroyed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == PhaseDestroyed
}

// ensureStartedLocked kicks off the first start. Caller holds s.mu.
func (s *Session) ensureStartedLocked() {
	if s.phase == PhaseIdle {
		s.resyncLocked(0)
	}
}

// resetLocked clears the buffer and opens a new generation. Caller holds s.mu.
func (s *Session) resetLocked() (uint64, context.Context) {
	s.stopClockLocked()
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
	s.genCancel()

	if s.phase == PhaseLive {
		s.phase = PhaseResyncing
	} else {
		s.phase = PhaseStarting
	}
	s.generation++
	s.buffer = nil
	s.rtts = nil
	s.ended = false
	s.enc.ResetSequence()
	s.gate.reset()
	// Sequence numbers restart, so parked requests refer to a numbering
	// that no longer exists.
	s.waiters.rejectSeq(func(int64) bool { return true }, ErrNotAvailable)

	ctx, cancel := context.WithCancel(s.ctx)
	s.genCancel = cancel
	return s.generation, ctx
}

// resyncLocked starts a new generation after delay. Caller holds s.mu.
func (s *Session) resyncLocked(delay time.Duration) {
	if s.phase != PhaseIdle {
		s.metrics.IncResyncs()
	}
	gen, ctx := s.resetLocked()
	if delay <= 0 {
		go s.run(ctx, gen)
		return
	}
	s.restartTimer = time.AfterFunc(delay, func() { s.run(ctx, gen) })
}

// run performs the start sequence of generation gen.
func (s *Session) run(ctx context.Context, gen uint64) {
	if !s.current(gen) {
		return
	}

	cs, st, err := s.states.Channel(ctx, s.id, s.cfg.Channel)
	if err != nil {
		s.handleFailure(gen, err)
		return
	}
	tb, err := NewTimeBase(cs.Scale)
	if err != nil {
		s.handleFailure(gen, err)
		return
	}

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		return
	}
	start := cs.LastTimestampMS - s.cfg.LookbackMS
	hw, haveHW := int64(0), false
	if s.pullAttached && s.highWater != nil {
		hw, haveHW = s.highWater.Get(s.id)
		haveHW = haveHW && hw > start
	}
	if haveHW {
		// The window ends one chunk past the first unserved time.
		start = hw + 2*tb.ChunkMS
	}
	s.tb = tb
	s.dcID = st.DCID
	s.currentTime = start
	s.cutoff = start - s.cfg.MinBufferMS
	s.bufferSize = tb.ChunksFor(s.cfg.MinBufferMS)
	// The flush watermark survives resyncs: attached push sinks never see
	// a time at or before one they already received.
	s.lastFlushed = max(s.lastFlushed, s.cutoff-tb.ChunkMS)
	if haveHW {
		s.lastFlushed = max(s.lastFlushed, hw)
	}
	s.nextRequest = max(s.cutoff, s.lastFlushed+tb.ChunkMS)
	s.mu.Unlock()

	s.log.Info("session starting",
		slog.Uint64("generation", gen),
		slog.Int("scale", tb.Scale),
		slog.Int64("live", cs.LastTimestampMS),
		slog.Int64("start", start),
		slog.Bool("high_water", haveHW))

	err = s.replenish(ctx, gen, tb.ChunksFor(s.cfg.WarmupMS))
	if err != nil {
		if !errors.Is(err, errStale) {
			s.handleFailure(gen, err)
		}
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation || s.ended {
		return
	}
	s.phase = PhaseLive
	s.startClockLocked(ctx, gen)
}

func (s *Session) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation && s.phase != PhaseDestroyed
}

// startClockLocked starts the chunk-duration ticker of generation gen.
// Caller holds s.mu.
func (s *Session) startClockLocked(ctx context.Context, gen uint64) {
	s.stopClockLocked()
	stop := make(chan struct{})
	s.stopClock = stop
	interval := s.tb.Duration()

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				if !s.tick(ctx, gen) {
					return
				}
			}
		}
	}()
}

func (s *Session) stopClockLocked() {
	if s.stopClock != nil {
		close(s.stopClock)
		s.stopClock = nil
	}
}

// tick advances the clock by one chunk and replenishes in the background.
func (s *Session) tick(ctx context.Context, gen uint64) bool {
	s.mu.Lock()
	if gen != s.generation || s.ended {
		s.mu.Unlock()
		return false
	}
	s.currentTime += s.tb.ChunkMS
	s.cutoff += s.tb.ChunkMS
	s.evictLocked()
	now, size := s.currentTime, s.bufferSize
	s.mu.Unlock()

	s.notifier.Progress(s.id, now)

	go func() {
		err := s.replenish(ctx, gen, size)
		s.afterReplenish(gen, err)
	}()
	return true
}

// afterReplenish decides what a failed clock-driven replenish means. Protocol
// errors go through the resync state machine; anything else only matters when
// nothing is left buffered.
func (s *Session) afterReplenish(gen uint64, err error) {
	if err == nil || errors.Is(err, errStale) || errors.Is(err, context.Canceled) {
		return
	}
	if KindOf(err) == KindUnknown && !errors.Is(err, ErrBroadcastEnded) {
		s.mu.Lock()
		buffered := len(s.buffer)
		s.mu.Unlock()
		if buffered > 0 {
			s.log.Warn("replenish failed, continuing on buffered content",
				slog.Int("buffered", buffered),
				slog.String("error", err.Error()))
			return
		}
	}
	s.handleFailure(gen, err)
}

// handleFailure applies the resync state machine to a session-level error.
func (s *Session) handleFailure(gen uint64, err error) {
	s.mu.Lock()
	if gen != s.generation || s.phase == PhaseDestroyed {
		s.mu.Unlock()
		return
	}

	var ce *ChunkError
	errors.As(err, &ce)
	kind := KindOf(err)
	switch {
	case kind == KindTimeTooSmall || kind == KindTimeInvalid:
		s.log.Info("server clock drift, resyncing", slog.String("error", err.Error()))
		s.resyncLocked(0)
		s.mu.Unlock()
		return
	case kind == KindFloodWait:
		s.log.Warn("rate limited, restarting later", slog.Duration("wait", ce.Wait))
		s.resyncLocked(ce.Wait)
		s.mu.Unlock()
		return
	case (kind == KindGroupCallForbidden || kind == KindVideoChannelInvalid) && s.retries < s.cfg.ResyncAttempts:
		s.retries++
		s.log.Warn("transient stream error, resyncing",
			slog.Int("retry", s.retries),
			slog.String("error", err.Error()))
		s.resyncLocked(0)
		s.mu.Unlock()
		return
	}
	ok := s.destroyLocked()
	s.mu.Unlock()

	if ok {
		s.log.Error("session failed", slog.String("error", err.Error()))
		s.finishDestroy(failureReason(err))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrBroadcastEnded):
		return "broadcast_ended"
	case errors.Is(err, ErrStateUnavailable):
		return "state_unavailable"
	case errors.Is(err, ErrChannelMissing):
		return "channel_missing"
	}
	if k := KindOf(err); k != KindUnknown {
		return k.String()
	}
	return "error"
}

// Destroy tears the session down: all sinks are closed, all pull waiters
// rejected, all timers stopped. It is idempotent.
func (s *Session) Destroy(reason string) {
	s.mu.Lock()
	ok := s.destroyLocked()
	s.mu.Unlock()
	if ok {
		s.finishDestroy(reason)
	}
}

func (s *Session) destroyLocked() bool {
	if s.phase == PhaseDestroyed {
		return false
	}
	s.phase = PhaseDestroyed
	s.generation++
	s.stopClockLocked()
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	s.cancelReaperLocked()
	s.genCancel()
	s.cancel()
	for sink := range s.sinks {
		s.closeSinkLocked(sink)
	}
	s.waiters.rejectAll(ErrSessionClosed)
	s.buffer = nil
	return true
}

// finishDestroy runs the notifications of a destroy outside s.mu.
func (s *Session) finishDestroy(reason string) {
	s.log.Info("session destroyed", slog.String("reason", reason))
	s.metrics.IncSessionsDestroyed(reason)
	s.notifier.Destroyed(s.id)
	if s.onDestroy != nil {
		s.onDestroy(s)
	}
}

// Stats is a point-in-time view of a session.
type Stats struct {
	CallID         CallID `json:"callId"`
	Mode           string `json:"mode"`
	Phase          string `json:"phase"`
	Generation     uint64 `json:"generation"`
	Retries        int    `json:"retries"`
	Scale          int    `json:"scale"`
	ChunkMS        int64  `json:"chunkMs"`
	CurrentTime    int64  `json:"currentTime"`
	Cutoff         int64  `json:"cutoff"`
	BufferSize     int    `json:"bufferSize"`
	Buffered       int    `json:"buffered"`
	OldestSeq      int64  `json:"oldestSeq"`
	NewestSeq      int64  `json:"newestSeq"`
	Sinks          int    `json:"sinks"`
	PendingWaiters int    `json:"pendingWaiters"`
	Ended          bool   `json:"ended"`
}

// Snapshot returns the session's current Stats.
func (s *Session) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		CallID:         s.id,
		Mode:           s.mode.String(),
		Phase:          s.phase.String(),
		Generation:     s.generation,
		Retries:        s.retries,
		Scale:          s.tb.Scale,
		ChunkMS:        s.tb.ChunkMS,
		CurrentTime:    s.currentTime,
		Cutoff:         s.cutoff,
		BufferSize:     s.bufferSize,
		Buffered:       len(s.buffer),
		OldestSeq:      -1,
		NewestSeq:      -1,
		Sinks:          len(s.sinks),
		PendingWaiters: s.waiters.len(),
		Ended:          s.ended,
	}
	if n := len(s.buffer); n > 0 {
		st.OldestSeq = s.buffer[0].Seq
		st.NewestSeq = s.buffer[n-1].Seq
	}
	return st
}
