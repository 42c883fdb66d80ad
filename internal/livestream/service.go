package livestream

import (
	"context"
	"errors"
	"log/slog"
)

// Service is the entry point of the buffering engine: it owns the session
// registry and the collaborators shared by every session.
type Service struct {
	cfg      Config
	deps     Deps
	registry *Registry
	log      *slog.Logger
}

// NewService returns a Service whose sessions use cfg and deps.
func NewService(cfg Config, deps Deps) *Service {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.HighWater == nil {
		deps.HighWater = NewInMemoryHighWater()
	}
	s := &Service{cfg: cfg, deps: deps, log: deps.Log.With("component", "service")}
	s.registry = NewRegistry(func(id CallID, mode DeliveryMode) *Session {
		return NewSession(id, mode, cfg, deps)
	}, deps.Log)
	return s
}

// Registry returns the service's session registry.
func (s *Service) Registry() *Registry { return s.registry }

// OpenStream attaches a push consumer to the session of id.
func (s *Service) OpenStream(id CallID) (*Session, *Sink, error) {
	var (
		sess *Session
		sink *Sink
	)
	err := s.withSession(id, DeliveryPush, func(ss *Session) error {
		var err error
		sess = ss
		sink, err = ss.OpenStream()
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return sess, sink, nil
}

// CloseStream detaches a push consumer opened with OpenStream.
func (s *Service) CloseStream(sess *Session, sink *Sink) {
	sess.CloseStream(sink)
}

// Manifest returns the live playlist of id. It waits at most the chunk wait
// for the first segment and fails with ErrNotAvailable after that.
func (s *Service) Manifest(ctx context.Context, id CallID, base string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ChunkWait)
	defer cancel()

	var m3u8 string
	err := s.withSession(id, DeliveryPull, func(ss *Session) error {
		var err error
		m3u8, err = ss.Manifest(ctx, base)
		return err
	})
	return m3u8, notAvailableOnTimeout(err)
}

// InitSegment returns the init segment of id.
func (s *Service) InitSegment(ctx context.Context, id CallID) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ChunkWait)
	defer cancel()

	var data []byte
	err := s.withSession(id, DeliveryPull, func(ss *Session) error {
		var err error
		data, err = ss.InitSegment(ctx)
		return err
	})
	return data, notAvailableOnTimeout(err)
}

// Chunk returns segment seq of id.
func (s *Service) Chunk(ctx context.Context, id CallID, seq int64) ([]byte, error) {
	var data []byte
	err := s.withSession(id, DeliveryPull, func(ss *Session) error {
		var err error
		data, err = ss.Chunk(ctx, seq)
		return err
	})
	return data, err
}

// LeftCall handles the lifecycle signal that the gateway left call id. With
// forever set, the pull high-water mark is forgotten too.
func (s *Service) LeftCall(id CallID, forever bool) bool {
	if forever {
		s.deps.HighWater.Clear(id)
	}
	sess, ok := s.registry.Get(id)
	if !ok {
		return false
	}
	sess.Destroy("left_call")
	return true
}

// Stats returns the snapshot of the session of id.
func (s *Service) Stats(id CallID) (Stats, bool) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return Stats{}, false
	}
	return sess.Snapshot(), true
}

// AllStats returns the snapshots of every registered session.
func (s *Service) AllStats() []Stats {
	sessions := s.registry.List()
	out := make([]Stats, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

// ActiveSessions returns the number of registered sessions.
func (s *Service) ActiveSessions() int {
	return s.registry.Len()
}

// Shutdown destroys every session.
func (s *Service) Shutdown() {
	n := s.registry.Len()
	s.registry.DestroyAll("shutdown")
	s.log.Info("service shut down", slog.Int("sessions", n))
}

// withSession runs fn against the live session of id. A destroyed session
// still registered under id is replaced before fn runs.
func (s *Service) withSession(id CallID, mode DeliveryMode, fn func(*Session) error) error {
	sess, _ := s.registry.GetOrCreate(id, mode)
	if sess.Destroyed() {
		s.registry.Remove(id, sess)
		sess, _ = s.registry.GetOrCreate(id, mode)
	}
	return fn(sess)
}

func notAvailableOnTimeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrNotAvailable
	}
	return err
}
