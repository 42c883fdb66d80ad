package livestream

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"callstream-gateway/internal/media"
	"callstream-gateway/internal/platform/logger"
)

// fakeSource serves chunks named after their time. With advance set, the live
// edge moves with the wall clock; requests past it fail with TIME_TOO_BIG.
type fakeSource struct {
	mu        sync.Mutex
	base      int64
	started   time.Time
	advance   bool
	scale     int
	channel   int
	stateErrs []error

	latency  func(at int64) time.Duration
	chunkErr func(at int64) error
	hold     chan struct{}

	stateCalls int
	requested  []int64
}

func newFakeSource(live int64, scale int, advance bool) *fakeSource {
	return &fakeSource{base: live, started: time.Now(), advance: advance, scale: scale, channel: 1}
}

func (f *fakeSource) live() int64 {
	if !f.advance {
		return f.base
	}
	return f.base + time.Since(f.started).Milliseconds()
}

func (f *fakeSource) FetchState(ctx context.Context, call CallID) (LiveState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	if len(f.stateErrs) > 0 {
		err := f.stateErrs[0]
		f.stateErrs = f.stateErrs[1:]
		if err != nil {
			return LiveState{}, err
		}
	}
	return LiveState{
		DCID:     2,
		Channels: []ChannelState{{Channel: f.channel, Scale: f.scale, LastTimestampMS: f.live()}},
	}, nil
}

func (f *fakeSource) FetchChunk(ctx context.Context, req ChunkRequest) ([]byte, error) {
	f.mu.Lock()
	f.requested = append(f.requested, req.TimeMS)
	latency, chunkErr, hold := f.latency, f.chunkErr, f.hold
	f.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if latency != nil {
		if err := sleepCtx(ctx, latency(req.TimeMS)); err != nil {
			return nil, err
		}
	}
	if chunkErr != nil {
		if err := chunkErr(req.TimeMS); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	live := f.live()
	f.mu.Unlock()
	if req.TimeMS > live {
		return nil, ParseChunkError("TIME_TOO_BIG")
	}
	return []byte(strconv.FormatInt(req.TimeMS, 10)), nil
}

func (f *fakeSource) stateCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateCalls
}

func (f *fakeSource) requests() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.requested...)
}

// fakeMuxer renders segments as "seq:raw".
type fakeMuxer struct{}

func (fakeMuxer) InitSegment(raw []byte, _ *media.AudioParams) ([]byte, error) {
	return []byte("init"), nil
}

func (fakeMuxer) MediaSegment(raw []byte, seq int64, _ *media.AudioParams) ([]byte, error) {
	return []byte(fmt.Sprintf("%d:%s", seq, raw)), nil
}

// parseSegment splits a fakeMuxer segment into its sequence and chunk time.
func parseSegment(t *testing.T, b []byte) (seq, at int64) {
	t.Helper()
	parts := strings.SplitN(string(b), ":", 2)
	if len(parts) != 2 {
		t.Fatalf("not a segment: %q", b)
	}
	seq, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		t.Fatalf("segment seq %q: %v", b, err)
	}
	at, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		t.Fatalf("segment time %q: %v", b, err)
	}
	return seq, at
}

type recordingNotifier struct {
	mu        sync.Mutex
	progress  int
	destroyed []CallID
}

func (n *recordingNotifier) Progress(CallID, int64) {
	n.mu.Lock()
	n.progress++
	n.mu.Unlock()
}

func (n *recordingNotifier) Destroyed(id CallID) {
	n.mu.Lock()
	n.destroyed = append(n.destroyed, id)
	n.mu.Unlock()
}

func (n *recordingNotifier) destroyedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.destroyed)
}

// fastConfig is sized for scale 4 (62ms chunks): a four-chunk window.
func fastConfig() Config {
	return Config{
		Channel:        1,
		LookbackMS:     62,
		MinBufferMS:    248,
		MaxBufferMS:    496,
		WarmupMS:       248,
		StateAttempts:  2,
		StateBackoff:   5 * time.Millisecond,
		ResyncAttempts: 3,
		PushGrace:      150 * time.Millisecond,
		PullIdle:       300 * time.Millisecond,
		ChunkWait:      500 * time.Millisecond,
		SinkQueue:      256,
	}
}

func testDeps(src Source, n Notifier) Deps {
	return Deps{
		Source:    src,
		Muxer:     fakeMuxer{},
		HighWater: NewInMemoryHighWater(),
		Notifier:  n,
		Log:       logger.Discard(),
	}
}

func newTestService(t *testing.T, cfg Config, src Source) (*Service, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	svc := NewService(cfg, testDeps(src, n))
	t.Cleanup(svc.Shutdown)
	return svc, n
}

// recv reads the next item from a sink, failing the test after d.
func recv(t *testing.T, sink *Sink, d time.Duration) ([]byte, bool) {
	t.Helper()
	select {
	case b, ok := <-sink.C():
		return b, ok
	case <-time.After(d):
		t.Fatalf("no segment within %v", d)
		return nil, false
	}
}
