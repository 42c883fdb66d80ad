package livestream

import (
	"log/slog"
	"time"

	"callstream-gateway/internal/media"
	"callstream-gateway/internal/platform/metrics"
)

const (
	rttSamples       = 10
	rttMinSamples    = 3
	rttDepthFactor   = 3
	probeRangeHeader = "bytes=0-1"
)

// Config tunes a Session. Millisecond fields are server clock units.
type Config struct {
	Channel     int
	LookbackMS  int64
	MinBufferMS int64
	MaxBufferMS int64
	WarmupMS    int64

	StateAttempts  int
	StateBackoff   time.Duration
	ResyncAttempts int

	PushGrace time.Duration
	PullIdle  time.Duration
	ChunkWait time.Duration
	SinkQueue int

	// PullAudioTranscode enables AudioTranscode for sessions first opened
	// through the pull surface.
	PullAudioTranscode bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Channel:        1,
		LookbackMS:     1000,
		MinBufferMS:    8000,
		MaxBufferMS:    10000,
		WarmupMS:       8000,
		StateAttempts:  3,
		StateBackoff:   time.Second,
		ResyncAttempts: 3,
		PushGrace:      10 * time.Second,
		PullIdle:       20 * time.Second,
		ChunkWait:      15 * time.Second,
		SinkQueue:      64,
	}
}

// Deps are the collaborators shared by every Session of a Service.
type Deps struct {
	Source     Source
	Muxer      media.Muxer
	Transcoder media.AudioTranscoder
	HighWater  HighWaterStore
	Notifier   Notifier
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}
