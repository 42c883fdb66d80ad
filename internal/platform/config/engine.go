package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidBuffer is returned when the buffer bounds are not positive or inverted.
	ErrInvalidBuffer = errors.New("invalid buffer bounds")
	// ErrInvalidAttempts is returned when a retry budget is not positive.
	ErrInvalidAttempts = errors.New("retry budget must be positive")
	// ErrInvalidTimeout is returned when a grace or idle period is not positive.
	ErrInvalidTimeout = errors.New("timeouts must be positive")
	// ErrRemoteURLRequired is returned when the remote source URL is missing or malformed.
	ErrRemoteURLRequired = errors.New("remote base URL is required")
)

// Remote configures the client for the remote chunk/state source.
type Remote struct {
	BaseURL string        `yaml:"base_url"`
	HTTP3   bool          `yaml:"http3"`
	Timeout time.Duration `yaml:"timeout"`
}

// Engine holds the buffering engine tuning. Millisecond fields are in server
// clock units; durations are wall-clock timers.
type Engine struct {
	Remote Remote `yaml:"remote"`

	StreamChannel int   `yaml:"stream_channel"`
	LookbackMS    int64 `yaml:"lookback_ms"`
	MinBufferMS   int64 `yaml:"min_buffer_ms"`
	MaxBufferMS   int64 `yaml:"max_buffer_ms"`
	WarmupMS      int64 `yaml:"warmup_ms"`

	StateAttempts  int           `yaml:"state_attempts"`
	StateBackoff   time.Duration `yaml:"state_backoff"`
	ResyncAttempts int           `yaml:"resync_attempts"`

	PushGrace time.Duration `yaml:"push_grace"`
	PullIdle  time.Duration `yaml:"pull_idle"`
	ChunkWait time.Duration `yaml:"chunk_wait"`
	SinkQueue int           `yaml:"sink_queue"`

	PullAudioTranscode bool `yaml:"pull_audio_transcode"`
}

// DefaultEngine returns the engine defaults.
func DefaultEngine() Engine {
	return Engine{
		Remote:         Remote{Timeout: 10 * time.Second},
		StreamChannel:  1,
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

// LoadEngine builds the engine config from defaults, the optional YAML file at
// path (skipped when path is empty), and environment overrides, then validates it.
func LoadEngine(path string) (Engine, error) {
	e := DefaultEngine()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Engine{}, fmt.Errorf("read engine config: %w", err)
		}
		if err := yaml.Unmarshal(b, &e); err != nil {
			return Engine{}, fmt.Errorf("parse engine config %s: %w", path, err)
		}
	}
	e.ApplyEnv()
	if err := e.Validate(); err != nil {
		return Engine{}, err
	}
	return e, nil
}

// ApplyEnv overrides fields with any environment variables that are set.
func (e *Engine) ApplyEnv() {
	e.Remote.BaseURL = GetEnv("REMOTE_BASE_URL", e.Remote.BaseURL)
	e.Remote.HTTP3 = GetEnvBool("REMOTE_HTTP3", e.Remote.HTTP3)
	e.Remote.Timeout = GetEnvDuration("REMOTE_TIMEOUT", e.Remote.Timeout)
	e.StreamChannel = GetEnvInt("STREAM_CHANNEL", e.StreamChannel)
	e.LookbackMS = GetEnvInt64("LOOKBACK_MS", e.LookbackMS)
	e.MinBufferMS = GetEnvInt64("MIN_BUFFER_MS", e.MinBufferMS)
	e.MaxBufferMS = GetEnvInt64("MAX_BUFFER_MS", e.MaxBufferMS)
	e.WarmupMS = GetEnvInt64("WARMUP_MS", e.WarmupMS)
	e.StateAttempts = GetEnvInt("STATE_ATTEMPTS", e.StateAttempts)
	e.StateBackoff = GetEnvDuration("STATE_BACKOFF", e.StateBackoff)
	e.ResyncAttempts = GetEnvInt("RESYNC_ATTEMPTS", e.ResyncAttempts)
	e.PushGrace = GetEnvDuration("PUSH_GRACE", e.PushGrace)
	e.PullIdle = GetEnvDuration("PULL_IDLE", e.PullIdle)
	e.ChunkWait = GetEnvDuration("CHUNK_WAIT", e.ChunkWait)
	e.SinkQueue = GetEnvInt("SINK_QUEUE", e.SinkQueue)
	e.PullAudioTranscode = GetEnvBool("PULL_AUDIO_TRANSCODE", e.PullAudioTranscode)
}

// Validate checks that the engine config is usable.
func (e Engine) Validate() error {
	if e.Remote.BaseURL == "" {
		return ErrRemoteURLRequired
	}
	if _, err := url.Parse(e.Remote.BaseURL); err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteURLRequired, err)
	}
	if e.MinBufferMS <= 0 || e.MaxBufferMS < e.MinBufferMS || e.LookbackMS < 0 || e.WarmupMS <= 0 {
		return fmt.Errorf("%w: min=%d max=%d lookback=%d warmup=%d",
			ErrInvalidBuffer, e.MinBufferMS, e.MaxBufferMS, e.LookbackMS, e.WarmupMS)
	}
	if e.StateAttempts <= 0 || e.ResyncAttempts < 0 {
		return ErrInvalidAttempts
	}
	if e.PushGrace <= 0 || e.PullIdle <= 0 || e.ChunkWait <= 0 || e.SinkQueue <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}
