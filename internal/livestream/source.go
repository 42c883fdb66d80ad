package livestream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CallID identifies the call whose live stream is being buffered.
type CallID string

// ChannelState is the live position of one channel as reported by the remote source.
type ChannelState struct {
	Channel         int   `json:"channel"`
	Scale           int   `json:"scale"`
	LastTimestampMS int64 `json:"last_timestamp_ms"`
}

// LiveState is the remote source's view of a call's stream.
type LiveState struct {
	DCID     int            `json:"dc_id"`
	Channels []ChannelState `json:"channels"`
}

// Channel returns the state of channel ch, if reported.
func (s LiveState) Channel(ch int) (ChannelState, bool) {
	for _, c := range s.Channels {
		if c.Channel == ch {
			return c, true
		}
	}
	return ChannelState{}, false
}

// ChunkRequest addresses one container chunk at an absolute server time.
type ChunkRequest struct {
	DCID    int
	Call    CallID
	Channel int
	TimeMS  int64
	Scale   int
}

// StateSource reports the live position of a call.
type StateSource interface {
	FetchState(ctx context.Context, call CallID) (LiveState, error)
}

// ChunkSource fetches raw container chunks. Protocol failures are returned
// as *ChunkError.
type ChunkSource interface {
	FetchChunk(ctx context.Context, req ChunkRequest) ([]byte, error)
}

// Source is the remote chunk/state source consumed by a Session.
type Source interface {
	StateSource
	ChunkSource
}

var (
	// ErrNotAvailable is returned when a segment has left the buffer or was never produced.
	ErrNotAvailable = errors.New("segment not available")
	// ErrSessionClosed is returned to consumers of a destroyed session.
	ErrSessionClosed = errors.New("session closed")
	// ErrBroadcastEnded is returned when the requested time will never be produced.
	ErrBroadcastEnded = errors.New("broadcast ended")
	// ErrChannelMissing is returned when the live state lacks the configured channel.
	ErrChannelMissing = errors.New("stream channel missing from live state")
	// ErrStateUnavailable is returned when the live state could not be fetched.
	ErrStateUnavailable = errors.New("live state unavailable")
	// ErrInvalidScale is returned when a scale yields a zero chunk duration.
	ErrInvalidScale = errors.New("invalid time scale")

	errStale = errors.New("stale generation")
)

// ErrorKind classifies remote chunk errors.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindTimeTooBig
	KindTimeTooSmall
	KindTimeInvalid
	KindFloodWait
	KindGroupCallForbidden
	KindVideoChannelInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeTooBig:
		return "time_too_big"
	case KindTimeTooSmall:
		return "time_too_small"
	case KindTimeInvalid:
		return "time_invalid"
	case KindFloodWait:
		return "flood_wait"
	case KindGroupCallForbidden:
		return "groupcall_forbidden"
	case KindVideoChannelInvalid:
		return "video_channel_invalid"
	default:
		return "unknown"
	}
}

// ChunkError is a protocol-level error returned by the remote chunk source.
type ChunkError struct {
	Kind    ErrorKind
	Wait    time.Duration // set for KindFloodWait
	Message string
}

func (e *ChunkError) Error() string {
	return "chunk source: " + e.Message
}

const floodWaitPrefix = "FLOOD_WAIT_"

// ParseChunkError maps a remote error string such as "FLOOD_WAIT_5" to a ChunkError.
func ParseChunkError(msg string) *ChunkError {
	e := &ChunkError{Kind: KindUnknown, Message: msg}
	switch {
	case msg == "TIME_TOO_BIG":
		e.Kind = KindTimeTooBig
	case msg == "TIME_TOO_SMALL":
		e.Kind = KindTimeTooSmall
	case msg == "TIME_INVALID":
		e.Kind = KindTimeInvalid
	case msg == "GROUPCALL_FORBIDDEN":
		e.Kind = KindGroupCallForbidden
	case msg == "VIDEO_CHANNEL_INVALID":
		e.Kind = KindVideoChannelInvalid
	case strings.HasPrefix(msg, floodWaitPrefix):
		if n, err := strconv.Atoi(strings.TrimPrefix(msg, floodWaitPrefix)); err == nil && n >= 0 {
			e.Kind = KindFloodWait
			e.Wait = time.Duration(n) * time.Second
		}
	}
	return e
}

// NewFloodWait builds a flood-wait error for n seconds.
func NewFloodWait(n int) *ChunkError {
	return ParseChunkError(fmt.Sprintf("%s%d", floodWaitPrefix, n))
}

// KindOf returns the ChunkError kind wrapped in err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var ce *ChunkError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}
