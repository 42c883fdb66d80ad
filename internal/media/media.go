// Package media holds the container primitives the buffering engine consumes:
// an init-segment builder, a per-chunk segment builder and an optional audio
// transcoder for the pull playback mode.
package media

import "log/slog"

// AudioParams describes the transcoded audio track. Moov, when set, replaces
// the movie box of the init segment so it advertises the transcoded track.
type AudioParams struct {
	Codec      string
	SampleRate int
	Channels   int
	Moov       []byte
}

// LogValue implements slog.LogValuer.
func (p *AudioParams) LogValue() slog.Value {
	if p == nil {
		return slog.StringValue("passthrough")
	}
	return slog.GroupValue(
		slog.String("codec", p.Codec),
		slog.Int("sample_rate", p.SampleRate),
		slog.Int("channels", p.Channels),
	)
}

// Muxer turns raw container chunks into independently playable output.
// Implementations must be pure: the same input yields the same bytes.
type Muxer interface {
	InitSegment(raw []byte, audio *AudioParams) ([]byte, error)
	MediaSegment(raw []byte, seq int64, audio *AudioParams) ([]byte, error)
}

// AudioTranscoder rewrites the audio track of a raw chunk.
type AudioTranscoder interface {
	// Params inspects the first chunk and returns the parameters the init
	// segment must carry.
	Params(raw []byte) (*AudioParams, error)
	Transcode(raw []byte) ([]byte, error)
}
