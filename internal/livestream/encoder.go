package livestream

import (
	"fmt"

	"callstream-gateway/internal/media"
)

// AudioMode selects how the audio track of each chunk is handled.
type AudioMode int

const (
	AudioPassthrough AudioMode = iota
	AudioTranscode
)

// DeliveryMode is the consumer protocol that first attached to a session.
type DeliveryMode int

const (
	DeliveryPush DeliveryMode = iota
	DeliveryPull
)

func (m DeliveryMode) String() string {
	if m == DeliveryPull {
		return "pull"
	}
	return "push"
}

// Encoder turns raw chunks into sequence-numbered output segments. The init
// segment is built from the first chunk ever encoded and never changes.
type Encoder struct {
	mux        media.Muxer
	transcoder media.AudioTranscoder
	mode       AudioMode

	init    []byte
	audio   *media.AudioParams
	nextSeq int64
}

// NewEncoder returns an Encoder. AudioTranscode without a transcoder falls
// back to passthrough.
func NewEncoder(mux media.Muxer, transcoder media.AudioTranscoder, mode AudioMode) *Encoder {
	if transcoder == nil {
		mode = AudioPassthrough
	}
	return &Encoder{mux: mux, transcoder: transcoder, mode: mode}
}

// Encode assigns the next sequence number to raw and returns its segment bytes.
// The sequence number is only consumed on success.
func (e *Encoder) Encode(raw []byte) (int64, []byte, error) {
	if e.mode == AudioTranscode {
		if e.audio == nil {
			p, err := e.transcoder.Params(raw)
			if err != nil {
				return 0, nil, fmt.Errorf("audio params: %w", err)
			}
			e.audio = p
		}
		out, err := e.transcoder.Transcode(raw)
		if err != nil {
			return 0, nil, fmt.Errorf("transcode audio: %w", err)
		}
		raw = out
	}

	if e.init == nil {
		seg, err := e.mux.InitSegment(raw, e.audio)
		if err != nil {
			return 0, nil, fmt.Errorf("init segment: %w", err)
		}
		e.init = seg
	}

	seq := e.nextSeq
	seg, err := e.mux.MediaSegment(raw, seq, e.audio)
	if err != nil {
		return 0, nil, fmt.Errorf("segment %d: %w", seq, err)
	}
	e.nextSeq++
	return seq, seg, nil
}

// Init returns the init segment, or nil before the first chunk.
func (e *Encoder) Init() []byte { return e.init }

// Audio returns the parameters of the transcoded track, or nil in passthrough.
func (e *Encoder) Audio() *media.AudioParams { return e.audio }

// NextSeq is the sequence number the next segment will get.
func (e *Encoder) NextSeq() int64 { return e.nextSeq }

// ResetSequence restarts numbering for a new generation.
func (e *Encoder) ResetSequence() { e.nextSeq = 0 }
