package livestream

import (
	"fmt"
	"math"
	"strings"
)

// SegmentRef is one media segment entry of a live playlist.
type SegmentRef struct {
	Sequence int64
	Duration float64
	Path     string
}

// BuildLivePlaylist renders an HLS v7 live playlist over fMP4 segments
// (ordered by sequence ascending). initURI is emitted as the EXT-X-MAP.
// If ended is true, #EXT-X-ENDLIST is appended. An empty segments slice
// produces a minimal valid playlist with media sequence 0.
func BuildLivePlaylist(initURI string, targetSecs float64, segments []SegmentRef, ended bool) string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:7\n")
	fmt.Fprintf(&b, "#EXT-X-TARGETDURATION:%d\n", targetDuration(targetSecs, segments))

	mediaSequence := int64(0)
	if len(segments) > 0 {
		mediaSequence = segments[0].Sequence
	}
	fmt.Fprintf(&b, "#EXT-X-MEDIA-SEQUENCE:%d\n", mediaSequence)
	fmt.Fprintf(&b, "#EXT-X-MAP:URI=%q\n", initURI)

	for _, seg := range segments {
		fmt.Fprintf(&b, "#EXTINF:%.3f,\n", seg.Duration)
		b.WriteString(seg.Path)
		b.WriteString("\n")
	}

	if ended {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// targetDuration returns the #EXT-X-TARGETDURATION value: the ceiling of the
// longest segment duration in seconds, never less than 1.
func targetDuration(target float64, segments []SegmentRef) int {
	longest := target
	for _, seg := range segments {
		if seg.Duration > longest {
			longest = seg.Duration
		}
	}
	if longest <= 0 {
		return 1
	}
	return int(math.Ceil(longest))
}
