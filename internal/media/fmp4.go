package media

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrTruncatedBox is returned when a box header claims more bytes than remain.
	ErrTruncatedBox = errors.New("truncated box")
	// ErrNoMovie is returned when a chunk carries no moov box to build an init segment from.
	ErrNoMovie = errors.New("chunk has no moov box")
	// ErrNoFragment is returned when a chunk carries no moof box.
	ErrNoFragment = errors.New("chunk has no moof box")
)

type box struct {
	typ    string
	start  int
	header int
	end    int
}

// walkBoxes lists the boxes laid end to end in b.
func walkBoxes(b []byte) ([]box, error) {
	var out []box
	for off := 0; off < len(b); {
		if len(b)-off < 8 {
			return nil, fmt.Errorf("%w at offset %d", ErrTruncatedBox, off)
		}
		size := uint64(binary.BigEndian.Uint32(b[off:]))
		typ := string(b[off+4 : off+8])
		header := 8
		switch size {
		case 0:
			size = uint64(len(b) - off)
		case 1:
			if len(b)-off < 16 {
				return nil, fmt.Errorf("%w: %s largesize at offset %d", ErrTruncatedBox, typ, off)
			}
			size = binary.BigEndian.Uint64(b[off+8:])
			header = 16
		}
		if size < uint64(header) || size > uint64(len(b)-off) {
			return nil, fmt.Errorf("%w: %s size %d at offset %d", ErrTruncatedBox, typ, size, off)
		}
		out = append(out, box{typ: typ, start: off, header: header, end: off + int(size)})
		off += int(size)
	}
	return out, nil
}

// FMP4 splits fragmented MP4 chunks into an init segment (ftyp+moov) and
// media segments (moof+mdat) with rewritten fragment sequence numbers.
type FMP4 struct{}

// InitSegment implements Muxer.
func (FMP4) InitSegment(raw []byte, audio *AudioParams) ([]byte, error) {
	boxes, err := walkBoxes(raw)
	if err != nil {
		return nil, err
	}
	var out []byte
	haveMoov := false
	for _, bx := range boxes {
		if bx.typ == "moof" {
			break
		}
		if bx.typ == "moov" {
			haveMoov = true
			if audio != nil && len(audio.Moov) > 0 {
				out = append(out, audio.Moov...)
				continue
			}
		}
		out = append(out, raw[bx.start:bx.end]...)
	}
	if !haveMoov {
		return nil, ErrNoMovie
	}
	return out, nil
}

// MediaSegment implements Muxer. The mfhd sequence number is set to seq+1 since
// fragment sequence numbers start at 1.
func (FMP4) MediaSegment(raw []byte, seq int64, _ *AudioParams) ([]byte, error) {
	boxes, err := walkBoxes(raw)
	if err != nil {
		return nil, err
	}
	first := -1
	for _, bx := range boxes {
		if bx.typ == "moof" {
			first = bx.start
			break
		}
	}
	if first < 0 {
		return nil, ErrNoFragment
	}

	out := make([]byte, len(raw)-first)
	copy(out, raw[first:])

	segBoxes, err := walkBoxes(out)
	if err != nil {
		return nil, err
	}
	for _, bx := range segBoxes {
		if bx.typ != "moof" {
			continue
		}
		children, err := walkBoxes(out[bx.start+bx.header : bx.end])
		if err != nil {
			return nil, err
		}
		for _, c := range children {
			// mfhd: header, 4 bytes version+flags, 4 bytes sequence_number.
			if c.typ == "mfhd" && c.end-c.start >= c.header+8 {
				at := bx.start + bx.header + c.start + c.header + 4
				binary.BigEndian.PutUint32(out[at:], uint32(seq+1))
			}
		}
	}
	return out, nil
}
