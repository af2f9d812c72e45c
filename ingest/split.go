package ingest

import (
	"bytes"
	"fmt"

	"github.com/thesyncim/uvcout"
)

// NAL unit types (ITU-T H.264 Table 7-1).
const (
	nalTypeSlice = 1
	nalTypeIDR   = 5
	nalTypeSEI   = 6
	nalTypeSPS   = 7
	nalTypePPS   = 8
	nalTypeAUD   = 9
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// SplitJPEG splits concatenated JPEG images. Trailing bytes without an end
// marker are ignored.
func SplitJPEG(data []byte) [][]byte {
	var frames [][]byte
	for i := 0; i < len(data); {
		s := bytes.Index(data[i:], jpegSOI)
		if s < 0 {
			break
		}
		s += i
		e := bytes.Index(data[s+len(jpegSOI):], jpegEOI)
		if e < 0 {
			break
		}
		e += s + len(jpegSOI) + len(jpegEOI)
		frames = append(frames, data[s:e])
		i = e
	}
	return frames
}

// findStartCode returns the offset and length (3 or 4) of the next Annex-B
// start code at or after from, or -1.
func findStartCode(b []byte, from int) (int, int) {
	for i := from; i+3 <= len(b); i++ {
		if b[i] != 0 || b[i+1] != 0 {
			continue
		}
		if b[i+2] == 1 {
			return i, 3
		}
		if i+4 <= len(b) && b[i+2] == 0 && b[i+3] == 1 {
			return i, 4
		}
	}
	return -1, 0
}

type annexBNAL struct {
	offset int // start code position in the stream
	header int // NAL header position in the stream
	end    int
}

func splitNALUnits(data []byte) []annexBNAL {
	var nalus []annexBNAL
	pos, scLen := findStartCode(data, 0)
	for pos >= 0 {
		next, nextLen := findStartCode(data, pos+scLen)
		end := len(data)
		if next >= 0 {
			end = next
		}
		if end > pos+scLen {
			nalus = append(nalus, annexBNAL{offset: pos, header: pos + scLen, end: end})
		}
		pos, scLen = next, nextLen
	}
	return nalus
}

// SplitAccessUnits splits an Annex-B H.264 elementary stream into access
// units, following the first-NAL rules of H.264 7.4.1.2.3: an access unit
// delimiter always starts one, and parameter sets, SEI or a slice with
// first_mb_in_slice == 0 start one once the current unit has a slice.
func SplitAccessUnits(data []byte) [][]byte {
	var aus [][]byte
	auStart := -1
	hasVCL := false

	for _, n := range splitNALUnits(data) {
		typ := data[n.header] & 0x1F

		var first bool
		switch typ {
		case nalTypeAUD:
			first = true
		case nalTypeSEI, nalTypeSPS, nalTypePPS, 14, 15, 16, 17, 18:
			first = hasVCL
		case nalTypeSlice, nalTypeIDR:
			// first_mb_in_slice is ue(v); a leading 1 bit encodes 0.
			first = hasVCL && n.header+1 < n.end && data[n.header+1]&0x80 != 0
		}

		if first && auStart >= 0 {
			aus = append(aus, data[auStart:n.offset])
			auStart = -1
			hasVCL = false
		}
		if auStart < 0 {
			auStart = n.offset
		}
		if typ == nalTypeSlice || typ == nalTypeIDR {
			hasVCL = true
		}
	}
	if auStart >= 0 {
		aus = append(aus, data[auStart:])
	}
	return aus
}

// containsIDR reports whether an Annex-B access unit holds an IDR slice.
func containsIDR(au []byte) bool {
	for _, n := range splitNALUnits(au) {
		if au[n.header]&0x1F == nalTypeIDR {
			return true
		}
	}
	return false
}

// SplitFrames detects the stream type of data and splits it into frames.
func SplitFrames(data []byte) ([][]byte, uvcout.InputFormat, error) {
	if bytes.HasPrefix(data, jpegSOI) {
		return SplitJPEG(data), uvcout.InputFormatMJPEG, nil
	}
	format, err := uvcout.Classify(data)
	if err != nil {
		return nil, uvcout.InputFormatUnknown, fmt.Errorf("%w: %w", ErrUnsupportedCodec, err)
	}
	return SplitAccessUnits(data), format, nil
}
