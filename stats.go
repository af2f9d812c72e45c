package uvcout

import (
	"errors"
	"math"
)

// DropReason classifies why a frame was not written.
type DropReason int

const (
	DropOther                DropReason = iota
	DropTooShort                        // fewer than 4 bytes
	DropUnrecognized                    // classification found no known format
	DropInvalidFrame                    // MJPEG frame without SOI/EOI
	DropTranscodeUnavailable            // setup failed, disabled, or target not MJPEG
	DropDecode                          // decoder rejected the access unit
	DropNoFrameYet                      // decoder is still buffering
	DropScale                           // scaler could not be built or run
	DropEncode                          // encoder rejected the picture
	DropWrite                           // write failed or was short
	DropClosed                          // output already closed
	numDropReasons
)

func (r DropReason) String() string {
	switch r {
	case DropTooShort:
		return "too_short"
	case DropUnrecognized:
		return "unrecognized"
	case DropInvalidFrame:
		return "invalid_frame"
	case DropTranscodeUnavailable:
		return "transcode_unavailable"
	case DropDecode:
		return "decode"
	case DropNoFrameYet:
		return "no_frame_yet"
	case DropScale:
		return "scale"
	case DropEncode:
		return "encode"
	case DropWrite:
		return "write"
	case DropClosed:
		return "closed"
	default:
		return "other"
	}
}

// dropReasonOf maps a per-frame error to its DropReason.
func dropReasonOf(err error) DropReason {
	switch {
	case errors.Is(err, ErrInsufficientData):
		return DropTooShort
	case errors.Is(err, ErrUnrecognizedFormat):
		return DropUnrecognized
	case errors.Is(err, ErrInvalidJPEG):
		return DropInvalidFrame
	case errors.Is(err, ErrTranscodeSetup), errors.Is(err, ErrTranscodeDisabled):
		return DropTranscodeUnavailable
	case errors.Is(err, ErrNoFrameYet):
		return DropNoFrameYet
	case errors.Is(err, ErrDecode):
		return DropDecode
	case errors.Is(err, ErrScale):
		return DropScale
	case errors.Is(err, ErrEncode):
		return DropEncode
	case errors.Is(err, ErrShortWrite), errors.Is(err, ErrWrite):
		return DropWrite
	case errors.Is(err, ErrClosed):
		return DropClosed
	default:
		return DropOther
	}
}

// Stats holds the output counters. Every submitted frame increments exactly
// one of FramesWritten and FramesDropped.
type Stats struct {
	FramesWritten uint64
	BytesWritten  uint64
	FramesDropped uint64

	drops [numDropReasons]uint64
}

// Dropped returns the number of frames dropped for reason r.
func (s Stats) Dropped(r DropReason) uint64 {
	if r < 0 || r >= numDropReasons {
		return 0
	}
	return s.drops[r]
}

// DropCounts returns the non-zero per-reason drop counters keyed by name.
func (s Stats) DropCounts() map[string]uint64 {
	m := make(map[string]uint64)
	for r := DropReason(0); r < numDropReasons; r++ {
		if s.drops[r] > 0 {
			m[r.String()] = s.drops[r]
		}
	}
	return m
}

func (s *Stats) recordWrite(n int) {
	s.FramesWritten = saturatingAdd(s.FramesWritten, 1)
	s.BytesWritten = saturatingAdd(s.BytesWritten, uint64(n))
}

func (s *Stats) recordDrop(r DropReason) {
	s.FramesDropped = saturatingAdd(s.FramesDropped, 1)
	if r >= 0 && r < numDropReasons {
		s.drops[r] = saturatingAdd(s.drops[r], 1)
	}
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}
