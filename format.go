package uvcout

import "fmt"

// InputFormat identifies the encoding of the buffers handed to an Output.
type InputFormat int

const (
	InputFormatUnknown InputFormat = iota
	InputFormatMJPEG
	InputFormatH264
)

func (f InputFormat) String() string {
	switch f {
	case InputFormatMJPEG:
		return "MJPEG"
	case InputFormatH264:
		return "H264"
	default:
		return "Unknown"
	}
}

// FourCC is a V4L2 pixel format code.
type FourCC uint32

// NewFourCC builds a FourCC from its four character code.
func NewFourCC(a, b, c, d byte) FourCC {
	return FourCC(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	PixelFormatMJPEG = NewFourCC('M', 'J', 'P', 'G')
	PixelFormatJPEG  = NewFourCC('J', 'P', 'E', 'G')
	PixelFormatYUYV  = NewFourCC('Y', 'U', 'Y', 'V')
	PixelFormatH264  = NewFourCC('H', '2', '6', '4')
)

func (f FourCC) String() string {
	if f == 0 {
		return "none"
	}
	b := []byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)}
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return fmt.Sprintf("0x%08x", uint32(f))
		}
	}
	return string(b)
}

// IsMJPEG reports whether frames for this format are JPEG images.
func (f FourCC) IsMJPEG() bool {
	return f == PixelFormatMJPEG || f == PixelFormatJPEG
}

// PixelFormat represents raw picture layouts inside the transcoder.
type PixelFormat int

const (
	PixelFormatI420 PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                    // YUV 4:2:0 semi-planar (Y + interleaved UV)
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	default:
		return "Unknown"
	}
}
