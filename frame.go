package uvcout

// FrameBuffer is one buffer handed to an Output.
// Data is borrowed from the caller and only valid for the duration of the
// OutputBuffer call. TimestampUs and Flags are carried for upstream
// bookkeeping and are not interpreted.
type FrameBuffer struct {
	Data        []byte
	TimestampUs int64
	Flags       uint32
}

// VideoFrame represents a raw video frame.
// The Data slices may point to external memory (e.g., C memory via FFI).
// Callers must ensure the data remains valid for the lifetime of the frame.
type VideoFrame struct {
	Data   [][]byte    // Plane data (1-3 planes depending on format)
	Stride []int       // Stride for each plane in bytes
	Width  int         // Frame width in pixels
	Height int         // Frame height in pixels
	Format PixelFormat // Pixel format
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	cw, ch := chromaSize(width, height)
	return width*height + cw*ch*2
}

// VideoFrameBuffer is a pre-allocated I420 frame reused across calls.
type VideoFrameBuffer struct {
	Y []byte
	U []byte
	V []byte

	Width   int
	Height  int
	StrideY int
	StrideU int
	StrideV int
}

// NewVideoFrameBuffer allocates planes for a width x height I420 frame.
func NewVideoFrameBuffer(width, height int) *VideoFrameBuffer {
	cw, ch := chromaSize(width, height)
	return &VideoFrameBuffer{
		Y:       make([]byte, width*height),
		U:       make([]byte, cw*ch),
		V:       make([]byte, cw*ch),
		Width:   width,
		Height:  height,
		StrideY: width,
		StrideU: cw,
		StrideV: cw,
	}
}

// ToVideoFrame creates a VideoFrame pointing to this buffer's data.
// The returned frame is only valid while the buffer is not modified.
func (b *VideoFrameBuffer) ToVideoFrame() VideoFrame {
	return VideoFrame{
		Data:   [][]byte{b.Y, b.U, b.V},
		Stride: []int{b.StrideY, b.StrideU, b.StrideV},
		Width:  b.Width,
		Height: b.Height,
		Format: PixelFormatI420,
	}
}
