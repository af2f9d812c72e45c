//go:build (darwin || linux) && !noopenh264

// H.264 decoding via libmedia_h264 (OpenH264) using purego.

package uvcout

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaH264Once    sync.Once
	mediaH264Handle  uintptr
	mediaH264InitErr error
)

// libmedia_h264 function pointers
var (
	mediaH264DecoderCreate    func(threads int32) uint64
	mediaH264DecoderDecode    func(decoder uint64, data uintptr, dataLen int32, outY, outU, outV, outYStride, outUVStride, outWidth, outHeight uintptr) int32
	mediaH264DecoderReset     func(decoder uint64) int32
	mediaH264DecoderDestroy   func(decoder uint64)
	mediaH264DecoderAvailable func() int32
	mediaH264GetError         func() uintptr
)

// mediaH264DecodeResult receives the decoder output parameters. It must be
// heap allocated: on arm64 the GC may move the stack during the C call.
type mediaH264DecodeResult struct {
	YPtr     uintptr
	UPtr     uintptr
	VPtr     uintptr
	YStride  int32
	UVStride int32
	Width    int32
	Height   int32
}

func loadMediaH264() error {
	mediaH264Once.Do(func() {
		mediaH264InitErr = loadMediaH264Lib()
	})
	return mediaH264InitErr
}

func loadMediaH264Lib() error {
	var lastErr error
	for _, path := range mediaH264LibPaths() {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaH264Handle = handle
		loadMediaH264Symbols()
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("%w: libmedia_h264: %w", ErrLibraryNotAvailable, lastErr)
	}
	return fmt.Errorf("%w: libmedia_h264 not found in any standard location", ErrLibraryNotAvailable)
}

func mediaH264LibPaths() []string {
	libName := "libmedia_h264.so"
	if runtime.GOOS == "darwin" {
		libName = "libmedia_h264.dylib"
	}

	var paths []string

	// Environment overrides first
	if p := os.Getenv("UVCOUT_H264_LIB_PATH"); p != "" {
		paths = append(paths, p)
	}
	if dir := os.Getenv("UVCOUT_LIB_DIR"); dir != "" {
		paths = append(paths, filepath.Join(dir, libName))
	}

	if exe, err := os.Executable(); err == nil {
		exeDir := filepath.Dir(exe)
		paths = append(paths,
			filepath.Join(exeDir, libName),
			filepath.Join(exeDir, "..", "lib", libName),
		)
	}

	if root := findModuleRoot(); root != "" {
		paths = append(paths,
			filepath.Join(root, "build", libName),
			filepath.Join(root, "build", "ffi", libName),
		)
	}

	// Let the dynamic loader search, then well-known prefixes
	paths = append(paths, libName)
	switch runtime.GOOS {
	case "darwin":
		paths = append(paths, "/usr/local/lib/"+libName, "/opt/homebrew/lib/"+libName)
	case "linux":
		paths = append(paths, "/usr/local/lib/"+libName, "/usr/lib/"+libName)
	}
	return paths
}

func loadMediaH264Symbols() {
	purego.RegisterLibFunc(&mediaH264DecoderCreate, mediaH264Handle, "media_h264_decoder_create")
	purego.RegisterLibFunc(&mediaH264DecoderDecode, mediaH264Handle, "media_h264_decoder_decode")
	purego.RegisterLibFunc(&mediaH264DecoderReset, mediaH264Handle, "media_h264_decoder_reset")
	purego.RegisterLibFunc(&mediaH264DecoderDestroy, mediaH264Handle, "media_h264_decoder_destroy")
	purego.RegisterLibFunc(&mediaH264DecoderAvailable, mediaH264Handle, "media_h264_decoder_available")
	purego.RegisterLibFunc(&mediaH264GetError, mediaH264Handle, "media_h264_get_error")
}

// IsH264DecoderAvailable reports whether libmedia_h264 loaded and was built
// with a decoder.
func IsH264DecoderAvailable() bool {
	if err := loadMediaH264(); err != nil {
		return false
	}
	return mediaH264DecoderAvailable() != 0
}

func getH264Error() string {
	ptr := mediaH264GetError()
	if ptr == 0 {
		return "unknown error"
	}
	return goStringFromPtr(ptr)
}

// H264Decoder decodes Annex-B access units into I420 frames.
type H264Decoder struct {
	handle       uint64
	decodeResult *mediaH264DecodeResult
	outputBuf    *VideoFrameBuffer
}

// NewH264Decoder creates a decoder. threads <= 0 uses the library default.
func NewH264Decoder(threads int) (*H264Decoder, error) {
	if err := loadMediaH264(); err != nil {
		return nil, err
	}
	if mediaH264DecoderAvailable() == 0 {
		return nil, fmt.Errorf("%w: libmedia_h264 built without decoder", ErrLibraryNotAvailable)
	}
	if threads <= 0 {
		threads = 4
	}

	handle := mediaH264DecoderCreate(int32(threads))
	if handle == 0 {
		return nil, fmt.Errorf("failed to create H.264 decoder: %s", getH264Error())
	}
	return &H264Decoder{
		handle:       handle,
		decodeResult: &mediaH264DecodeResult{},
	}, nil
}

// Decode feeds one access unit. It returns (nil, nil) when the decoder
// consumed the data without producing a picture. The returned frame is
// owned by the decoder and overwritten by the next call.
func (d *H264Decoder) Decode(data []byte) (*VideoFrame, error) {
	if d.handle == 0 {
		return nil, errors.New("decoder not initialized")
	}
	if len(data) == 0 {
		return nil, errors.New("empty access unit")
	}

	out := d.decodeResult
	result := mediaH264DecoderDecode(
		d.handle,
		uintptr(unsafe.Pointer(&data[0])),
		int32(len(data)),
		uintptr(unsafe.Pointer(&out.YPtr)),
		uintptr(unsafe.Pointer(&out.UPtr)),
		uintptr(unsafe.Pointer(&out.VPtr)),
		uintptr(unsafe.Pointer(&out.YStride)),
		uintptr(unsafe.Pointer(&out.UVStride)),
		uintptr(unsafe.Pointer(&out.Width)),
		uintptr(unsafe.Pointer(&out.Height)),
	)
	runtime.KeepAlive(data)
	runtime.KeepAlive(out)

	if result < 0 {
		return nil, fmt.Errorf("decode failed: %s", getH264Error())
	}
	if result == 0 {
		return nil, nil
	}
	if out.YStride <= 0 || out.UVStride <= 0 || out.Width <= 0 || out.Height <= 0 || out.YPtr == 0 {
		return nil, fmt.Errorf("invalid decoder output: stride=%d/%d, size=%dx%d",
			out.YStride, out.UVStride, out.Width, out.Height)
	}

	w, h := int(out.Width), int(out.Height)
	if d.outputBuf == nil || d.outputBuf.Width != w || d.outputBuf.Height != h {
		d.outputBuf = NewVideoFrameBuffer(w, h)
	}
	b := d.outputBuf
	cw, ch := chromaSize(w, h)
	copyPlane(b.Y, b.StrideY, out.YPtr, int(out.YStride), w, h)
	copyPlane(b.U, b.StrideU, out.UPtr, int(out.UVStride), cw, ch)
	copyPlane(b.V, b.StrideV, out.VPtr, int(out.UVStride), cw, ch)

	frame := b.ToVideoFrame()
	return &frame, nil
}

// copyPlane copies rows out of decoder-owned C memory.
func copyPlane(dst []byte, dstStride int, src uintptr, srcStride, w, h int) {
	for row := 0; row < h; row++ {
		s := unsafe.Slice((*byte)(unsafe.Pointer(src+uintptr(row*srcStride))), w)
		copy(dst[row*dstStride:row*dstStride+w], s)
	}
}

// Reset drops buffered reference pictures.
func (d *H264Decoder) Reset() error {
	if d.handle == 0 {
		return nil
	}
	if mediaH264DecoderReset(d.handle) != 0 {
		return fmt.Errorf("decoder reset failed: %s", getH264Error())
	}
	return nil
}

// Close releases the decoder.
func (d *H264Decoder) Close() error {
	if d.handle != 0 {
		mediaH264DecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}
