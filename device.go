package uvcout

import (
	"fmt"
	"io"
	"strings"
)

// Defaults applied by ResolveTarget.
const (
	DefaultDevicePath = "/dev/video0"
	DefaultWidth      = 1920
	DefaultHeight     = 1080

	devicePathPrefix = "/dev/video"
)

// V4L2 constants from linux/videodev2.h.
const (
	v4l2CapVideoOutput     = 0x00000002
	v4l2BufTypeVideoOutput = 2
	v4l2FieldNone          = 1
	v4l2ColorspaceJPEG     = 7
)

// DeviceTarget describes the output device and the format committed to it.
type DeviceTarget struct {
	Path        string
	Width       int
	Height      int
	PixelFormat FourCC
}

// ResolveTarget applies the fallback rules for configured values: a path that
// is not a /dev/video node becomes DefaultDevicePath, and the resolution
// falls back to 1920x1080 unless both dimensions are positive. The pixel
// format is always MJPEG unless set explicitly.
func ResolveTarget(path string, width, height int) DeviceTarget {
	t := DeviceTarget{
		Path:        DefaultDevicePath,
		Width:       DefaultWidth,
		Height:      DefaultHeight,
		PixelFormat: PixelFormatMJPEG,
	}
	if strings.HasPrefix(path, devicePathPrefix) {
		t.Path = path
	}
	if width > 0 && height > 0 {
		t.Width = width
		t.Height = height
	}
	return t
}

func (t DeviceTarget) String() string {
	return fmt.Sprintf("%s %dx%d %s", t.Path, t.Width, t.Height, t.PixelFormat)
}

// Capabilities is the result of VIDIOC_QUERYCAP.
type Capabilities struct {
	Driver       string
	Card         string
	BusInfo      string
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
}

// CanOutput reports whether the device accepts written video frames.
func (c Capabilities) CanOutput() bool {
	return c.Capabilities&v4l2CapVideoOutput != 0
}

// deviceFormat mirrors the fields of v4l2_pix_format that are negotiated.
type deviceFormat struct {
	Width       uint32
	Height      uint32
	PixelFormat FourCC
	Field       uint32
	Colorspace  uint32
	SizeImage   uint32
}

// deviceHandle is an open V4L2 node.
// Write must issue exactly one write call and report the byte count as-is.
type deviceHandle interface {
	io.WriteCloser
	QueryCapabilities() (Capabilities, error)
	SetFormat(f deviceFormat) (deviceFormat, error)
}

// Device owns an open output device whose format has been negotiated.
type Device struct {
	target DeviceTarget
	handle deviceHandle
	caps   Capabilities
	format deviceFormat
}

// OpenDevice opens target.Path write-only, verifies it can output video, and
// sets a progressive JPEG-colorspace format of the target size. On any
// failure the handle is closed and no Device is returned.
func OpenDevice(target DeviceTarget) (*Device, error) {
	h, err := openDeviceHandle(target.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceOpen, target.Path, err)
	}
	return newDevice(target, h)
}

func newDevice(target DeviceTarget, h deviceHandle) (*Device, error) {
	if target.PixelFormat == 0 {
		target.PixelFormat = PixelFormatMJPEG
	}

	caps, err := h.QueryCapabilities()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrQueryCap, target.Path, err)
	}
	if !caps.CanOutput() {
		h.Close()
		return nil, fmt.Errorf("%w: %s (caps 0x%08x)", ErrNoOutputCapability, target.Path, caps.Capabilities)
	}

	format, err := h.SetFormat(deviceFormat{
		Width:       uint32(target.Width),
		Height:      uint32(target.Height),
		PixelFormat: target.PixelFormat,
		Field:       v4l2FieldNone,
		Colorspace:  v4l2ColorspaceJPEG,
	})
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrSetFormat, target.Path, err)
	}

	return &Device{
		target: target,
		handle: h,
		caps:   caps,
		format: format,
	}, nil
}

// Write writes p with a single write call. A failed or short write is an
// error; the remainder is never retried since a partial JPEG cannot be
// completed by a second write.
func (d *Device) Write(p []byte) error {
	if d.handle == nil {
		return ErrClosed
	}
	n, err := d.handle.Write(p)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if n != len(p) {
		return fmt.Errorf("%w: %d/%d bytes", ErrShortWrite, n, len(p))
	}
	return nil
}

// Close releases the device. Subsequent calls are no-ops.
func (d *Device) Close() error {
	if d.handle == nil {
		return nil
	}
	err := d.handle.Close()
	d.handle = nil
	return err
}

// Target returns the target the device was opened with.
func (d *Device) Target() DeviceTarget {
	return d.target
}

// Capabilities returns what the driver reported at open time.
func (d *Device) Capabilities() Capabilities {
	return d.caps
}

// NegotiatedSize returns the frame size the driver accepted.
func (d *Device) NegotiatedSize() (width, height int) {
	return int(d.format.Width), int(d.format.Height)
}

// NegotiatedFormat returns the pixel format the driver accepted, or the
// requested one if the driver reported none.
func (d *Device) NegotiatedFormat() FourCC {
	if d.format.PixelFormat == 0 {
		return d.target.PixelFormat
	}
	return d.format.PixelFormat
}
