//go:build linux

package uvcout

import (
	"bytes"
	"unsafe"

	"golang.org/x/sys/unix"
)

// struct v4l2_capability
type v4l2Capability struct {
	Driver       [16]byte
	Card         [32]byte
	BusInfo      [32]byte
	Version      uint32
	Capabilities uint32
	DeviceCaps   uint32
	Reserved     [3]uint32
}

// struct v4l2_pix_format
type v4l2PixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  uint32
	Field        uint32
	BytesPerLine uint32
	SizeImage    uint32
	Colorspace   uint32
	Priv         uint32
	Flags        uint32
	YCbCrEnc     uint32
	Quantization uint32
	XferFunc     uint32
}

// struct v4l2_format. The fmt union holds pointers in some members, so it is
// pointer aligned: 208 bytes on 64-bit, 204 on 32-bit.
type v4l2Format struct {
	Type uint32
	fmt  struct {
		_   [0]uintptr
		raw [200]byte
	}
}

func (f *v4l2Format) pix() *v4l2PixFormat {
	return (*v4l2PixFormat)(unsafe.Pointer(&f.fmt.raw[0]))
}

const (
	iocWrite = 1
	iocRead  = 2
)

func ioc(dir, typ, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | typ<<8 | nr
}

var (
	vidiocQueryCap = ioc(iocRead, 'V', 0, unsafe.Sizeof(v4l2Capability{}))
	vidiocSFmt     = ioc(iocRead|iocWrite, 'V', 5, unsafe.Sizeof(v4l2Format{}))
)

// v4l2Handle is a raw file descriptor. os.File is not used because its Write
// loops until the whole buffer is consumed.
type v4l2Handle struct {
	fd int
}

func openDeviceHandle(path string) (deviceHandle, error) {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return &v4l2Handle{fd: fd}, nil
}

func (h *v4l2Handle) ioctl(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(h.fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (h *v4l2Handle) QueryCapabilities() (Capabilities, error) {
	var c v4l2Capability
	if err := h.ioctl(vidiocQueryCap, unsafe.Pointer(&c)); err != nil {
		return Capabilities{}, err
	}
	return Capabilities{
		Driver:       cString(c.Driver[:]),
		Card:         cString(c.Card[:]),
		BusInfo:      cString(c.BusInfo[:]),
		Version:      c.Version,
		Capabilities: c.Capabilities,
		DeviceCaps:   c.DeviceCaps,
	}, nil
}

func (h *v4l2Handle) SetFormat(f deviceFormat) (deviceFormat, error) {
	var vf v4l2Format
	vf.Type = v4l2BufTypeVideoOutput
	pix := vf.pix()
	pix.Width = f.Width
	pix.Height = f.Height
	pix.PixelFormat = uint32(f.PixelFormat)
	pix.Field = f.Field
	pix.Colorspace = f.Colorspace

	if err := h.ioctl(vidiocSFmt, unsafe.Pointer(&vf)); err != nil {
		return deviceFormat{}, err
	}
	return deviceFormat{
		Width:       pix.Width,
		Height:      pix.Height,
		PixelFormat: FourCC(pix.PixelFormat),
		Field:       pix.Field,
		Colorspace:  pix.Colorspace,
		SizeImage:   pix.SizeImage,
	}, nil
}

// Write issues exactly one write(2).
func (h *v4l2Handle) Write(p []byte) (int, error) {
	if h.fd < 0 {
		return 0, unix.EBADF
	}
	n, err := unix.Write(h.fd, p)
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (h *v4l2Handle) Close() error {
	if h.fd < 0 {
		return nil
	}
	err := unix.Close(h.fd)
	h.fd = -1
	return err
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
