package uvcout

import "errors"

// Construction errors. Any of these makes the output unusable.
var (
	ErrDeviceOpen         = errors.New("device open failed")
	ErrQueryCap           = errors.New("capability query failed")
	ErrNoOutputCapability = errors.New("device does not support video output")
	ErrSetFormat          = errors.New("format negotiation failed")
	ErrNotSupported       = errors.New("not supported on this platform")
)

// Per-frame errors. The frame is dropped and the stream continues.
var (
	ErrInsufficientData    = errors.New("buffer too short to classify")
	ErrUnrecognizedFormat  = errors.New("unrecognized frame format")
	ErrInvalidJPEG         = errors.New("frame is not a complete JPEG image")
	ErrTranscodeSetup      = errors.New("transcoder setup failed")
	ErrTranscodeDisabled   = errors.New("transcoding unavailable for this input")
	ErrDecode              = errors.New("decoder rejected frame")
	ErrNoFrameYet          = errors.New("decoder needs more input")
	ErrScale               = errors.New("scaling failed")
	ErrEncode              = errors.New("encoder rejected frame")
	ErrShortWrite          = errors.New("short write")
	ErrWrite               = errors.New("device write failed")
	ErrClosed              = errors.New("output closed")
	ErrProviderNotFound    = errors.New("transcode provider not available")
	ErrTranscoderClosed    = errors.New("transcoder closed")
	ErrLibraryNotAvailable = errors.New("native library not available")
)
