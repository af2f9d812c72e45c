package uvcout

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// UVCOutput writes MJPEG frames to a V4L2 output device such as a
// v4l2loopback node exposed as a UVC gadget. H.264 input is transcoded to
// MJPEG of the negotiated size.
type UVCOutput struct {
	id     string
	log    zerolog.Logger
	device *Device
	conv   frameConverter
	stats  Stats
	closed bool
}

// NewUVCOutput opens and configures the device. It fails if the device
// cannot be opened, does not support video output, or rejects the format.
func NewUVCOutput(cfg Config) (*UVCOutput, error) {
	return newUVCOutput(cfg, OpenDevice, NewTranscoder)
}

func newUVCOutput(cfg Config, openDevice func(DeviceTarget) (*Device, error), openTranscoder transcoderFactory) (*UVCOutput, error) {
	id := uuid.NewString()
	log := cfg.Logger.With().Str("component", "uvc_output").Str("output_id", id).Logger()

	target := ResolveTarget(cfg.Device, cfg.Width, cfg.Height)
	if target.Path != cfg.Device && cfg.Device != "" {
		log.Warn().Str("requested", cfg.Device).Str("path", target.Path).Msg("not a video device path, using default")
	}

	device, err := openDevice(target)
	if err != nil {
		log.Error().Err(err).Str("device", target.Path).Msg("device setup failed")
		return nil, err
	}

	// The driver may adjust the size and format; encode what it accepted.
	width, height := device.NegotiatedSize()
	if width <= 0 || height <= 0 {
		width, height = target.Width, target.Height
	}
	pixelFormat := device.NegotiatedFormat()

	caps := device.Capabilities()
	log.Info().
		Str("device", target.Path).
		Str("driver", caps.Driver).
		Str("card", caps.Card).
		Int("width", width).
		Int("height", height).
		Stringer("pixel_format", pixelFormat).
		Msg("output device ready")

	return &UVCOutput{
		id:     id,
		log:    log,
		device: device,
		conv: frameConverter{
			log:       log,
			transcode: cfg.transcodeConfig(width, height),
			enabled:   !cfg.DisableTranscode && pixelFormat.IsMJPEG(),
			retry:     cfg.SetupRetry,
			open:      openTranscoder,
			now:       time.Now,
		},
	}, nil
}

// OutputBuffer classifies, converts and writes one frame. Every call counts
// the frame as either written or dropped.
func (o *UVCOutput) OutputBuffer(buf FrameBuffer) error {
	n, err := o.outputBuffer(buf.Data)
	if err != nil {
		reason := dropReasonOf(err)
		o.stats.recordDrop(reason)
		o.log.Debug().Err(err).Stringer("reason", reason).Int("size", len(buf.Data)).
			Int64("timestamp_us", buf.TimestampUs).Msg("frame dropped")
		return err
	}
	o.stats.recordWrite(n)
	return nil
}

func (o *UVCOutput) outputBuffer(data []byte) (int, error) {
	if o.closed {
		return 0, ErrClosed
	}
	frame, err := o.conv.convert(data)
	if err != nil {
		return 0, err
	}
	if err := o.device.Write(frame); err != nil {
		return 0, err
	}
	return len(frame), nil
}

// Format returns the detected input format, or InputFormatUnknown.
func (o *UVCOutput) Format() InputFormat {
	return o.conv.format
}

// ID identifies this output in logs.
func (o *UVCOutput) ID() string {
	return o.id
}

// Stats returns a snapshot of the counters.
func (o *UVCOutput) Stats() Stats {
	return o.stats
}

// TranscoderStats returns the transcoder counters once H.264 input has been
// set up.
func (o *UVCOutput) TranscoderStats() (TranscoderStats, bool) {
	return o.conv.transcoderStats()
}

// Close releases the transcoder and the device and logs the final counters.
// Frames submitted afterwards are dropped.
func (o *UVCOutput) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true

	ts, transcoded := o.conv.transcoderStats()
	o.conv.close()
	err := o.device.Close()
	logStats(o.log, o.stats, ts, transcoded)
	return err
}

var _ Output = (*UVCOutput)(nil)
