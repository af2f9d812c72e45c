package uvcout

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Output consumes frames one at a time.
//
// OutputBuffer never aborts the stream: a returned error only says why that
// frame was dropped, and the next call is an independent attempt. Calls must
// be serialized by the caller.
type Output interface {
	OutputBuffer(buf FrameBuffer) error
	Stats() Stats
	Close() error
}

// SetupRetry limits how often transcoder setup is attempted after failures.
// The zero value retries on every H.264 frame until setup succeeds.
type SetupRetry struct {
	// MaxAttempts stops retrying after this many failed setups. 0 = no limit.
	MaxAttempts int
	// Interval is the minimum time between setup attempts. 0 = no wait.
	Interval time.Duration
}

// Config configures an output.
type Config struct {
	// Device is the V4L2 node. Paths outside /dev/video* fall back to
	// DefaultDevicePath.
	Device string
	// Width and Height of written frames. Both must be positive, otherwise
	// 1920x1080 is used.
	Width  int
	Height int

	FPS            int
	Quality        int
	Provider       Provider
	DecoderThreads int

	// DisableTranscode drops H.264 input instead of converting it.
	DisableTranscode bool
	SetupRetry       SetupRetry

	Logger zerolog.Logger
}

func (c Config) transcodeConfig(width, height int) TranscodeConfig {
	return TranscodeConfig{
		Provider:       c.Provider,
		Width:          width,
		Height:         height,
		FPS:            c.FPS,
		Quality:        c.Quality,
		DecoderThreads: c.DecoderThreads,
		Logger:         c.Logger,
	}
}

type transcoderFactory func(TranscodeConfig) (*Transcoder, error)

// frameConverter turns submitted buffers into MJPEG frames. It classifies the
// stream once, owns the transcoder for H.264 input and enforces the setup
// retry policy.
type frameConverter struct {
	log       zerolog.Logger
	transcode TranscodeConfig
	enabled   bool // H.264 may be transcoded for this target
	retry     SetupRetry
	open      transcoderFactory
	now       func() time.Time

	format     InputFormat
	transcoder *Transcoder

	attempts    int
	nextAttempt time.Time
	gaveUp      bool
}

// convert returns the bytes to write for data. MJPEG frames are returned
// as-is without copying.
func (c *frameConverter) convert(data []byte) ([]byte, error) {
	if len(data) < minClassifyLen {
		return nil, ErrInsufficientData
	}

	if c.format == InputFormatUnknown {
		if err := c.classify(data); err != nil {
			return nil, err
		}
	}

	switch c.format {
	case InputFormatMJPEG:
		if !isJPEGFrame(data) {
			return nil, ErrInvalidJPEG
		}
		return data, nil
	case InputFormatH264:
		if c.transcoder == nil {
			return nil, ErrTranscodeDisabled
		}
		return c.transcoder.Transcode(data)
	default:
		return nil, ErrUnrecognizedFormat
	}
}

// classify detects the stream format. The result is only kept when the
// format can be serviced, so a failed transcoder setup leaves the format
// unknown and the next frame tries again.
func (c *frameConverter) classify(data []byte) error {
	format, err := Classify(data)
	if err != nil {
		return err
	}

	if format == InputFormatH264 {
		if c.enabled {
			if err := c.setupTranscoder(); err != nil {
				return err
			}
		} else {
			c.log.Warn().Msg("H.264 input but transcoding is unavailable for this target, frames will be dropped")
		}
	}

	c.format = format
	c.log.Info().Stringer("format", format).Msg("input format detected")
	if format == InputFormatH264 {
		c.log.Debug().Uint8("nal_type", getNALType(data)).Msg("first access unit")
	}
	return nil
}

func (c *frameConverter) setupTranscoder() error {
	if c.gaveUp {
		return fmt.Errorf("%w: gave up after %d attempts", ErrTranscodeSetup, c.attempts)
	}
	if c.retry.Interval > 0 && !c.nextAttempt.IsZero() && c.now().Before(c.nextAttempt) {
		return fmt.Errorf("%w: waiting to retry", ErrTranscodeSetup)
	}

	c.attempts++
	t, err := c.open(c.transcode)
	if err != nil {
		if c.retry.Interval > 0 {
			c.nextAttempt = c.now().Add(c.retry.Interval)
		}
		if c.retry.MaxAttempts > 0 && c.attempts >= c.retry.MaxAttempts {
			c.gaveUp = true
			c.log.Error().Err(err).Int("attempts", c.attempts).Msg("transcoder setup failed, giving up")
		} else {
			c.log.Warn().Err(err).Int("attempt", c.attempts).Msg("transcoder setup failed")
		}
		if errors.Is(err, ErrTranscodeSetup) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrTranscodeSetup, err)
	}

	c.transcoder = t
	c.log.Info().
		Stringer("provider", t.Provider()).
		Int("width", c.transcode.Width).
		Int("height", c.transcode.Height).
		Int("attempt", c.attempts).
		Msg("transcoder ready")
	return nil
}

// transcoderStats returns the transcoder counters, if a transcoder exists.
func (c *frameConverter) transcoderStats() (TranscoderStats, bool) {
	if c.transcoder == nil {
		return TranscoderStats{}, false
	}
	return c.transcoder.Stats(), true
}

func (c *frameConverter) close() {
	if c.transcoder != nil {
		c.transcoder.Close()
		c.transcoder = nil
	}
}

// logStats writes the final counters.
func logStats(log zerolog.Logger, s Stats, ts TranscoderStats, transcoded bool) {
	ev := log.Info().
		Uint64("frames_written", s.FramesWritten).
		Uint64("bytes_written", s.BytesWritten).
		Uint64("frames_dropped", s.FramesDropped)
	for r := DropReason(0); r < numDropReasons; r++ {
		if n := s.Dropped(r); n > 0 {
			ev = ev.Uint64("dropped_"+r.String(), n)
		}
	}
	if transcoded {
		ev = ev.Uint64("transcode_in", ts.PacketsIn).
			Uint64("transcode_out", ts.FramesOut).
			Uint64("scaler_rebuilds", ts.ScalerRebuilds)
	}
	ev.Msg("output closed")
}
