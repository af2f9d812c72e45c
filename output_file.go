package uvcout

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FileOutput appends MJPEG frames to a file, producing a concatenated
// Motion-JPEG stream that ffplay and most players read as "mjpeg". It
// applies the same classification and transcoding as UVCOutput and is
// useful where no output device exists.
type FileOutput struct {
	id     string
	path   string
	log    zerolog.Logger
	w      io.WriteCloser
	conv   frameConverter
	stats  Stats
	closed bool
}

// NewFileOutput creates or truncates path. cfg.Device is ignored.
func NewFileOutput(path string, cfg Config) (*FileOutput, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return newFileOutput(path, f, cfg, NewTranscoder), nil
}

func newFileOutput(path string, w io.WriteCloser, cfg Config, openTranscoder transcoderFactory) *FileOutput {
	id := uuid.NewString()
	log := cfg.Logger.With().Str("component", "file_output").Str("output_id", id).Logger()
	// Only the size fallback applies; the path is the file, not a device.
	target := ResolveTarget("", cfg.Width, cfg.Height)

	log.Info().Str("path", path).Int("width", target.Width).Int("height", target.Height).Msg("file output ready")

	return &FileOutput{
		id:   id,
		path: path,
		log:  log,
		w:    w,
		conv: frameConverter{
			log:       log,
			transcode: cfg.transcodeConfig(target.Width, target.Height),
			enabled:   !cfg.DisableTranscode,
			retry:     cfg.SetupRetry,
			open:      openTranscoder,
			now:       time.Now,
		},
	}
}

// OutputBuffer converts and appends one frame.
func (o *FileOutput) OutputBuffer(buf FrameBuffer) error {
	n, err := o.outputBuffer(buf.Data)
	if err != nil {
		reason := dropReasonOf(err)
		o.stats.recordDrop(reason)
		o.log.Debug().Err(err).Stringer("reason", reason).Int("size", len(buf.Data)).Msg("frame dropped")
		return err
	}
	o.stats.recordWrite(n)
	return nil
}

func (o *FileOutput) outputBuffer(data []byte) (int, error) {
	if o.closed {
		return 0, ErrClosed
	}
	frame, err := o.conv.convert(data)
	if err != nil {
		return 0, err
	}
	n, err := o.w.Write(frame)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrWrite, err)
	}
	if n != len(frame) {
		return 0, fmt.Errorf("%w: %d/%d bytes", ErrShortWrite, n, len(frame))
	}
	return n, nil
}

// Format returns the detected input format, or InputFormatUnknown.
func (o *FileOutput) Format() InputFormat {
	return o.conv.format
}

// Stats returns a snapshot of the counters.
func (o *FileOutput) Stats() Stats {
	return o.stats
}

// Close releases the transcoder and closes the file.
func (o *FileOutput) Close() error {
	if o.closed {
		return nil
	}
	o.closed = true

	ts, transcoded := o.conv.transcoderStats()
	o.conv.close()
	err := o.w.Close()
	logStats(o.log.With().Str("path", o.path).Logger(), o.stats, ts, transcoded)
	return err
}

var _ Output = (*FileOutput)(nil)
