package ingest

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/thesyncim/uvcout"
)

// FileSource replays a Motion-JPEG file (concatenated JPEG images) or an
// Annex-B H.264 elementary stream at a fixed frame rate.
type FileSource struct {
	Path   string
	FPS    int  // 0 = 30
	Loop   bool // restart at end of file
	Logger zerolog.Logger
}

// Run emits every frame of the file, paced at FPS. It returns nil at end of
// file and ctx.Err() when cancelled.
func (s *FileSource) Run(ctx context.Context, emit func(uvcout.FrameBuffer)) error {
	log := s.Logger.With().Str("component", "file_source").Str("path", s.Path).Logger()

	data, err := os.ReadFile(s.Path)
	if err != nil {
		return fmt.Errorf("read %s: %w", s.Path, err)
	}
	frames, format, err := SplitFrames(data)
	if err != nil {
		return fmt.Errorf("%s: %w", s.Path, err)
	}
	if len(frames) == 0 {
		return fmt.Errorf("%s: no frames found", s.Path)
	}

	fps := s.FPS
	if fps <= 0 {
		fps = 30
	}
	log.Info().Stringer("format", format).Int("frames", len(frames)).Int("fps", fps).Bool("loop", s.Loop).Msg("replaying file")

	flags := make([]uint32, len(frames))
	for i, f := range frames {
		if format == uvcout.InputFormatMJPEG || containsIDR(f) {
			flags[i] = FlagKeyframe
		}
	}

	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	var n int64
	for {
		for i, f := range frames {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			emit(uvcout.FrameBuffer{
				Data:        f,
				TimestampUs: n * 1_000_000 / int64(fps),
				Flags:       flags[i],
			})
			n++
		}
		if !s.Loop {
			log.Info().Int64("frames", n).Msg("end of file")
			return nil
		}
	}
}
