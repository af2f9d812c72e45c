package uvcout

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Transcode defaults.
const (
	DefaultFPS     = 30
	DefaultQuality = 90
)

// TranscodeConfig configures H.264 to MJPEG transcoding.
type TranscodeConfig struct {
	Provider Provider // Backend to use (ProviderAuto = library chooses)

	Width  int // Output width, fixed for the transcoder lifetime
	Height int // Output height
	FPS    int // Encoder time base is 1/FPS

	// Quality is the JPEG quality in 1..100. The FFmpeg backend maps it to
	// qmin/qmax bounds, the OpenH264 backend passes it to image/jpeg.
	Quality int

	DecoderThreads int // 0 = backend default

	Logger zerolog.Logger
}

func (c *TranscodeConfig) setDefaults() {
	if c.Width <= 0 || c.Height <= 0 {
		c.Width, c.Height = DefaultWidth, DefaultHeight
	}
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.Quality <= 0 || c.Quality > 100 {
		c.Quality = DefaultQuality
	}
}

// codecBackend is the stateful decode, scale and encode engine behind a
// Transcoder. Calls happen in stage order for each access unit; any stage
// may fail and the next access unit starts again at SendPacket.
type codecBackend interface {
	// SendPacket feeds one access unit to the decoder.
	SendPacket(data []byte) error
	// ReceiveFrame pulls one decoded picture. It returns ErrNoFrameYet when
	// the decoder needs more input.
	ReceiveFrame() (width, height int, err error)
	// ConfigureScaler replaces the scaler with one converting srcWidth x
	// srcHeight pictures to the fixed output size.
	ConfigureScaler(srcWidth, srcHeight int) error
	// Scale converts the last decoded picture into the encode-side frame.
	Scale() error
	// Encode compresses the encode-side frame and returns a copy of the
	// packet sized to its exact length.
	Encode() ([]byte, error)
	// Close releases everything in reverse acquisition order.
	Close()
}

// releaseStack collects cleanup functions and runs them in reverse order.
type releaseStack []func()

func (r *releaseStack) push(f func()) {
	*r = append(*r, f)
}

// release runs all cleanups last-in first-out. It is safe to call twice.
func (r *releaseStack) release() {
	s := *r
	*r = nil
	for i := len(s) - 1; i >= 0; i-- {
		s[i]()
	}
}

// TranscoderStats provides transcoding metrics.
type TranscoderStats struct {
	PacketsIn      uint64 // Access units submitted
	FramesOut      uint64 // MJPEG frames produced
	NoFrameYet     uint64 // Calls where the decoder was still buffering
	Failures       uint64 // Calls that failed in any stage
	ScalerRebuilds uint64 // Times the scaler was (re)configured
}

// Transcoder converts H.264 access units to MJPEG frames of a fixed size.
// It is not safe for concurrent use.
type Transcoder struct {
	backend  codecBackend
	provider Provider
	config   TranscodeConfig
	log      zerolog.Logger

	// Input size the current scaler was built for.
	hasScaler        bool
	scalerW, scalerH int

	stats TranscoderStats
}

// NewTranscoder acquires a decoder, an MJPEG encoder and the encode-side
// frame from the configured provider. Nothing is left allocated on failure.
func NewTranscoder(config TranscodeConfig) (*Transcoder, error) {
	config.setDefaults()

	provider, factory, err := resolveBackend(config.Provider)
	if err != nil {
		return nil, err
	}
	backend, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", provider, err)
	}
	return newTranscoder(config, provider, backend), nil
}

func newTranscoder(config TranscodeConfig, provider Provider, backend codecBackend) *Transcoder {
	return &Transcoder{
		backend:  backend,
		provider: provider,
		config:   config,
		log:      config.Logger.With().Str("component", "transcoder").Str("provider", provider.String()).Logger(),
	}
}

// Transcode decodes one H.264 access unit and returns it re-encoded as a
// JPEG image of the configured size.
//
// ErrNoFrameYet means the decoder accepted the data but has no picture to
// emit yet. Every other error identifies the failing stage (ErrDecode,
// ErrScale, ErrEncode). The transcoder stays usable after any error.
func (t *Transcoder) Transcode(au []byte) ([]byte, error) {
	if t.backend == nil {
		return nil, ErrTranscoderClosed
	}
	t.stats.PacketsIn++

	out, err := t.transcode(au)
	if err != nil {
		if errors.Is(err, ErrNoFrameYet) {
			t.stats.NoFrameYet++
		} else {
			t.stats.Failures++
		}
		return nil, err
	}
	t.stats.FramesOut++
	return out, nil
}

func (t *Transcoder) transcode(au []byte) ([]byte, error) {
	// Stage 1: decode
	if err := t.backend.SendPacket(au); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	// Stage 2: pull a picture
	w, h, err := t.backend.ReceiveFrame()
	if err != nil {
		if errors.Is(err, ErrNoFrameYet) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	// Stage 3: scale, rebuilding the scaler only when the input size changed
	if !t.hasScaler || w != t.scalerW || h != t.scalerH {
		if err := t.backend.ConfigureScaler(w, h); err != nil {
			t.hasScaler = false
			return nil, fmt.Errorf("%w: %dx%d -> %dx%d: %w", ErrScale, w, h, t.config.Width, t.config.Height, err)
		}
		t.hasScaler = true
		t.scalerW, t.scalerH = w, h
		t.stats.ScalerRebuilds++
		t.log.Debug().Int("src_width", w).Int("src_height", h).
			Int("dst_width", t.config.Width).Int("dst_height", t.config.Height).
			Msg("scaler configured")
	}
	if err := t.backend.Scale(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrScale, err)
	}

	// Stage 4: encode
	out, err := t.backend.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return out, nil
}

// Provider returns the backend in use.
func (t *Transcoder) Provider() Provider {
	return t.provider
}

// Config returns the transcoder configuration after defaults were applied.
func (t *Transcoder) Config() TranscodeConfig {
	return t.config
}

// Stats returns transcoding statistics.
func (t *Transcoder) Stats() TranscoderStats {
	return t.stats
}

// Close releases the scaler, frames, packets and codec contexts. It is
// idempotent.
func (t *Transcoder) Close() error {
	if t.backend == nil {
		return nil
	}
	t.backend.Close()
	t.backend = nil
	t.hasScaler = false
	return nil
}
