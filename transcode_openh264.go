//go:build (darwin || linux) && !noopenh264

package uvcout

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

func init() {
	if IsH264DecoderAvailable() {
		registerBackend(ProviderOpenH264, newOpenH264Backend)
	}
}

// openH264Backend decodes with libmedia_h264, scales in Go and encodes with
// image/jpeg.
type openH264Backend struct {
	width, height int

	decoder *H264Decoder
	decoded *VideoFrame // last picture, consumed by ReceiveFrame
	frame   *VideoFrame // picture being scaled
	scaler  *VideoScaler
	encode  *image.YCbCr // encode-side frame, fixed output size

	opts jpeg.Options
	buf  bytes.Buffer

	release releaseStack
}

func newOpenH264Backend(cfg TranscodeConfig) (codecBackend, error) {
	b := &openH264Backend{
		width:  cfg.Width,
		height: cfg.Height,
		opts:   jpeg.Options{Quality: cfg.Quality},
	}

	dec, err := NewH264Decoder(cfg.DecoderThreads)
	if err != nil {
		return nil, fmt.Errorf("%w: decoder: %w", ErrTranscodeSetup, err)
	}
	b.decoder = dec
	b.release.push(func() { dec.Close() })

	b.encode = image.NewYCbCr(image.Rect(0, 0, cfg.Width, cfg.Height), image.YCbCrSubsampleRatio420)
	b.buf.Grow(cfg.Width * cfg.Height / 4)
	return b, nil
}

func (b *openH264Backend) SendPacket(data []byte) error {
	frame, err := b.decoder.Decode(data)
	if err != nil {
		return err
	}
	b.decoded = frame
	return nil
}

func (b *openH264Backend) ReceiveFrame() (int, int, error) {
	if b.decoded == nil {
		return 0, 0, ErrNoFrameYet
	}
	b.frame, b.decoded = b.decoded, nil
	return b.frame.Width, b.frame.Height, nil
}

func (b *openH264Backend) ConfigureScaler(srcWidth, srcHeight int) error {
	b.scaler = nil
	s, err := NewVideoScaler(srcWidth, srcHeight, b.width, b.height)
	if err != nil {
		return err
	}
	b.scaler = s
	return nil
}

func (b *openH264Backend) Scale() error {
	if b.scaler == nil || b.frame == nil {
		return errors.New("no scaler or picture")
	}
	return b.scaler.ScaleInto(b.frame, b.encode)
}

func (b *openH264Backend) Encode() ([]byte, error) {
	b.buf.Reset()
	if err := jpeg.Encode(&b.buf, b.encode, &b.opts); err != nil {
		return nil, err
	}
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out, nil
}

func (b *openH264Backend) Close() {
	b.scaler = nil
	b.frame = nil
	b.decoded = nil
	b.release.release()
}
