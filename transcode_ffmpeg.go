//go:build cgo && !noffmpeg

package uvcout

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/asticode/go-astiav"
)

var ffmpegInitOnce sync.Once

// initFFmpeg sets process-wide libav state once, before the first codec is
// opened.
func initFFmpeg() {
	ffmpegInitOnce.Do(func() {
		astiav.SetLogLevel(astiav.LogLevelError)
	})
}

func init() {
	registerBackend(ProviderFFmpeg, newFFmpegBackend)
}

// ffmpegBackend decodes with libavcodec's H.264 decoder, scales with
// libswscale and encodes with the MJPEG encoder.
type ffmpegBackend struct {
	width, height int

	decCtx   *astiav.CodecContext
	decPkt   *astiav.Packet
	decFrame *astiav.Frame

	ssc *astiav.SoftwareScaleContext

	encCtx   *astiav.CodecContext
	encFrame *astiav.Frame
	encPkt   *astiav.Packet
	pts      int64

	release releaseStack
}

// mjpegQScale maps JPEG quality 1..100 onto the MJPEG quantizer range 2..31,
// lower being better.
func mjpegQScale(quality int) int {
	if quality < 1 {
		quality = 1
	} else if quality > 100 {
		quality = 100
	}
	return 2 + (100-quality)*29/99
}

func newFFmpegBackend(cfg TranscodeConfig) (_ codecBackend, err error) {
	initFFmpeg()

	b := &ffmpegBackend{width: cfg.Width, height: cfg.Height}
	defer func() {
		if err != nil {
			b.release.release()
		}
	}()

	// Decoder
	dec := astiav.FindDecoder(astiav.CodecIDH264)
	if dec == nil {
		return nil, fmt.Errorf("%w: H.264 decoder not found", ErrTranscodeSetup)
	}
	if b.decCtx = astiav.AllocCodecContext(dec); b.decCtx == nil {
		return nil, fmt.Errorf("%w: alloc decoder context", ErrTranscodeSetup)
	}
	b.release.push(b.decCtx.Free)
	if cfg.DecoderThreads > 0 {
		b.decCtx.SetThreadCount(cfg.DecoderThreads)
	}
	if err := b.decCtx.Open(dec, nil); err != nil {
		return nil, fmt.Errorf("%w: open decoder: %w", ErrTranscodeSetup, err)
	}

	b.decPkt = astiav.AllocPacket()
	b.release.push(b.decPkt.Free)
	b.decFrame = astiav.AllocFrame()
	b.release.push(b.decFrame.Free)

	// Encoder
	enc := astiav.FindEncoder(astiav.CodecIDMjpeg)
	if enc == nil {
		return nil, fmt.Errorf("%w: MJPEG encoder not found", ErrTranscodeSetup)
	}
	if b.encCtx = astiav.AllocCodecContext(enc); b.encCtx == nil {
		return nil, fmt.Errorf("%w: alloc encoder context", ErrTranscodeSetup)
	}
	b.release.push(b.encCtx.Free)
	b.encCtx.SetWidth(cfg.Width)
	b.encCtx.SetHeight(cfg.Height)
	b.encCtx.SetPixelFormat(astiav.PixelFormatYuvj420P)
	b.encCtx.SetTimeBase(astiav.NewRational(1, cfg.FPS))

	opts := astiav.NewDictionary()
	defer opts.Free()
	q := strconv.Itoa(mjpegQScale(cfg.Quality))
	if err := opts.Set("qmin", q, 0); err != nil {
		return nil, fmt.Errorf("%w: encoder options: %w", ErrTranscodeSetup, err)
	}
	if err := opts.Set("qmax", q, 0); err != nil {
		return nil, fmt.Errorf("%w: encoder options: %w", ErrTranscodeSetup, err)
	}
	if err := b.encCtx.Open(enc, opts); err != nil {
		return nil, fmt.Errorf("%w: open encoder: %w", ErrTranscodeSetup, err)
	}

	// Encode-side frame at the output size
	b.encFrame = astiav.AllocFrame()
	b.release.push(b.encFrame.Free)
	b.encFrame.SetWidth(cfg.Width)
	b.encFrame.SetHeight(cfg.Height)
	b.encFrame.SetPixelFormat(astiav.PixelFormatYuvj420P)
	if err := b.encFrame.AllocBuffer(0); err != nil {
		return nil, fmt.Errorf("%w: alloc encode frame: %w", ErrTranscodeSetup, err)
	}

	b.encPkt = astiav.AllocPacket()
	b.release.push(b.encPkt.Free)

	// The scaler is built per input size and released first on Close.
	b.release.push(b.freeScaler)

	return b, nil
}

func (b *ffmpegBackend) SendPacket(data []byte) error {
	if err := b.decPkt.FromData(data); err != nil {
		return err
	}
	defer b.decPkt.Unref()
	return b.decCtx.SendPacket(b.decPkt)
}

func (b *ffmpegBackend) ReceiveFrame() (int, int, error) {
	if err := b.decCtx.ReceiveFrame(b.decFrame); err != nil {
		if errors.Is(err, astiav.ErrEagain) {
			return 0, 0, ErrNoFrameYet
		}
		return 0, 0, err
	}
	return b.decFrame.Width(), b.decFrame.Height(), nil
}

func (b *ffmpegBackend) ConfigureScaler(srcWidth, srcHeight int) error {
	b.freeScaler()
	ssc, err := astiav.CreateSoftwareScaleContext(
		srcWidth, srcHeight, b.decFrame.PixelFormat(),
		b.width, b.height, astiav.PixelFormatYuvj420P,
		astiav.NewSoftwareScaleContextFlags(astiav.SoftwareScaleContextFlagBilinear),
	)
	if err != nil {
		return err
	}
	b.ssc = ssc
	return nil
}

func (b *ffmpegBackend) freeScaler() {
	if b.ssc != nil {
		b.ssc.Free()
		b.ssc = nil
	}
}

func (b *ffmpegBackend) Scale() error {
	defer b.decFrame.Unref()
	if b.ssc == nil {
		return errors.New("no scaler")
	}
	if err := b.encFrame.MakeWritable(); err != nil {
		return err
	}
	return b.ssc.ScaleFrame(b.decFrame, b.encFrame)
}

func (b *ffmpegBackend) Encode() ([]byte, error) {
	b.encFrame.SetPts(b.pts)
	b.pts++
	if err := b.encCtx.SendFrame(b.encFrame); err != nil {
		return nil, err
	}
	if err := b.encCtx.ReceivePacket(b.encPkt); err != nil {
		return nil, err
	}
	defer b.encPkt.Unref()

	data := b.encPkt.Data()
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (b *ffmpegBackend) Close() {
	b.release.release()
}
