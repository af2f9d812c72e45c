// Command uvcout feeds MJPEG or H.264 video into a V4L2 output device such
// as v4l2loopback, transcoding H.264 to MJPEG on the fly.
//
//	uvcout --source file --input clip.h264 --loop --device /dev/video10
//	uvcout --source rtmp --listen :1935 --width 1280 --height 720
//	uvcout --source whip --listen :8080 --sink file --out capture.mjpeg
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/akamensky/argparse"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/thesyncim/uvcout"
	"github.com/thesyncim/uvcout/ingest"
	"github.com/thesyncim/uvcout/internal/config"
)

const statsInterval = 10 * time.Second

// flags holds command-line overrides; zero values leave the config alone.
type flags struct {
	config        *string
	device        *string
	width         *int
	height        *int
	fps           *int
	quality       *int
	provider      *string
	noTranscode   *bool
	sink          *string
	out           *string
	source        *string
	input         *string
	listen        *string
	loop          *bool
	verbose       *bool
	listProviders *bool
	listDevices   *bool
}

func main() {
	parser := argparse.NewParser("uvcout", "uvcout: MJPEG/H.264 to V4L2 output device")
	f := &flags{
		config:        parser.String("c", "config", &argparse.Options{Help: "YAML config file"}),
		device:        parser.String("d", "device", &argparse.Options{Help: "V4L2 output device (default /dev/video0)"}),
		width:         parser.Int("W", "width", &argparse.Options{Help: "output width"}),
		height:        parser.Int("H", "height", &argparse.Options{Help: "output height"}),
		fps:           parser.Int("f", "fps", &argparse.Options{Help: "frame rate"}),
		quality:       parser.Int("q", "quality", &argparse.Options{Help: "JPEG quality 1-100"}),
		provider:      parser.Selector("p", "provider", []string{"auto", "ffmpeg", "openh264"}, &argparse.Options{Help: "transcode backend"}),
		noTranscode:   parser.Flag("n", "no-transcode", &argparse.Options{Help: "drop H.264 input instead of transcoding"}),
		sink:          parser.Selector("k", "sink", []string{config.SinkUVC, config.SinkFile}, &argparse.Options{Help: "output sink"}),
		out:           parser.String("o", "out", &argparse.Options{Help: "file sink path"}),
		source:        parser.Selector("s", "source", []string{config.SourceFile, config.SourceRTP, config.SourceRTMP, config.SourceWHIP}, &argparse.Options{Help: "frame source"}),
		input:         parser.String("i", "input", &argparse.Options{Help: "input file (file source)"}),
		listen:        parser.String("l", "listen", &argparse.Options{Help: "listen address (network sources)"}),
		loop:          parser.Flag("L", "loop", &argparse.Options{Help: "loop the input file"}),
		verbose:       parser.Flag("v", "verbose", &argparse.Options{Help: "debug logging"}),
		listProviders: parser.Flag("P", "list-providers", &argparse.Options{Help: "list available transcode backends and exit"}),
		listDevices:   parser.Flag("D", "list-devices", &argparse.Options{Help: "list V4L2 output devices and exit"}),
	}
	if err := parser.Parse(os.Args); err != nil {
		fmt.Fprint(os.Stderr, parser.Usage(err))
		os.Exit(2)
	}

	level := zerolog.InfoLevel
	if *f.verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	if *f.listProviders {
		for _, p := range uvcout.Providers() {
			fmt.Printf("%s\t%s\n", p, p.Library())
		}
		return
	}
	if *f.listDevices {
		devices, err := uvcout.ListOutputDevices(context.Background())
		if err != nil {
			log.Fatal().Err(err).Msg("list devices")
		}
		for _, d := range devices {
			fmt.Printf("%s\t%s\t%s\n", d.Path, d.Label, d.Driver)
		}
		return
	}

	cfg, err := loadConfig(f)
	if err != nil {
		log.Fatal().Err(err).Msg("configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Stringer("signal", sig).Msg("received signal, shutting down")
		cancel()
	}()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("uvcout failed")
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(f *flags) (*config.Config, error) {
	cfg := config.Default()
	if *f.config != "" {
		var err error
		if cfg, err = config.Load(*f.config); err != nil {
			return nil, err
		}
	}
	applyFlags(cfg, f)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(cfg *config.Config, f *flags) {
	setString := func(dst *string, v *string) {
		if v != nil && *v != "" {
			*dst = *v
		}
	}
	setInt := func(dst *int, v *int) {
		if v != nil && *v != 0 {
			*dst = *v
		}
	}

	setString(&cfg.Device, f.device)
	setInt(&cfg.Width, f.width)
	setInt(&cfg.Height, f.height)
	setInt(&cfg.FPS, f.fps)
	setInt(&cfg.Quality, f.quality)
	setString(&cfg.Provider, f.provider)
	setString(&cfg.Sink.Type, f.sink)
	setString(&cfg.Sink.Path, f.out)
	setString(&cfg.Source.Type, f.source)
	setString(&cfg.Source.Input, f.input)
	setString(&cfg.Source.Listen, f.listen)
	if f.noTranscode != nil && *f.noTranscode {
		cfg.Transcode.Disabled = true
	}
	if f.loop != nil && *f.loop {
		cfg.Source.Loop = true
	}
}

// run pumps frames from the configured source into the output until the
// source ends or ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	out, err := openOutput(cfg, log)
	if err != nil {
		return err
	}
	defer out.Close()

	src, err := newSource(cfg, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	frames := make(chan uvcout.FrameBuffer, 1)

	g.Go(func() error {
		defer close(frames)
		err := src.Run(ctx, func(f uvcout.FrameBuffer) {
			select {
			case frames <- f:
			case <-ctx.Done():
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	pump(out, frames, log)
	return g.Wait()
}

// pump feeds frames to out one at a time and logs counters periodically.
func pump(out uvcout.Output, frames <-chan uvcout.FrameBuffer, log zerolog.Logger) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			if err := out.OutputBuffer(f); err != nil {
				log.Debug().Err(err).Int64("ts_us", f.TimestampUs).Msg("frame dropped")
			}
		case <-ticker.C:
			s := out.Stats()
			log.Info().
				Uint64("frames_written", s.FramesWritten).
				Uint64("frames_dropped", s.FramesDropped).
				Uint64("bytes_written", s.BytesWritten).
				Msg("output stats")
		}
	}
}

func openOutput(cfg *config.Config, log zerolog.Logger) (uvcout.Output, error) {
	outCfg, err := cfg.Output(log)
	if err != nil {
		return nil, err
	}
	switch cfg.Sink.Type {
	case config.SinkFile:
		return uvcout.NewFileOutput(cfg.Sink.Path, outCfg)
	default:
		return uvcout.NewUVCOutput(outCfg)
	}
}

func newSource(cfg *config.Config, log zerolog.Logger) (ingest.Source, error) {
	sc := cfg.Source
	switch sc.Type {
	case config.SourceFile:
		return &ingest.FileSource{Path: sc.Input, FPS: cfg.FPS, Loop: sc.Loop, Logger: log}, nil
	case config.SourceRTP:
		return &ingest.RTPSource{Addr: sc.Listen, PayloadType: sc.PayloadType, Logger: log}, nil
	case config.SourceRTMP:
		return &ingest.RTMPSource{Addr: sc.Listen, Logger: log}, nil
	case config.SourceWHIP:
		return &ingest.WHIPSource{Addr: sc.Listen, Path: sc.WHIPPath, ICEServers: sc.ICEServers, Logger: log}, nil
	}
	return nil, fmt.Errorf("unknown source type %q", sc.Type)
}
