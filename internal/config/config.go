package config

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/thesyncim/uvcout"
)

// Source types.
const (
	SourceFile = "file"
	SourceRTP  = "rtp"
	SourceRTMP = "rtmp"
	SourceWHIP = "whip"
)

// Sink types.
const (
	SinkUVC  = "uvc"
	SinkFile = "file"
)

// Config represents the complete uvcout configuration
type Config struct {
	Device     string           `yaml:"device"`
	Width      int              `yaml:"width"`
	Height     int              `yaml:"height"`
	FPS        int              `yaml:"fps"`
	Quality    int              `yaml:"quality"`  // JPEG quality 1..100
	Provider   string           `yaml:"provider"` // auto, ffmpeg, openh264
	Transcode  TranscodeConfig  `yaml:"transcode"`
	SetupRetry SetupRetryConfig `yaml:"setup_retry"`
	Source     SourceConfig     `yaml:"source"`
	Sink       SinkConfig       `yaml:"sink"`
}

// TranscodeConfig contains H.264 to MJPEG settings
type TranscodeConfig struct {
	Disabled       bool `yaml:"disabled"`
	DecoderThreads int  `yaml:"decoder_threads"` // 0 = backend default
}

// SetupRetryConfig limits transcoder setup retries
type SetupRetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"` // 0 = unlimited
	Interval    time.Duration `yaml:"interval"`     // e.g. "500ms"
}

// SourceConfig selects where frames come from
type SourceConfig struct {
	Type        string   `yaml:"type"`   // file, rtp, rtmp, whip
	Input       string   `yaml:"input"`  // file source path
	Listen      string   `yaml:"listen"` // network sources
	Loop        bool     `yaml:"loop"`
	PayloadType uint8    `yaml:"payload_type"` // rtp; 0 accepts any
	WHIPPath    string   `yaml:"whip_path"`
	ICEServers  []string `yaml:"ice_servers"`
}

// SinkConfig selects where frames go
type SinkConfig struct {
	Type string `yaml:"type"` // uvc, file
	Path string `yaml:"path"` // file sink output
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Device:   uvcout.DefaultDevicePath,
		Width:    uvcout.DefaultWidth,
		Height:   uvcout.DefaultHeight,
		FPS:      uvcout.DefaultFPS,
		Quality:  uvcout.DefaultQuality,
		Provider: uvcout.ProviderAuto.String(),
		Source:   SourceConfig{Type: SourceFile},
		Sink:     SinkConfig{Type: SinkUVC},
	}
}

// Load reads a YAML configuration file on top of Default. The result is
// not validated, so callers can apply overrides before calling Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and fills in per-source defaults.
func (c *Config) Validate() error {
	if c.Width < 0 || c.Height < 0 {
		return fmt.Errorf("width and height must not be negative")
	}
	if c.FPS <= 0 {
		return fmt.Errorf("fps must be > 0")
	}
	if c.Quality < 1 || c.Quality > 100 {
		return fmt.Errorf("quality must be in 1..100, got %d", c.Quality)
	}
	if _, err := uvcout.ParseProvider(c.Provider); err != nil {
		return err
	}
	if c.Transcode.DecoderThreads < 0 {
		return fmt.Errorf("transcode.decoder_threads must not be negative")
	}
	if c.SetupRetry.MaxAttempts < 0 || c.SetupRetry.Interval < 0 {
		return fmt.Errorf("setup_retry values must not be negative")
	}

	switch c.Source.Type {
	case SourceFile:
		if c.Source.Input == "" {
			return fmt.Errorf("source.input is required for the file source")
		}
	case SourceRTP:
		if c.Source.Listen == "" {
			c.Source.Listen = ":5004"
		}
	case SourceRTMP:
		if c.Source.Listen == "" {
			c.Source.Listen = ":1935"
		}
	case SourceWHIP:
		if c.Source.Listen == "" {
			c.Source.Listen = ":8080"
		}
		if c.Source.WHIPPath == "" {
			c.Source.WHIPPath = "/whip"
		}
	default:
		return fmt.Errorf("unknown source type %q (must be file, rtp, rtmp or whip)", c.Source.Type)
	}

	switch c.Sink.Type {
	case SinkUVC:
	case SinkFile:
		if c.Sink.Path == "" {
			return fmt.Errorf("sink.path is required for the file sink")
		}
	default:
		return fmt.Errorf("unknown sink type %q (must be uvc or file)", c.Sink.Type)
	}
	return nil
}

// Output converts the configuration into an output config.
func (c *Config) Output(log zerolog.Logger) (uvcout.Config, error) {
	provider, err := uvcout.ParseProvider(c.Provider)
	if err != nil {
		return uvcout.Config{}, err
	}
	return uvcout.Config{
		Device:           c.Device,
		Width:            c.Width,
		Height:           c.Height,
		FPS:              c.FPS,
		Quality:          c.Quality,
		Provider:         provider,
		DecoderThreads:   c.Transcode.DecoderThreads,
		DisableTranscode: c.Transcode.Disabled,
		SetupRetry: uvcout.SetupRetry{
			MaxAttempts: c.SetupRetry.MaxAttempts,
			Interval:    c.SetupRetry.Interval,
		},
		Logger: log,
	}, nil
}
