package uvcout

import (
	"errors"
	"testing"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in      string
		want    Provider
		wantErr bool
	}{
		{"", ProviderAuto, false},
		{"auto", ProviderAuto, false},
		{"ffmpeg", ProviderFFmpeg, false},
		{"FFmpeg", ProviderFFmpeg, false},
		{"openh264", ProviderOpenH264, false},
		{"x264", ProviderAuto, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseProvider(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseProvider(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseProvider(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestProvider_Metadata(t *testing.T) {
	if ProviderFFmpeg.String() != "ffmpeg" || ProviderFFmpeg.Library() != "libavcodec" {
		t.Errorf("ffmpeg metadata = %s/%s", ProviderFFmpeg, ProviderFFmpeg.Library())
	}
	if ProviderOpenH264.Library() != "libmedia_h264" {
		t.Errorf("openh264 library = %s", ProviderOpenH264.Library())
	}
	if Provider(99).String() != "unknown" || Provider(99).Available() {
		t.Error("out of range provider must be unknown and unavailable")
	}
}

// withRegistry swaps the global backend registry for the duration of a test.
func withRegistry(t *testing.T, factories map[Provider]backendFactory) {
	t.Helper()

	backendRegistry.mu.Lock()
	saved := backendRegistry.factories
	backendRegistry.factories = make(map[Provider]backendFactory)
	backendRegistry.mu.Unlock()

	var savedAvail [providerCount]bool
	for p := range savedAvail {
		savedAvail[p] = providerAvailable[p].Load()
		providerAvailable[p].Store(false)
	}

	for p, f := range factories {
		registerBackend(p, f)
	}

	t.Cleanup(func() {
		backendRegistry.mu.Lock()
		backendRegistry.factories = saved
		backendRegistry.mu.Unlock()
		for p := range savedAvail {
			providerAvailable[p].Store(savedAvail[p])
		}
	})
}

func fakeFactory(f *fakeBackend) backendFactory {
	return func(TranscodeConfig) (codecBackend, error) { return f, nil }
}

func TestResolveBackend_AutoOrder(t *testing.T) {
	withRegistry(t, map[Provider]backendFactory{
		ProviderOpenH264: fakeFactory(&fakeBackend{}),
	})

	p, _, err := resolveBackend(ProviderAuto)
	if err != nil || p != ProviderOpenH264 {
		t.Fatalf("resolveBackend(auto) = %v, %v; want openh264", p, err)
	}
	if _, _, err := resolveBackend(ProviderFFmpeg); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("resolveBackend(ffmpeg) err = %v, want ErrProviderNotFound", err)
	}

	registerBackend(ProviderFFmpeg, fakeFactory(&fakeBackend{}))
	if p, _, _ := resolveBackend(ProviderAuto); p != ProviderFFmpeg {
		t.Errorf("auto resolved to %v, want ffmpeg", p)
	}
	if got := Providers(); len(got) != 2 || got[0] != ProviderFFmpeg {
		t.Errorf("Providers() = %v", got)
	}
}

func TestNewTranscoder_NoBackend(t *testing.T) {
	withRegistry(t, nil)

	_, err := NewTranscoder(TranscodeConfig{})
	if !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("err = %v, want ErrProviderNotFound", err)
	}
}

func TestNewTranscoder_FactoryError(t *testing.T) {
	withRegistry(t, map[Provider]backendFactory{
		ProviderFFmpeg: func(TranscodeConfig) (codecBackend, error) { return nil, ErrTranscodeSetup },
	})

	if _, err := NewTranscoder(TranscodeConfig{Provider: ProviderFFmpeg}); !errors.Is(err, ErrTranscodeSetup) {
		t.Errorf("err = %v, want ErrTranscodeSetup", err)
	}
}

func TestNewTranscoder_AppliesDefaults(t *testing.T) {
	var got TranscodeConfig
	withRegistry(t, map[Provider]backendFactory{
		ProviderFFmpeg: func(cfg TranscodeConfig) (codecBackend, error) {
			got = cfg
			return &fakeBackend{}, nil
		},
	})

	tr, err := NewTranscoder(TranscodeConfig{Width: 640, Height: 480})
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	if tr.Provider() != ProviderFFmpeg {
		t.Errorf("provider = %v", tr.Provider())
	}
	if got.FPS != DefaultFPS || got.Quality != DefaultQuality || got.Width != 640 {
		t.Errorf("factory config = %+v", got)
	}
}
