package uvcout

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Provider identifies a transcode backend implementation.
type Provider uint8

const (
	ProviderAuto     Provider = iota // Let the library choose the best available
	ProviderFFmpeg                   // libavcodec decode/encode, libswscale scaling (cgo)
	ProviderOpenH264                 // OpenH264 decode via purego, Go scaler and JPEG encoder
	providerCount
)

// providerMeta contains static metadata about a provider.
type providerMeta struct {
	Name    string
	Library string
}

var providerInfo = [providerCount]providerMeta{
	ProviderAuto:     {"auto", ""},
	ProviderFFmpeg:   {"ffmpeg", "libavcodec"},
	ProviderOpenH264: {"openh264", "libmedia_h264"},
}

// autoOrder is the preference order for ProviderAuto.
var autoOrder = []Provider{ProviderFFmpeg, ProviderOpenH264}

// Runtime availability - set by init() in backend implementations.
var providerAvailable [providerCount]atomic.Bool

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// Library returns the native library the provider depends on.
func (p Provider) Library() string {
	if p >= providerCount {
		return ""
	}
	return providerInfo[p].Library
}

// Available returns true if the provider is usable at runtime.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

// ParseProvider maps a provider name to a Provider.
func ParseProvider(name string) (Provider, error) {
	if name == "" {
		return ProviderAuto, nil
	}
	for p := Provider(0); p < providerCount; p++ {
		if strings.EqualFold(providerInfo[p].Name, name) {
			return p, nil
		}
	}
	return ProviderAuto, fmt.Errorf("unknown provider %q", name)
}

// setProviderAvailable marks a provider as available (called by implementations).
func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}

// --- Registry ---

type backendFactory func(TranscodeConfig) (codecBackend, error)

var backendRegistry = struct {
	mu        sync.RWMutex
	factories map[Provider]backendFactory
}{factories: make(map[Provider]backendFactory)}

// registerBackend registers a backend factory and marks the provider available.
func registerBackend(p Provider, factory backendFactory) {
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	backendRegistry.factories[p] = factory
	setProviderAvailable(p)
}

// resolveBackend returns the factory for p, resolving ProviderAuto.
func resolveBackend(p Provider) (Provider, backendFactory, error) {
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()

	if p == ProviderAuto {
		for _, candidate := range autoOrder {
			if f, ok := backendRegistry.factories[candidate]; ok && candidate.Available() {
				return candidate, f, nil
			}
		}
		return p, nil, fmt.Errorf("%w: no backend compiled in or loadable", ErrProviderNotFound)
	}

	f, ok := backendRegistry.factories[p]
	if !ok || !p.Available() {
		return p, nil, fmt.Errorf("%w: %s", ErrProviderNotFound, p)
	}
	return p, f, nil
}

// Providers returns the available transcode providers in preference order.
func Providers() []Provider {
	result := make([]Provider, 0, len(autoOrder))
	for _, p := range autoOrder {
		if p.Available() {
			result = append(result, p)
		}
	}
	return result
}
