package uvcout

import (
	"context"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DeviceInfo describes a V4L2 video node.
type DeviceInfo struct {
	Path      string // e.g. /dev/video10
	Driver    string // e.g. v4l2 loopback
	Label     string // card name
	BusInfo   string
	CanOutput bool // accepts written frames
}

// ListDevices queries every /dev/video* node. Nodes that cannot be opened
// or queried are skipped.
func ListDevices(ctx context.Context) ([]DeviceInfo, error) {
	return listDevices(ctx, devicePathPrefix+"*", openDeviceHandle)
}

// ListOutputDevices returns only the nodes that accept written frames.
func ListOutputDevices(ctx context.Context) ([]DeviceInfo, error) {
	all, err := ListDevices(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, d := range all {
		if d.CanOutput {
			out = append(out, d)
		}
	}
	return out, nil
}

func listDevices(ctx context.Context, pattern string, open func(string) (deviceHandle, error)) ([]DeviceInfo, error) {
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Slice(paths, func(i, j int) bool { return deviceIndexLess(paths[i], paths[j]) })

	var devices []DeviceInfo
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h, err := open(path)
		if err != nil {
			continue
		}
		caps, err := h.QueryCapabilities()
		h.Close()
		if err != nil {
			continue
		}
		devices = append(devices, DeviceInfo{
			Path:      path,
			Driver:    caps.Driver,
			Label:     caps.Card,
			BusInfo:   caps.BusInfo,
			CanOutput: caps.CanOutput(),
		})
	}
	return devices, nil
}

// deviceIndexLess orders /dev/video2 before /dev/video10.
func deviceIndexLess(a, b string) bool {
	na, errA := strconv.Atoi(strings.TrimLeftFunc(filepath.Base(a), isNotDigit))
	nb, errB := strconv.Atoi(strings.TrimLeftFunc(filepath.Base(b), isNotDigit))
	if errA != nil || errB != nil || na == nb {
		return a < b
	}
	return na < nb
}

func isNotDigit(r rune) bool {
	return r < '0' || r > '9'
}
