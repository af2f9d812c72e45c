//go:build !linux

package uvcout

func openDeviceHandle(path string) (deviceHandle, error) {
	return nil, ErrNotSupported
}
