//go:build !linux

package hw

import "errors"

// CdevLine is not available on non-Linux platforms.
type CdevLine struct{}

// OpenCdev returns an error on non-Linux platforms.
func OpenCdev(chipName string, offset int, timer *SoftTimer) (*CdevLine, error) {
	return nil, errors.New("gpio: character device not supported on this platform (requires Linux)")
}

// DriveLow is not implemented on non-Linux platforms.
func (l *CdevLine) DriveLow() error {
	return errors.New("gpio: not supported")
}

// Release is not implemented on non-Linux platforms.
func (l *CdevLine) Release() error {
	return errors.New("gpio: not supported")
}

// Close is not implemented on non-Linux platforms.
func (l *CdevLine) Close() error {
	return nil
}
