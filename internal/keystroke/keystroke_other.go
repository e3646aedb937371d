//go:build !windows

package keystroke

import "runtime"

// stubPlatform is used where the raw input API does not exist.
type stubPlatform struct{}

func newPlatform() Platform {
	return stubPlatform{}
}

// Available returns false on unsupported platforms.
func (stubPlatform) Available() (bool, string) {
	return false, "raw input capture is not implemented for " + runtime.GOOS
}

// CreateSurface returns ErrNotAvailable on unsupported platforms.
func (stubPlatform) CreateSurface(MessageHandler) (Surface, error) {
	return nil, ErrNotAvailable
}
