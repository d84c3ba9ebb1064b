//go:build !linux && !darwin

package kfilter

import (
	"fmt"
	"runtime"

	"firestige.xyz/divert/internal/config"
	"firestige.xyz/divert/internal/core"
)

// NewPlatform reports that no kernel filter exists on this platform.
func NewPlatform(cfg config.KernelConfig) (Channel, Extension, error) {
	return nil, nil, fmt.Errorf("kernel filter on %s: %w", runtime.GOOS, core.ErrUnsupportedPlatform)
}
