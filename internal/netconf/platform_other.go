//go:build !linux

package netconf

// NewPlatform returns the controller for this host.
func NewPlatform() Controller { return NewShell() }
