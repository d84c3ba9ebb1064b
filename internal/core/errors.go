// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w") and match with errors.Is.
var (
	// Packet decoding errors
	ErrPacketTooShort   = errors.New("divert: packet too short")
	ErrUnsupportedProto = errors.New("divert: unsupported protocol")
	ErrNotIPv4          = errors.New("divert: not an ipv4 packet")

	// Kernel-filter errors
	ErrMalformedRecord = errors.New("divert: malformed filter record")
	ErrNoPacket        = errors.New("divert: no packet queued")
	ErrChannelClosed   = errors.New("divert: filter channel closed")
	ErrUnknownPacketID = errors.New("divert: unknown packet id")

	// Lifecycle errors
	ErrStartTimeout = errors.New("divert: start timed out")
	ErrStopTimeout  = errors.New("divert: stop timed out")
	ErrInvalidState = errors.New("divert: invalid state transition")

	// Setup errors
	ErrIncompleteDescriptor = errors.New("divert: interface descriptor missing link addresses")
	ErrGatewayUnavailable   = errors.New("divert: gateway information unavailable")
	ErrUnsupportedPlatform  = errors.New("divert: unsupported on this platform")

	// Configuration errors
	ErrConfigInvalid = errors.New("divert: invalid configuration")
)
