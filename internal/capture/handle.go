// Package capture opens live capture handles and runs link monitors over them.
package capture

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Type selects the capture engine.
type Type string

const (
	TypePCAP     Type = "pcap"
	TypeAFPacket Type = "afpacket"
)

// ErrReadTimeout is returned by ReadPacketData when no frame arrived within the read timeout.
var ErrReadTimeout = errors.New("capture: read timeout")

// Handle is a live capture handle that can also transmit frames on its interface.
type Handle interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	WritePacketData(data []byte) error
	LinkType() layers.LinkType
	Close()
}

// Options configures a capture handle.
type Options struct {
	SnapLen      int
	Promiscuous  bool
	ReadTimeout  time.Duration
	BufferSizeMB int
	Filter       string // BPF expression, empty = none
	// SkipOutgoing drops frames the host sent itself. AF_PACKET sees both
	// copies of a loopback packet; libpcap already hides the outgoing one.
	SkipOutgoing bool
}

// DefaultOptions returns the options used for monitors: full snap length,
// promiscuous, short read timeout so the reader notices Stop.
func DefaultOptions() Options {
	return Options{
		SnapLen:      0xffff,
		Promiscuous:  true,
		ReadTimeout:  100 * time.Millisecond,
		BufferSizeMB: 8,
	}
}

// Opener opens a handle on the named interface.
type Opener func(iface string, opts Options) (Handle, error)

// NewOpener returns the opener for the capture type.
func NewOpener(t Type) (Opener, error) {
	switch t {
	case TypePCAP, "":
		return openPcap, nil
	case TypeAFPacket:
		return openAFPacket, nil
	default:
		return nil, fmt.Errorf("unsupported capture type: %s", t)
	}
}
