package packet

import (
	"encoding/binary"

	"github.com/google/gopacket/layers"

	"firestige.xyz/divert/internal/core"
)

// Framing is the link-layer encapsulation of a capture or injection handle.
type Framing int

const (
	FramingRaw      Framing = iota // bare IP
	FramingNull                    // 4-byte address-family pseudo-header (BSD loopback)
	FramingEthernet                // Ethernet II, optionally VLAN tagged
)

const (
	nullHeaderLen     = 4
	ethernetHeaderLen = 14
	vlanHeaderLen     = 4

	etherTypeIPv4 = 0x0800
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8

	afInet = 2
)

// NullHeader is the loopback pseudo-header for AF_INET in host byte order.
var NullHeader = []byte{0x02, 0x00, 0x00, 0x00}

// FramingFor maps a handle link type to its framing.
func FramingFor(lt layers.LinkType) Framing {
	switch lt {
	case layers.LinkTypeNull, layers.LinkTypeLoop:
		return FramingNull
	case layers.LinkTypeEthernet:
		return FramingEthernet
	default:
		return FramingRaw
	}
}

func (f Framing) String() string {
	switch f {
	case FramingNull:
		return "null"
	case FramingEthernet:
		return "ethernet"
	}
	return "raw"
}

// Decapsulate strips the link-layer header and returns the IPv4 packet bytes.
func Decapsulate(f Framing, data []byte) ([]byte, error) {
	switch f {
	case FramingNull:
		if len(data) < nullHeaderLen {
			return nil, core.ErrPacketTooShort
		}
		// Family is host order on DLT_NULL and network order on DLT_LOOP.
		if binary.LittleEndian.Uint32(data) != afInet && binary.BigEndian.Uint32(data) != afInet {
			return nil, core.ErrNotIPv4
		}
		return data[nullHeaderLen:], nil
	case FramingEthernet:
		return stripEthernet(data)
	default:
		return data, nil
	}
}

func stripEthernet(data []byte) ([]byte, error) {
	if len(data) < ethernetHeaderLen {
		return nil, core.ErrPacketTooShort
	}
	etherType := binary.BigEndian.Uint16(data[12:14])
	offset := ethernetHeaderLen

	for etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(data) < offset+vlanHeaderLen {
			return nil, core.ErrPacketTooShort
		}
		etherType = binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += vlanHeaderLen
	}

	if etherType != etherTypeIPv4 {
		return nil, core.ErrNotIPv4
	}
	return data[offset:], nil
}
