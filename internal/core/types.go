// Package core defines core types with zero external dependencies.
package core

import (
	"fmt"
	"net/netip"
	"strings"
)

// Protocol is the transport protocol label carried by a packet context.
// Anything other than TCP or UDP is carried as ProtoOther.
type Protocol string

const (
	ProtoTCP   Protocol = "tcp"
	ProtoUDP   Protocol = "udp"
	ProtoOther Protocol = ""
)

// IP protocol numbers.
const (
	IPProtoICMP uint8 = 1
	IPProtoTCP  uint8 = 6
	IPProtoUDP  uint8 = 17
)

// ParseProtocol maps a case-insensitive name to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(s) {
	case "tcp":
		return ProtoTCP, nil
	case "udp":
		return ProtoUDP, nil
	default:
		return ProtoOther, fmt.Errorf("%w: %q", ErrUnsupportedProto, s)
	}
}

// IsTransport reports whether p is TCP or UDP.
func (p Protocol) IsTransport() bool {
	return p == ProtoTCP || p == ProtoUDP
}

// IPProto returns the IP protocol number, 0 for ProtoOther.
func (p Protocol) IPProto() uint8 {
	switch p {
	case ProtoTCP:
		return IPProtoTCP
	case ProtoUDP:
		return IPProtoUDP
	}
	return 0
}

// Direction of a packet relative to the local host.
type Direction string

const (
	DirectionOut Direction = "out"
	DirectionIn  Direction = "in"
)

// Endpoint is the flow-endpoint fingerprint (protocol, ip, port).
// It is comparable and used as a map / cache key.
type Endpoint struct {
	Proto Protocol
	IP    netip.Addr
	Port  uint16
}

// NewEndpoint builds an Endpoint.
func NewEndpoint(proto Protocol, ip netip.Addr, port uint16) Endpoint {
	return Endpoint{Proto: proto, IP: ip, Port: port}
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s/%s", e.Proto, netip.AddrPortFrom(e.IP, e.Port))
}
