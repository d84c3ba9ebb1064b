// Package packet holds the mutable in-flight representation of one IPv4 packet.
package packet

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket/layers"

	"firestige.xyz/divert/internal/core"
)

// Meta is the kernel-filter metadata carried with a packet and echoed back
// in the disposition.
type Meta struct {
	ID        uint32
	Direction core.Direction
	IPVersion int
	PID       int
	ProcName  string
}

// Context is one packet moving through the rule chain.
//
// Rules read and rewrite addressing through the accessors; any change marks
// the context mangled. Once ToInject is false no further rule runs.
type Context struct {
	Label    string
	Protocol core.Protocol
	ToInject bool
	Meta     *Meta

	ip   layers.IPv4
	tcp  *layers.TCP
	udp  *layers.UDP
	icmp *layers.ICMPv4

	srcIP, dstIP netip.Addr
	sport, dport uint16
	mangled      bool
}

func (c *Context) SrcIP() netip.Addr { return c.srcIP }
func (c *Context) DstIP() netip.Addr { return c.dstIP }
func (c *Context) SrcPort() uint16   { return c.sport }
func (c *Context) DstPort() uint16   { return c.dport }

// Mangled reports whether any address or port was rewritten.
func (c *Context) Mangled() bool { return c.mangled }

func (c *Context) SetSrcIP(ip netip.Addr) {
	if ip != c.srcIP {
		c.srcIP = ip
		c.mangled = true
	}
}

func (c *Context) SetDstIP(ip netip.Addr) {
	if ip != c.dstIP {
		c.dstIP = ip
		c.mangled = true
	}
}

func (c *Context) SetSrcPort(port uint16) {
	if port != c.sport {
		c.sport = port
		c.mangled = true
	}
}

func (c *Context) SetDstPort(port uint16) {
	if port != c.dport {
		c.dport = port
		c.mangled = true
	}
}

// SrcEndpoint returns (protocol, src ip, src port).
func (c *Context) SrcEndpoint() core.Endpoint {
	return core.NewEndpoint(c.Protocol, c.srcIP, c.sport)
}

// DstEndpoint returns (protocol, dst ip, dst port).
func (c *Context) DstEndpoint() core.Endpoint {
	return core.NewEndpoint(c.Protocol, c.dstIP, c.dport)
}

// IPProto returns the IP protocol number from the header.
func (c *Context) IPProto() uint8 { return uint8(c.ip.Protocol) }

func (c *Context) IsICMP() bool { return c.icmp != nil }

// ICMPTypeCode returns the ICMP type and code when the packet is ICMP.
func (c *Context) ICMPTypeCode() (typ, code uint8, ok bool) {
	if c.icmp == nil {
		return 0, 0, false
	}
	return c.icmp.TypeCode.Type(), c.icmp.TypeCode.Code(), true
}

// Payload returns the transport payload (the IP payload for other protocols).
func (c *Context) Payload() []byte {
	switch {
	case c.tcp != nil:
		return c.tcp.Payload
	case c.udp != nil:
		return c.udp.Payload
	}
	return c.ip.Payload
}

func (c *Context) String() string {
	proto := string(c.Protocol)
	if proto == "" {
		proto = fmt.Sprintf("ip/%d", c.IPProto())
	}
	if !c.Protocol.IsTransport() {
		return fmt.Sprintf("%s %s->%s", proto, c.srcIP, c.dstIP)
	}
	return fmt.Sprintf("%s %s->%s", proto,
		netip.AddrPortFrom(c.srcIP, c.sport), netip.AddrPortFrom(c.dstIP, c.dport))
}
