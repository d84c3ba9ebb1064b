package packet

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/divert/internal/core"
)

const ipv4HeaderMinLen = 20

// FromIPv4 decodes a bare IPv4 packet into a Context.
// The returned context owns copies of the decoded headers.
func FromIPv4(label string, data []byte) (*Context, error) {
	if len(data) < ipv4HeaderMinLen {
		return nil, core.ErrPacketTooShort
	}
	if data[0]>>4 != 4 {
		return nil, core.ErrNotIPv4
	}

	pkt := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.Default)
	ipLayer, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, core.ErrPacketTooShort
	}

	c := &Context{
		Label:    label,
		Protocol: core.ProtoOther,
		ToInject: true,
		ip:       *ipLayer,
	}
	c.srcIP, _ = netip.AddrFromSlice(ipLayer.SrcIP.To4())
	c.dstIP, _ = netip.AddrFromSlice(ipLayer.DstIP.To4())

	switch ipLayer.Protocol {
	case layers.IPProtocolTCP:
		tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok {
			return nil, core.ErrPacketTooShort
		}
		t := *tcp
		c.tcp = &t
		c.Protocol = core.ProtoTCP
		c.sport, c.dport = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	case layers.IPProtocolUDP:
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			return nil, core.ErrPacketTooShort
		}
		u := *udp
		c.udp = &u
		c.Protocol = core.ProtoUDP
		c.sport, c.dport = uint16(udp.SrcPort), uint16(udp.DstPort)
	case layers.IPProtocolICMPv4:
		if icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
			i := *icmp
			c.icmp = &i
		}
	}
	return c, nil
}

// FromFields builds a header-only Context from a filter record 5-tuple.
func FromFields(proto core.Protocol, src netip.Addr, sport uint16, dst netip.Addr, dport uint16) (*Context, error) {
	if !src.Is4() || !dst.Is4() {
		return nil, core.ErrNotIPv4
	}
	c := &Context{
		Protocol: proto,
		ToInject: true,
		ip: layers.IPv4{
			Version: 4,
			IHL:     5,
			TTL:     64,
			SrcIP:   src.AsSlice(),
			DstIP:   dst.AsSlice(),
		},
		srcIP: src,
		dstIP: dst,
		sport: sport,
		dport: dport,
	}
	switch proto {
	case core.ProtoTCP:
		c.ip.Protocol = layers.IPProtocolTCP
		c.tcp = &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), Window: 0xffff}
	case core.ProtoUDP:
		c.ip.Protocol = layers.IPProtocolUDP
		c.udp = &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	default:
		return nil, core.ErrUnsupportedProto
	}
	return c, nil
}
