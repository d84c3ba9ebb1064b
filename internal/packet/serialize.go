package packet

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// Bytes re-serialises the packet with the current addressing.
// TCP sequence/ack numbers, flags, window, options and payload are preserved,
// as are UDP payloads. Lengths and checksums are recomputed.
func (c *Context) Bytes() ([]byte, error) {
	ip := c.ip
	ip.SrcIP = c.srcIP.AsSlice()
	ip.DstIP = c.dstIP.AsSlice()

	buf := gopacket.NewSerializeBuffer()
	var err error
	switch {
	case c.tcp != nil:
		tcp := *c.tcp
		tcp.SrcPort = layers.TCPPort(c.sport)
		tcp.DstPort = layers.TCPPort(c.dport)
		if err = tcp.SetNetworkLayerForChecksum(&ip); err != nil {
			return nil, err
		}
		err = gopacket.SerializeLayers(buf, serializeOpts, &ip, &tcp, gopacket.Payload(tcp.Payload))
	case c.udp != nil:
		udp := *c.udp
		udp.SrcPort = layers.UDPPort(c.sport)
		udp.DstPort = layers.UDPPort(c.dport)
		if err = udp.SetNetworkLayerForChecksum(&ip); err != nil {
			return nil, err
		}
		err = gopacket.SerializeLayers(buf, serializeOpts, &ip, &udp, gopacket.Payload(udp.Payload))
	default:
		err = gopacket.SerializeLayers(buf, serializeOpts, &ip, gopacket.Payload(ip.Payload))
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
