// Package inject writes rewritten IPv4 packets back onto a link.
package inject

import (
	"bytes"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/log"
	"firestige.xyz/divert/internal/metrics"
	"firestige.xyz/divert/internal/packet"
)

// Descriptor describes the interface an Injector transmits on.
type Descriptor struct {
	Name             string
	HardwareAddr     net.HardwareAddr // local link address
	PeerHardwareAddr net.HardwareAddr // next hop link address (gateway)
	Loopback         bool
	LinkType         layers.LinkType // link type of the transmitting handle
}

// Writer transmits one link-layer frame.
type Writer interface {
	WritePacketData(data []byte) error
}

// Injector frames IPv4 packets for its interface and writes them.
type Injector struct {
	desc    Descriptor
	framing packet.Framing
	w       Writer
	logger  log.Logger
}

// New validates the descriptor and binds the writer.
// A non-loopback interface needs both link addresses.
func New(desc Descriptor, w Writer) (*Injector, error) {
	framing := packet.FramingFor(desc.LinkType)
	if !desc.Loopback {
		if len(desc.HardwareAddr) == 0 || len(desc.PeerHardwareAddr) == 0 {
			return nil, fmt.Errorf("%s: %w", desc.Name, core.ErrIncompleteDescriptor)
		}
		framing = packet.FramingEthernet
	}
	return &Injector{
		desc:    desc,
		framing: framing,
		w:       w,
		logger:  log.GetLogger().WithField("injector", desc.Name),
	}, nil
}

func (i *Injector) Name() string { return i.desc.Name }

// Frame wraps an IPv4 packet in the link-layer header of the interface.
func (i *Injector) Frame(ipBytes []byte) ([]byte, error) {
	switch i.framing {
	case packet.FramingNull:
		frame := make([]byte, 0, len(packet.NullHeader)+len(ipBytes))
		frame = append(frame, packet.NullHeader...)
		return append(frame, ipBytes...), nil
	case packet.FramingEthernet:
		src, dst := i.desc.HardwareAddr, i.desc.PeerHardwareAddr
		if i.desc.Loopback {
			// Linux lo carries Ethernet framing with all-zero addresses.
			src, dst = make(net.HardwareAddr, 6), make(net.HardwareAddr, 6)
		}
		eth := &layers.Ethernet{SrcMAC: src, DstMAC: dst, EthernetType: layers.EthernetTypeIPv4}
		buf := gopacket.NewSerializeBuffer()
		if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, eth, gopacket.Payload(ipBytes)); err != nil {
			return nil, err
		}
		return bytes.Clone(buf.Bytes()), nil
	default:
		return ipBytes, nil
	}
}

// Inject frames and transmits ipBytes. Failures are logged and counted,
// never returned: injection is fire and forget.
func (i *Injector) Inject(ipBytes []byte) {
	frame, err := i.Frame(ipBytes)
	if err == nil {
		err = i.w.WritePacketData(frame)
	}
	if err != nil {
		metrics.InjectErrorsTotal.WithLabelValues(i.desc.Name).Inc()
		i.logger.WithError(err).Warn("inject failed")
		return
	}
	metrics.InjectedPacketsTotal.WithLabelValues(i.desc.Name).Inc()
}
