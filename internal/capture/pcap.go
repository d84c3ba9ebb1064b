package capture

import (
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

type pcapHandle struct {
	h *pcap.Handle
}

func openPcap(iface string, opts Options) (Handle, error) {
	inactive, err := pcap.NewInactiveHandle(iface)
	if err != nil {
		return nil, fmt.Errorf("pcap: %s: %w", iface, err)
	}
	defer inactive.CleanUp()

	if err := inactive.SetSnapLen(opts.SnapLen); err != nil {
		return nil, err
	}
	if err := inactive.SetPromisc(opts.Promiscuous); err != nil {
		return nil, err
	}
	if err := inactive.SetTimeout(opts.ReadTimeout); err != nil {
		return nil, err
	}
	if err := inactive.SetImmediateMode(true); err != nil {
		return nil, err
	}
	if opts.BufferSizeMB > 0 {
		if err := inactive.SetBufferSize(opts.BufferSizeMB * 1024 * 1024); err != nil {
			return nil, err
		}
	}

	h, err := inactive.Activate()
	if err != nil {
		return nil, fmt.Errorf("pcap: activate %s: %w", iface, err)
	}
	if opts.Filter != "" {
		if err := h.SetBPFFilter(opts.Filter); err != nil {
			h.Close()
			return nil, fmt.Errorf("pcap: filter %q: %w", opts.Filter, err)
		}
	}
	return &pcapHandle{h: h}, nil
}

func (p *pcapHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := p.h.ReadPacketData()
	if errors.Is(err, pcap.NextErrorTimeoutExpired) {
		return nil, ci, ErrReadTimeout
	}
	return data, ci, err
}

func (p *pcapHandle) WritePacketData(data []byte) error { return p.h.WritePacketData(data) }
func (p *pcapHandle) LinkType() layers.LinkType         { return p.h.LinkType() }
func (p *pcapHandle) Close()                            { p.h.Close() }
