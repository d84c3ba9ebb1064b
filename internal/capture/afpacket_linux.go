//go:build linux

package capture

import (
	"errors"
	"fmt"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/afpacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/bpf"
)

type afpacketHandle struct {
	tp *afpacket.TPacket
}

func openAFPacket(iface string, opts Options) (Handle, error) {
	frameSize, blockSize, numBlocks, err := recomputeSize(opts.BufferSizeMB, opts.SnapLen, os.Getpagesize())
	if err != nil {
		return nil, fmt.Errorf("afpacket: %w", err)
	}

	tp, err := afpacket.NewTPacket(
		afpacket.OptInterface(iface),
		afpacket.OptFrameSize(frameSize),
		afpacket.OptBlockSize(blockSize),
		afpacket.OptNumBlocks(numBlocks),
		afpacket.OptPollTimeout(opts.ReadTimeout),
		afpacket.SocketRaw,
		afpacket.TPacketVersion3,
	)
	if err != nil {
		return nil, fmt.Errorf("afpacket: %s: %w", iface, err)
	}

	var ins []bpf.RawInstruction
	if opts.Filter != "" {
		if ins, err = CompileBPF(layers.LinkTypeEthernet, frameSize, opts.Filter); err != nil {
			tp.Close()
			return nil, err
		}
	}
	if opts.SkipOutgoing {
		if ins, err = DropOutgoing(ins, opts.SnapLen); err != nil {
			tp.Close()
			return nil, fmt.Errorf("afpacket: %w", err)
		}
	}
	if len(ins) > 0 {
		if err := tp.SetBPF(ins); err != nil {
			tp.Close()
			return nil, fmt.Errorf("afpacket: set filter: %w", err)
		}
	}
	return &afpacketHandle{tp: tp}, nil
}

func (a *afpacketHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	data, ci, err := a.tp.ReadPacketData()
	if errors.Is(err, afpacket.ErrTimeout) {
		return nil, ci, ErrReadTimeout
	}
	return data, ci, err
}

func (a *afpacketHandle) WritePacketData(data []byte) error { return a.tp.WritePacketData(data) }

// AF_PACKET raw sockets deliver Ethernet framing on every Linux interface, lo included.
func (a *afpacketHandle) LinkType() layers.LinkType { return layers.LinkTypeEthernet }
func (a *afpacketHandle) Close()                    { a.tp.Close() }
