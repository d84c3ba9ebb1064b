package capture

import (
	"fmt"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"golang.org/x/net/bpf"
)

// CompileBPF compiles a filter expression into raw instructions for a socket filter.
func CompileBPF(linkType layers.LinkType, snapLen int, filter string) ([]bpf.RawInstruction, error) {
	pcapBpf, err := pcap.CompileBPFFilter(linkType, snapLen, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to compile BPF filter: %w", err)
	}

	rawBpf := make([]bpf.RawInstruction, len(pcapBpf))
	for i, ins := range pcapBpf {
		rawBpf[i] = bpf.RawInstruction{Op: ins.Code, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return rawBpf, nil
}

// packetOutgoing is the kernel pkt_type of a frame the host transmitted.
const packetOutgoing = 4

// DropOutgoing wraps prog so frames of packet type outgoing are rejected
// before prog runs. A nil prog accepts everything else up to snapLen bytes.
func DropOutgoing(prog []bpf.RawInstruction, snapLen int) ([]bpf.RawInstruction, error) {
	if len(prog) == 0 {
		if snapLen <= 0 {
			snapLen = 0xffff
		}
		accept, err := bpf.RetConstant{Val: uint32(snapLen)}.Assemble()
		if err != nil {
			return nil, err
		}
		prog = []bpf.RawInstruction{accept}
	}
	if len(prog) > 0xff {
		return nil, fmt.Errorf("filter of %d instructions is too long to wrap", len(prog))
	}

	head, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadExtension{Num: bpf.ExtType},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: packetOutgoing, SkipTrue: uint8(len(prog))},
	})
	if err != nil {
		return nil, err
	}
	reject, err := bpf.RetConstant{Val: 0}.Assemble()
	if err != nil {
		return nil, err
	}

	out := make([]bpf.RawInstruction, 0, len(head)+len(prog)+1)
	out = append(out, head...)
	out = append(out, prog...)
	return append(out, reject), nil
}
