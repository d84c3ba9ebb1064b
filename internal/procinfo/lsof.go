package procinfo

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"

	"firestige.xyz/divert/internal/log"
	"firestige.xyz/divert/internal/packet"
	"firestige.xyz/divert/internal/utils"
)

// lsofBlock is the number of field lines lsof emits per open file with -F cLn.
const lsofBlock = 5

// Lsof attributes flows by asking lsof for sockets connected to the
// packet's destination. A socket counts only when one of its ends is a
// reserved redirect address.
type Lsof struct {
	Runner   utils.Runner
	reserved []netip.Addr
	logger   log.Logger
}

// NewLsof creates an lsof-backed resolver.
func NewLsof(reserved []netip.Addr) *Lsof {
	return &Lsof{
		Runner:   utils.ExecRunner{},
		reserved: reserved,
		logger:   log.GetLogger().WithField("component", "lsof"),
	}
}

func (l *Lsof) Lookup(ctx context.Context, pctx *packet.Context) (Process, bool) {
	if !pctx.Protocol.IsTransport() {
		return Process{}, false
	}

	sel := fmt.Sprintf("-i4%s@%s", pctx.Protocol, pctx.DstIP())
	if pctx.DstPort() != 0 {
		sel = fmt.Sprintf("%s:%d", sel, pctx.DstPort())
	}
	out, err := l.Runner.Output(ctx, "lsof", "-wnPF", "cLn", sel)
	if err != nil && len(out) == 0 {
		// lsof exits non-zero when nothing matches.
		l.logger.Tracef("lsof %s: %v", sel, err)
		return Process{}, false
	}

	for _, rec := range parseLsof(out) {
		if slices.Contains(l.reserved, rec.src) || slices.Contains(l.reserved, rec.dst) {
			return rec.proc, true
		}
	}
	return Process{}, false
}

type lsofRecord struct {
	proc         Process
	src, dst     netip.Addr
	sport, dport uint16
}

// parseLsof reads lsof -F output in fixed blocks of pid, command, login,
// fd and name lines. Trailing partial blocks and blocks whose name is not
// a connected IPv4 socket are skipped.
func parseLsof(out []byte) []lsofRecord {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	lines = lines[:len(lines)/lsofBlock*lsofBlock]

	var recs []lsofRecord
	for i := 0; i < len(lines); i += lsofBlock {
		if rec, ok := parseLsofBlock(lines[i : i+lsofBlock]); ok {
			recs = append(recs, rec)
		}
	}
	return recs
}

func parseLsofBlock(block []string) (lsofRecord, bool) {
	var rec lsofRecord
	var name string
	for _, line := range block {
		val := line[1:]
		switch line[0] {
		case 'p':
			pid, err := strconv.Atoi(val)
			if err != nil {
				return rec, false
			}
			rec.proc.PID = pid
		case 'c':
			rec.proc.Comm = val
		case 'n':
			name = val
		}
	}
	if rec.proc.PID == 0 || name == "" {
		return rec, false
	}

	srcEP, dstEP, ok := strings.Cut(name, "->")
	if !ok {
		return rec, false
	}
	src, err := netip.ParseAddrPort(srcEP)
	if err != nil {
		return rec, false
	}
	dst, err := netip.ParseAddrPort(dstEP)
	if err != nil {
		return rec, false
	}
	rec.src, rec.sport = src.Addr(), src.Port()
	rec.dst, rec.dport = dst.Addr(), dst.Port()
	return rec, true
}
