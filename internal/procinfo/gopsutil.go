package procinfo

import (
	"context"
	"net/netip"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"firestige.xyz/divert/internal/log"
	"firestige.xyz/divert/internal/packet"
)

// Gopsutil attributes flows by matching the packet's endpoints against the
// OS connection table.
type Gopsutil struct {
	connections func(ctx context.Context, kind string) ([]gnet.ConnectionStat, error)
	procName    func(ctx context.Context, pid int32) (string, error)
	logger      log.Logger
}

// NewGopsutil creates a resolver backed by gopsutil.
func NewGopsutil() *Gopsutil {
	return &Gopsutil{
		connections: gnet.ConnectionsWithContext,
		procName: func(ctx context.Context, pid int32) (string, error) {
			p, err := process.NewProcessWithContext(ctx, pid)
			if err != nil {
				return "", err
			}
			return p.NameWithContext(ctx)
		},
		logger: log.GetLogger().WithField("component", "gopsutil"),
	}
}

func (g *Gopsutil) Lookup(ctx context.Context, pctx *packet.Context) (Process, bool) {
	if !pctx.Protocol.IsTransport() {
		return Process{}, false
	}
	conns, err := g.connections(ctx, string(pctx.Protocol)+"4")
	if err != nil {
		g.logger.WithError(err).Debug("failed to list connections")
		return Process{}, false
	}

	src := netip.AddrPortFrom(pctx.SrcIP(), pctx.SrcPort())
	dst := netip.AddrPortFrom(pctx.DstIP(), pctx.DstPort())
	for _, c := range conns {
		if c.Pid == 0 {
			continue
		}
		local, lok := addrPort(c.Laddr)
		remote, rok := addrPort(c.Raddr)
		if !lok {
			continue
		}
		// Either end of the packet may be the local socket.
		outbound := local == src && (!rok || remote == dst || remote.Port() == 0)
		inbound := local == dst && (!rok || remote == src || remote.Port() == 0)
		if !outbound && !inbound {
			continue
		}

		proc := Process{PID: int(c.Pid)}
		if name, err := g.procName(ctx, c.Pid); err == nil {
			proc.Comm = name
		}
		return proc, true
	}
	return Process{}, false
}

func addrPort(a gnet.Addr) (netip.AddrPort, bool) {
	ip, err := netip.ParseAddr(a.IP)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), uint16(a.Port)), true
}

// LocalAddrs lists every IPv4 address configured on the host.
func LocalAddrs(ctx context.Context) ([]netip.Addr, error) {
	ifaces, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	var addrs []netip.Addr
	for _, iface := range ifaces {
		for _, a := range iface.Addrs {
			prefix, err := netip.ParsePrefix(a.Addr)
			if err != nil {
				continue
			}
			if ip := prefix.Addr(); ip.Is4() {
				addrs = append(addrs, ip)
			}
		}
	}
	return addrs, nil
}
