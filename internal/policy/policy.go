// Package policy is the default diversion policy: which traffic is left
// alone, where diverted traffic goes, and how replies are translated back.
package policy

import (
	"net/netip"
	"os"
	"slices"
	"strings"

	"firestige.xyz/divert/internal/config"
	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/flowcache"
	"firestige.xyz/divert/internal/log"
	"firestige.xyz/divert/internal/packet"
	"firestige.xyz/divert/internal/procinfo"
)

// Framework is the policy surface rule chains call into. Every method
// except ShouldIgnore has the rule signature and may rewrite pctx.
type Framework interface {
	ShouldIgnore(pctx *packet.Context, proc procinfo.Process) bool
	CheckLogICMP(pctx *packet.Context, proc procinfo.Process)
	MaybeRedirIP(pctx *packet.Context, proc procinfo.Process)
	MaybeRedirPort(pctx *packet.Context, proc procinfo.Process)
	MaybeFixupSport(pctx *packet.Context, proc procinfo.Process)
	MaybeFixupSrcIP(pctx *packet.Context, proc procinfo.Process)
}

// Default implements Framework from configuration.
type Default struct {
	cfg    config.PolicyConfig
	target netip.Addr
	local  []netip.Addr
	ownPID int

	ignorePIDs  map[int]struct{}
	ignoreProcs map[string]struct{}
	ignoreHosts map[netip.Addr]struct{}
	ignorePorts map[core.Endpoint]struct{} // IP unset
	listeners   map[core.Endpoint]struct{} // IP unset
	defaults    map[core.Protocol]uint16

	ipFwd   *flowcache.Table[netip.Addr]
	portFwd *flowcache.Table[uint16]
	logger  log.Logger
}

// New builds the policy. target is where redirected traffic is sent and
// local lists the host's own addresses, which are never redirected.
func New(cfg config.PolicyConfig, target netip.Addr, local []netip.Addr) *Default {
	d := &Default{
		cfg:         cfg,
		target:      target,
		local:       local,
		ownPID:      os.Getpid(),
		ignorePIDs:  make(map[int]struct{}),
		ignoreProcs: make(map[string]struct{}),
		ignoreHosts: make(map[netip.Addr]struct{}),
		ignorePorts: make(map[core.Endpoint]struct{}),
		listeners:   make(map[core.Endpoint]struct{}),
		defaults:    make(map[core.Protocol]uint16),
		ipFwd:       flowcache.NewTable[netip.Addr](cfg.TableSize, cfg.TableTTL),
		portFwd:     flowcache.NewTable[uint16](cfg.TableSize, cfg.TableTTL),
		logger:      log.GetLogger().WithField("component", "policy"),
	}

	for _, pid := range cfg.Ignore.PIDs {
		d.ignorePIDs[pid] = struct{}{}
	}
	for _, name := range cfg.Ignore.Processes {
		d.ignoreProcs[strings.ToLower(name)] = struct{}{}
	}
	for _, h := range cfg.Ignore.Hosts {
		if ip, err := netip.ParseAddr(h); err == nil {
			d.ignoreHosts[ip] = struct{}{}
		}
	}
	for name, ports := range cfg.Ignore.Ports {
		proto, err := core.ParseProtocol(name)
		if err != nil {
			continue
		}
		for _, p := range ports {
			d.ignorePorts[core.Endpoint{Proto: proto, Port: p}] = struct{}{}
		}
	}
	for _, l := range cfg.Listeners {
		if proto, err := core.ParseProtocol(l.Protocol); err == nil {
			d.listeners[core.Endpoint{Proto: proto, Port: l.Port}] = struct{}{}
		}
	}
	for name, port := range cfg.DefaultListeners {
		if proto, err := core.ParseProtocol(name); err == nil {
			d.defaults[proto] = port
			d.listeners[core.Endpoint{Proto: proto, Port: port}] = struct{}{}
		}
	}
	return d
}

// ShouldIgnore reports whether the packet must pass through untouched.
func (d *Default) ShouldIgnore(pctx *packet.Context, proc procinfo.Process) bool {
	if proc.PID != 0 {
		if proc.PID == d.ownPID {
			return true
		}
		if _, ok := d.ignorePIDs[proc.PID]; ok {
			return true
		}
	}
	if proc.Comm != "" {
		if _, ok := d.ignoreProcs[strings.ToLower(proc.Comm)]; ok {
			return true
		}
	}
	if _, ok := d.ignoreHosts[pctx.DstIP()]; ok {
		return true
	}
	if _, ok := d.ignoreHosts[pctx.SrcIP()]; ok {
		return true
	}
	if pctx.Protocol.IsTransport() {
		if _, ok := d.ignorePorts[core.Endpoint{Proto: pctx.Protocol, Port: pctx.DstPort()}]; ok {
			return true
		}
		if _, ok := d.ignorePorts[core.Endpoint{Proto: pctx.Protocol, Port: pctx.SrcPort()}]; ok {
			return true
		}
	}
	return false
}

// CheckLogICMP logs ICMP packets.
func (d *Default) CheckLogICMP(pctx *packet.Context, proc procinfo.Process) {
	if !d.cfg.LogICMP {
		return
	}
	if typ, code, ok := pctx.ICMPTypeCode(); ok {
		d.logger.Infof("ICMP %s -> %s type %d code %d (%s)", pctx.SrcIP(), pctx.DstIP(), typ, code, proc)
	}
}

func (d *Default) isLocal(ip netip.Addr) bool {
	return ip.IsLoopback() || ip == d.target || slices.Contains(d.local, ip)
}

// MaybeRedirIP sends outbound traffic for foreign hosts to the redirect
// target, remembering the original destination per source endpoint.
func (d *Default) MaybeRedirIP(pctx *packet.Context, proc procinfo.Process) {
	if !d.cfg.RedirectAll || d.isLocal(pctx.DstIP()) || d.ShouldIgnore(pctx, proc) {
		return
	}
	d.ipFwd.Put(pctx.SrcEndpoint(), pctx.DstIP())
	d.logger.Debugf("redirect %s -> %s to %s (%s)", pctx.SrcEndpoint(), pctx.DstEndpoint(), d.target, proc)
	pctx.SetDstIP(d.target)
}

// MaybeRedirPort moves local traffic for a port nobody listens on to the
// protocol's default listener, remembering the original port.
func (d *Default) MaybeRedirPort(pctx *packet.Context, proc procinfo.Process) {
	if !d.isLocal(pctx.DstIP()) || d.ShouldIgnore(pctx, proc) {
		return
	}
	def, ok := d.defaults[pctx.Protocol]
	if !ok {
		return
	}
	if _, bound := d.listeners[core.Endpoint{Proto: pctx.Protocol, Port: pctx.DstPort()}]; bound {
		return
	}
	d.portFwd.Put(pctx.SrcEndpoint(), pctx.DstPort())
	pctx.SetDstPort(def)
}

// MaybeFixupSport restores the source port of a reply whose request was
// port-redirected.
func (d *Default) MaybeFixupSport(pctx *packet.Context, proc procinfo.Process) {
	if orig, ok := d.portFwd.Get(pctx.DstEndpoint()); ok {
		pctx.SetSrcPort(orig)
	}
}

// MaybeFixupSrcIP restores the source address of a reply whose request was
// IP-redirected.
func (d *Default) MaybeFixupSrcIP(pctx *packet.Context, proc procinfo.Process) {
	if orig, ok := d.ipFwd.Get(pctx.DstEndpoint()); ok {
		pctx.SetSrcIP(orig)
	}
}
