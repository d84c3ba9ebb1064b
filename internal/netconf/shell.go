package netconf

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"

	"firestige.xyz/divert/internal/utils"
)

var arpEntry = regexp.MustCompile(`\(([0-9.]+)\) at ([0-9a-fA-F:]+)`)

// Shell drives the BSD network tools (sysctl, route, ifconfig, arp).
// Mutating commands report success or failure only.
type Shell struct {
	Runner utils.Runner
}

// NewShell creates a controller that runs the system tools.
func NewShell() *Shell {
	return &Shell{Runner: utils.ExecRunner{}}
}

func (s *Shell) Forwarding(ctx context.Context) (bool, error) {
	out, err := s.Runner.Output(ctx, "sysctl", "net.inet.ip.forwarding")
	if err != nil {
		return false, err
	}
	_, v, ok := strings.Cut(string(out), ":")
	if !ok {
		return false, fmt.Errorf("unexpected sysctl output %q", strings.TrimSpace(string(out)))
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return false, fmt.Errorf("unexpected sysctl value %q", strings.TrimSpace(v))
	}
	return n != 0, nil
}

func (s *Shell) SetForwarding(ctx context.Context, enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	return s.Runner.Run(ctx, "sysctl", "-w", "net.inet.ip.forwarding="+v)
}

func (s *Shell) DefaultRoute(ctx context.Context) (Route, error) {
	out, err := s.Runner.Output(ctx, "route", "-n", "get", "default")
	if err != nil {
		// route exits non-zero when no default route exists.
		if len(out) == 0 {
			return Route{}, nil
		}
	}
	var r Route
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		key, val, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.TrimSpace(key) {
		case "gateway":
			if ip, err := netip.ParseAddr(val); err == nil {
				r.Gateway = ip
			}
		case "interface":
			r.Iface = val
		}
	}
	return r, nil
}

func (s *Shell) ChangeDefaultRoute(ctx context.Context, gw netip.Addr) error {
	return s.Runner.Run(ctx, "route", "-n", "change", "default", gw.String())
}

func (s *Shell) AddDefaultRoute(ctx context.Context, gw netip.Addr) error {
	return s.Runner.Run(ctx, "route", "-n", "add", "default", gw.String())
}

func (s *Shell) DeleteDefaultRoute(ctx context.Context) error {
	return s.Runner.Run(ctx, "route", "-n", "delete", "default")
}

func (s *Shell) AddAlias(ctx context.Context, iface string, ip netip.Addr) error {
	return s.Runner.Run(ctx, "ifconfig", iface, "alias", ip.String())
}

func (s *Shell) RemoveAlias(ctx context.Context, iface string, ip netip.Addr) error {
	return s.Runner.Run(ctx, "ifconfig", iface, "-alias", ip.String())
}

func (s *Shell) Neighbor(ctx context.Context, iface string, ip netip.Addr) (net.HardwareAddr, error) {
	out, err := s.Runner.Output(ctx, "arp", "-n", ip.String())
	if err != nil {
		return nil, err
	}
	for _, m := range arpEntry.FindAllStringSubmatch(string(out), -1) {
		if m[1] == ip.String() {
			return normalizeMAC(m[2])
		}
	}
	return nil, fmt.Errorf("no arp entry for %s on %s", ip, iface)
}
