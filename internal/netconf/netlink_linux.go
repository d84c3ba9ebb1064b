//go:build linux

package netconf

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	"github.com/vishvananda/netlink"
)

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// Netlink manages routes, addresses and neighbours over rtnetlink.
type Netlink struct {
	forwardPath string
}

// NewNetlink creates a controller backed by rtnetlink.
func NewNetlink() *Netlink {
	return &Netlink{forwardPath: ipForwardPath}
}

func (n *Netlink) Forwarding(ctx context.Context) (bool, error) {
	b, err := os.ReadFile(n.forwardPath)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(b)) == "1", nil
}

func (n *Netlink) SetForwarding(ctx context.Context, enabled bool) error {
	v := []byte("0\n")
	if enabled {
		v = []byte("1\n")
	}
	return os.WriteFile(n.forwardPath, v, 0644)
}

func isDefault(r netlink.Route) bool {
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0 && r.Dst.IP.IsUnspecified()
}

func (n *Netlink) defaultRoute() (*netlink.Route, error) {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	for i := range routes {
		if isDefault(routes[i]) && routes[i].Table <= 0xff {
			return &routes[i], nil
		}
	}
	return nil, nil
}

func (n *Netlink) DefaultRoute(ctx context.Context) (Route, error) {
	r, err := n.defaultRoute()
	if err != nil || r == nil {
		return Route{}, err
	}
	var out Route
	if link, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
		out.Iface = link.Attrs().Name
	}
	if ip, ok := netip.AddrFromSlice(r.Gw.To4()); ok {
		out.Gateway = ip
	}
	if ip, ok := netip.AddrFromSlice(r.Src.To4()); ok {
		out.Addr = ip
	}
	out.Metric = r.Priority
	return out, nil
}

// nextHop builds a default route through gw, pinned onlink to whichever
// link owns or routes gw, so a gateway aliased on loopback is accepted.
func nextHop(gw netip.Addr) (*netlink.Route, error) {
	ip := net.IP(gw.AsSlice())
	idx := 0
	if addrs, err := netlink.AddrList(nil, netlink.FAMILY_V4); err == nil {
		for _, a := range addrs {
			if a.IP.Equal(ip) {
				idx = a.LinkIndex
				break
			}
		}
	}
	if idx == 0 {
		routes, err := netlink.RouteGet(ip)
		if err != nil || len(routes) == 0 {
			return nil, fmt.Errorf("no route to gateway %s: %v", gw, err)
		}
		idx = routes[0].LinkIndex
	}
	return &netlink.Route{
		LinkIndex: idx,
		Gw:        ip,
		Flags:     int(netlink.FLAG_ONLINK),
	}, nil
}

// replacing keeps the kernel's identity of cur (table and metric) on the
// new route, so RouteReplace swaps cur instead of adding a sibling default.
func replacing(cur, route *netlink.Route) *netlink.Route {
	route.Table = cur.Table
	route.Priority = cur.Priority
	return route
}

func (n *Netlink) ChangeDefaultRoute(ctx context.Context, gw netip.Addr) error {
	cur, err := n.defaultRoute()
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("no default route to change")
	}
	route, err := nextHop(gw)
	if err != nil {
		return err
	}
	return netlink.RouteReplace(replacing(cur, route))
}

func (n *Netlink) AddDefaultRoute(ctx context.Context, gw netip.Addr) error {
	route, err := nextHop(gw)
	if err != nil {
		return err
	}
	return netlink.RouteAdd(route)
}

func (n *Netlink) DeleteDefaultRoute(ctx context.Context) error {
	r, err := n.defaultRoute()
	if err != nil {
		return err
	}
	if r == nil {
		return nil
	}
	return netlink.RouteDel(r)
}

func hostAddr(ip netip.Addr) *netlink.Addr {
	return &netlink.Addr{IPNet: &net.IPNet{IP: net.IP(ip.AsSlice()), Mask: net.CIDRMask(32, 32)}}
}

func (n *Netlink) AddAlias(ctx context.Context, iface string, ip netip.Addr) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("interface %s not found: %w", iface, err)
	}
	if err := netlink.AddrAdd(link, hostAddr(ip)); err != nil {
		return fmt.Errorf("add %s to %s: %w", ip, iface, err)
	}
	return nil
}

func (n *Netlink) RemoveAlias(ctx context.Context, iface string, ip netip.Addr) error {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("interface %s not found: %w", iface, err)
	}
	if err := netlink.AddrDel(link, hostAddr(ip)); err != nil {
		return fmt.Errorf("remove %s from %s: %w", ip, iface, err)
	}
	return nil
}

func (n *Netlink) Neighbor(ctx context.Context, iface string, ip netip.Addr) (net.HardwareAddr, error) {
	link, err := netlink.LinkByName(iface)
	if err != nil {
		return nil, fmt.Errorf("interface %s not found: %w", iface, err)
	}
	neighs, err := netlink.NeighList(link.Attrs().Index, netlink.FAMILY_V4)
	if err != nil {
		return nil, fmt.Errorf("list neighbours on %s: %w", iface, err)
	}
	target := net.IP(ip.AsSlice())
	for _, nb := range neighs {
		if nb.IP.Equal(target) && len(nb.HardwareAddr) > 0 {
			return nb.HardwareAddr, nil
		}
	}
	return nil, fmt.Errorf("no neighbour entry for %s on %s", ip, iface)
}
