package netconf

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"

	gnet "github.com/shirou/gopsutil/v3/net"

	"firestige.xyz/divert/internal/core"
)

// Uplink describes the interface carrying the default route.
type Uplink struct {
	Name                string
	HardwareAddr        net.HardwareAddr
	Addr                netip.Addr
	Gateway             netip.Addr
	GatewayHardwareAddr net.HardwareAddr
}

// Interface is the subset of an OS interface record discovery needs.
type Interface struct {
	Name         string
	HardwareAddr net.HardwareAddr
	Addrs        []netip.Addr
}

// InterfaceLister enumerates host interfaces.
type InterfaceLister func(ctx context.Context) ([]Interface, error)

// SystemInterfaces lists interfaces through gopsutil.
func SystemInterfaces(ctx context.Context) ([]Interface, error) {
	stats, err := gnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	ifaces := make([]Interface, 0, len(stats))
	for _, s := range stats {
		iface := Interface{Name: s.Name}
		if s.HardwareAddr != "" {
			if mac, err := net.ParseMAC(s.HardwareAddr); err == nil {
				iface.HardwareAddr = mac
			}
		}
		for _, a := range s.Addrs {
			if p, err := netip.ParsePrefix(a.Addr); err == nil {
				iface.Addrs = append(iface.Addrs, p.Addr())
			} else if ip, err := netip.ParseAddr(a.Addr); err == nil {
				iface.Addrs = append(iface.Addrs, ip)
			}
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}

// Discover resolves the uplink interface, its address, the default gateway
// and both link addresses. name overrides the default-route interface.
// Missing gateway information is ErrGatewayUnavailable.
func Discover(ctx context.Context, c Controller, list InterfaceLister, name string) (*Uplink, error) {
	route, err := c.DefaultRoute(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrGatewayUnavailable, err)
	}
	if !route.Gateway.IsValid() {
		return nil, fmt.Errorf("%w: no default gateway", core.ErrGatewayUnavailable)
	}
	if name == "" {
		name = route.Iface
	}
	if name == "" {
		return nil, fmt.Errorf("%w: default route has no interface", core.ErrGatewayUnavailable)
	}

	ifaces, err := list(ctx)
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var iface *Interface
	for i := range ifaces {
		if ifaces[i].Name == name {
			iface = &ifaces[i]
			break
		}
	}
	if iface == nil {
		return nil, fmt.Errorf("%w: interface %q not found", core.ErrGatewayUnavailable, name)
	}

	up := &Uplink{
		Name:         name,
		HardwareAddr: iface.HardwareAddr,
		Addr:         route.Addr,
		Gateway:      route.Gateway,
	}
	if !up.Addr.IsValid() || name != route.Iface {
		up.Addr = firstIPv4(iface.Addrs)
	}
	if !up.Addr.IsValid() {
		return nil, fmt.Errorf("%w: %s has no IPv4 address", core.ErrGatewayUnavailable, name)
	}

	mac, err := c.Neighbor(ctx, name, route.Gateway)
	if err != nil {
		return nil, fmt.Errorf("%w: gateway %s link address: %v", core.ErrGatewayUnavailable, route.Gateway, err)
	}
	up.GatewayHardwareAddr = mac
	return up, nil
}

func firstIPv4(addrs []netip.Addr) netip.Addr {
	for _, a := range addrs {
		if a.Is4() && !a.IsLoopback() {
			return a
		}
	}
	return netip.Addr{}
}

// normalizeMAC pads octets BSD tools print without leading zeros (0:1c:42:0:0:8).
func normalizeMAC(s string) (net.HardwareAddr, error) {
	parts := strings.Split(s, ":")
	for i, p := range parts {
		if len(p) == 1 {
			parts[i] = "0" + p
		}
	}
	return net.ParseMAC(strings.Join(parts, ":"))
}
