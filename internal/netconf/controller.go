// Package netconf reads and mutates the host network configuration the
// diverter depends on: IP forwarding, the default route and loopback aliases.
package netconf

import (
	"context"
	"net"
	"net/netip"
)

// Route is the current default route. Gateway is the zero Addr when the
// host has no default gateway.
type Route struct {
	Iface   string
	Addr    netip.Addr // address of Iface, when the platform reports it
	Gateway netip.Addr
	Metric  int // 0 where the platform does not report one
}

// Controller is the host network configuration surface.
type Controller interface {
	Forwarding(ctx context.Context) (bool, error)
	SetForwarding(ctx context.Context, enabled bool) error

	DefaultRoute(ctx context.Context) (Route, error)
	ChangeDefaultRoute(ctx context.Context, gw netip.Addr) error
	AddDefaultRoute(ctx context.Context, gw netip.Addr) error
	DeleteDefaultRoute(ctx context.Context) error

	AddAlias(ctx context.Context, iface string, ip netip.Addr) error
	RemoveAlias(ctx context.Context, iface string, ip netip.Addr) error

	// Neighbor resolves the link address of ip on iface from the ARP cache.
	Neighbor(ctx context.Context, iface string, ip netip.Addr) (net.HardwareAddr, error)
}
