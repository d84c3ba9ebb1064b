package diverter

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/divert/internal/capture"
	"firestige.xyz/divert/internal/netconf"
)

// fakeHandle never receives frames and records every write.
type fakeHandle struct {
	linkType layers.LinkType
	mu       sync.Mutex
	writes   [][]byte
}

func (h *fakeHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	time.Sleep(time.Millisecond)
	return nil, gopacket.CaptureInfo{}, capture.ErrReadTimeout
}

func (h *fakeHandle) WritePacketData(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.writes = append(h.writes, append([]byte(nil), data...))
	return nil
}

func (h *fakeHandle) LinkType() layers.LinkType { return h.linkType }
func (h *fakeHandle) Close()                    {}

func (h *fakeHandle) written() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.writes
}

// fakeNet is an in-memory netconf.Controller.
type fakeNet struct {
	forwarding  bool
	route       netconf.Route
	gatewayMAC  net.HardwareAddr
	aliases     map[netip.Addr]bool
	failAlias   netip.Addr
	failChange  bool
	routeAdds   int
	aliasRemove []netip.Addr
}

func newFakeNet() *fakeNet {
	mac, _ := net.ParseMAC("aa:bb:cc:00:00:01")
	return &fakeNet{
		route:      netconf.Route{Iface: "eth0", Gateway: netip.MustParseAddr("203.0.113.1")},
		gatewayMAC: mac,
		aliases:    make(map[netip.Addr]bool),
	}
}

func (f *fakeNet) Forwarding(context.Context) (bool, error) { return f.forwarding, nil }
func (f *fakeNet) SetForwarding(_ context.Context, v bool) error {
	f.forwarding = v
	return nil
}
func (f *fakeNet) DefaultRoute(context.Context) (netconf.Route, error) { return f.route, nil }
func (f *fakeNet) ChangeDefaultRoute(_ context.Context, gw netip.Addr) error {
	if f.failChange || !f.route.Gateway.IsValid() {
		return errors.New("not in table")
	}
	f.route.Gateway = gw
	return nil
}
func (f *fakeNet) AddDefaultRoute(_ context.Context, gw netip.Addr) error {
	f.routeAdds++
	f.route.Gateway = gw
	return nil
}
func (f *fakeNet) DeleteDefaultRoute(context.Context) error {
	f.route.Gateway = netip.Addr{}
	return nil
}
func (f *fakeNet) AddAlias(_ context.Context, _ string, ip netip.Addr) error {
	if ip == f.failAlias {
		return errors.New("permission denied")
	}
	f.aliases[ip] = true
	return nil
}
func (f *fakeNet) RemoveAlias(_ context.Context, _ string, ip netip.Addr) error {
	f.aliasRemove = append(f.aliasRemove, ip)
	delete(f.aliases, ip)
	return nil
}
func (f *fakeNet) Neighbor(context.Context, string, netip.Addr) (net.HardwareAddr, error) {
	return f.gatewayMAC, nil
}

func fakeInterfaces(context.Context) ([]netconf.Interface, error) {
	mac, _ := net.ParseMAC("aa:bb:cc:00:00:02")
	return []netconf.Interface{
		{Name: "eth0", HardwareAddr: mac, Addrs: []netip.Addr{netip.MustParseAddr("203.0.113.5")}},
		{Name: "lo0", Addrs: []netip.Addr{netip.MustParseAddr("127.0.0.1")}},
	}, nil
}

// fakeMonitor counts lifecycle calls.
type fakeMonitor struct {
	name     string
	startErr error
	starts   int
	stops    int
	mu       sync.Mutex
}

func (m *fakeMonitor) Name() string { return m.name }
func (m *fakeMonitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	return m.startErr
}
func (m *fakeMonitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	return nil
}
