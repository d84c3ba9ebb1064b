package diverter

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/divert/internal/capture"
	"firestige.xyz/divert/internal/config"
	"firestige.xyz/divert/internal/flowcache"
	"firestige.xyz/divert/internal/inject"
	"firestige.xyz/divert/internal/log"
	"firestige.xyz/divert/internal/netconf"
	"firestige.xyz/divert/internal/packet"
	"firestige.xyz/divert/internal/policy"
	"firestige.xyz/divert/internal/procinfo"
)

var localhost = netip.MustParseAddr("127.0.0.1")

// linkMonitor is a started and stopped capture source.
type linkMonitor interface {
	Name() string
	Start() error
	Stop() error
}

// User diverts traffic in user space: it sniffs the uplink and loopback
// interfaces, rewrites copies of the packets and injects them back.
type User struct {
	policy   policy.Framework
	resolver procinfo.Resolver
	net      netconf.Controller
	cache    *flowcache.Cache
	chain    *chain
	logger   log.Logger

	adapter  netip.Addr
	redirect netip.Addr
	fake     netip.Addr
	loopback string

	uplinkInj *inject.Injector
	loopInj   *inject.Injector
	monitors  []linkMonitor
	closers   []func()
	dump      *Dumper

	snap *netconf.Snapshot
}

// NewUser discovers the uplink, opens the injection handles and builds a
// monitor per interface. Missing gateway information is fatal.
func NewUser(ctx context.Context, cfg *config.Config, deps Deps) (*User, error) {
	up, err := netconf.Discover(ctx, deps.Net, deps.Interfaces, cfg.Interfaces.Uplink)
	if err != nil {
		return nil, err
	}

	open := deps.Opener
	if open == nil {
		if open, err = capture.NewOpener(capture.Type(cfg.Capture.Type)); err != nil {
			return nil, err
		}
	}
	opts := capture.Options{
		SnapLen:      cfg.Capture.SnapLen,
		Promiscuous:  true,
		ReadTimeout:  cfg.Capture.ReadTimeout,
		BufferSizeMB: cfg.Capture.BufferSizeMB,
		Filter:       cfg.Capture.Filter,
	}
	loOpts := opts
	loOpts.SkipOutgoing = true

	u := newUser(cfg, deps, up.Addr)
	fail := func(err error) (*User, error) {
		u.close()
		return nil, err
	}

	upHandle, err := open(up.Name, opts)
	if err != nil {
		return fail(fmt.Errorf("open %s for injection: %w", up.Name, err))
	}
	u.closers = append(u.closers, upHandle.Close)
	u.uplinkInj, err = inject.New(inject.Descriptor{
		Name:             up.Name,
		HardwareAddr:     up.HardwareAddr,
		PeerHardwareAddr: up.GatewayHardwareAddr,
		LinkType:         upHandle.LinkType(),
	}, upHandle)
	if err != nil {
		return fail(err)
	}

	loHandle, err := open(u.loopback, loOpts)
	if err != nil {
		return fail(fmt.Errorf("open %s for injection: %w", u.loopback, err))
	}
	u.closers = append(u.closers, loHandle.Close)
	u.loopInj, err = inject.New(inject.Descriptor{
		Name:     u.loopback,
		Loopback: true,
		LinkType: loHandle.LinkType(),
	}, loHandle)
	if err != nil {
		return fail(err)
	}

	if u.dump, err = openDumper(cfg.Dump); err != nil {
		return fail(err)
	}
	u.chain.dump = u.dump

	u.monitors = []linkMonitor{
		capture.NewMonitor(up.Name, func() (capture.Handle, error) { return open(up.Name, opts) },
			u.handleUplink, cfg.Capture.StartTimeout),
		capture.NewMonitor(u.loopback, func() (capture.Handle, error) { return open(u.loopback, loOpts) },
			u.handleLoopback, cfg.Capture.StartTimeout),
	}
	u.logger.Infof("uplink %s (%s) gateway %s", up.Name, up.Addr, up.Gateway)
	return u, nil
}

func newUser(cfg *config.Config, deps Deps, adapter netip.Addr) *User {
	logger := log.GetLogger().WithField("component", "diverter")
	return &User{
		policy:   deps.Policy,
		resolver: deps.Resolver,
		net:      deps.Net,
		cache:    flowcache.New(cfg.Cache.MaxEntries, cfg.Cache.MaxAge),
		chain:    &chain{logger: logger},
		logger:   logger,
		adapter:  adapter,
		redirect: cfg.Redirect.Addr(),
		fake:     cfg.Redirect.FakeAddr(),
		loopback: cfg.Interfaces.Loopback,
	}
}

func (u *User) Mode() string { return config.ModeUser }

func (u *User) isReserved(ip netip.Addr) bool {
	return ip == u.redirect || ip == u.fake
}

// Start brings up the monitors, then points the host at the redirect
// address. Any failure undoes what was applied.
func (u *User) Start(ctx context.Context) error {
	if err := u.startMonitors(); err != nil {
		u.stopMonitors()
		return err
	}

	snap, err := netconf.CaptureConfig(ctx, u.net)
	if err != nil {
		u.stopMonitors()
		return fmt.Errorf("save network configuration: %w", err)
	}

	var added []netip.Addr
	rollback := func(cause error) error {
		u.stopMonitors()
		for _, ip := range added {
			if err := u.net.RemoveAlias(ctx, u.loopback, ip); err != nil {
				u.logger.WithError(err).Warnf("failed to remove alias %s", ip)
			}
		}
		if err := netconf.RestoreConfig(ctx, u.net, snap); err != nil {
			u.logger.WithError(err).Warn("network configuration restore incomplete")
		}
		return cause
	}

	for _, ip := range []netip.Addr{u.redirect, u.fake} {
		if err := u.net.AddAlias(ctx, u.loopback, ip); err != nil {
			return rollback(fmt.Errorf("add loopback alias %s: %w", ip, err))
		}
		added = append(added, ip)
	}

	if err := u.net.ChangeDefaultRoute(ctx, u.redirect); err != nil {
		u.logger.WithError(err).Debug("change default route failed, adding one")
		if err := u.net.AddDefaultRoute(ctx, u.redirect); err != nil {
			return rollback(fmt.Errorf("route default via %s: %w", u.redirect, err))
		}
	}

	u.snap = snap
	u.logger.Infof("diverting through %s (fake peer %s)", u.redirect, u.fake)
	return nil
}

// Stop halts the monitors and restores the saved network configuration.
// Restoration is best effort; without a snapshot there is nothing to undo.
func (u *User) Stop(ctx context.Context) error {
	errs := []error{u.stopMonitors()}

	if u.snap != nil {
		errs = append(errs, netconf.RestoreConfig(ctx, u.net, u.snap))
		for _, ip := range []netip.Addr{u.redirect, u.fake} {
			if err := u.net.RemoveAlias(ctx, u.loopback, ip); err != nil {
				u.logger.WithError(err).Errorf("failed to remove loopback alias %s", ip)
				errs = append(errs, err)
			}
		}
		u.snap = nil
	}

	u.close()
	return errors.Join(errs...)
}

func (u *User) startMonitors() error {
	var g errgroup.Group
	for _, m := range u.monitors {
		g.Go(m.Start)
	}
	return g.Wait()
}

func (u *User) stopMonitors() error {
	var g errgroup.Group
	for _, m := range u.monitors {
		g.Go(m.Stop)
	}
	err := g.Wait()
	if err != nil {
		u.logger.WithError(err).Warn("monitor stop incomplete")
	}
	return err
}

func (u *User) close() {
	for _, c := range u.closers {
		c()
	}
	u.closers = nil
	if u.dump != nil {
		if err := u.dump.Close(); err != nil {
			u.logger.WithError(err).Warn("failed to close packet dump")
		}
	}
}

// handleUplink sends replies to flows this diverter injected outbound back
// to the redirect address.
func (u *User) handleUplink(pctx *packet.Context) {
	if pctx.SrcIP() == u.adapter {
		return
	}
	if !u.cache.Contains(pctx.Protocol, pctx.DstIP(), pctx.DstPort()) {
		return
	}
	u.chain.run(pctx, procinfo.Process{}, nil, []Rule{u.redirectToLocal})
	u.inject(pctx)
}

func (u *User) redirectToLocal(pctx *packet.Context, _ procinfo.Process) {
	pctx.SetDstIP(u.redirect)
}

// handleLoopback processes traffic sourced from the reserved aliases.
func (u *User) handleLoopback(pctx *packet.Context) {
	if !u.isReserved(pctx.SrcIP()) {
		return
	}
	var proc procinfo.Process
	if pctx.Protocol.IsTransport() {
		proc, _ = u.resolver.Lookup(context.Background(), pctx)
	}
	u.chain.run(pctx, proc,
		[]Rule{u.policy.CheckLogICMP},
		[]Rule{u.fixIPInternal})
	u.inject(pctx)
}

// fixIPInternal turns a loopback packet around: ignored traffic leaves
// from the adapter address; everything else is reflected to the other
// reserved address.
func (u *User) fixIPInternal(pctx *packet.Context, proc procinfo.Process) {
	if u.shouldIgnore(pctx, proc) {
		pctx.SetSrcIP(u.adapter)
		return
	}
	next := u.fake
	if pctx.SrcIP() == u.fake {
		next = u.redirect
	}
	pctx.SetSrcIP(pctx.DstIP())
	pctx.SetDstIP(next)
}

// shouldIgnore extends the policy check: traffic not sourced from a
// reserved address is never injected.
func (u *User) shouldIgnore(pctx *packet.Context, proc procinfo.Process) bool {
	if u.policy.ShouldIgnore(pctx, proc) {
		return true
	}
	if u.isReserved(pctx.SrcIP()) {
		return false
	}
	pctx.ToInject = false
	return true
}

func (u *User) inject(pctx *packet.Context) {
	if !pctx.ToInject {
		return
	}
	b, err := pctx.Bytes()
	if err != nil {
		u.logger.WithError(err).Warnf("serialize %s failed", pctx)
		return
	}
	u.cache.Touch(pctx.Protocol, pctx.SrcIP(), pctx.SrcPort())

	inj := u.uplinkInj
	if dst := pctx.DstIP(); dst == localhost || u.isReserved(dst) {
		inj = u.loopInj
	}
	inj.Inject(b)
}
