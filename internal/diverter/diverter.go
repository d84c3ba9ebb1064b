// Package diverter orchestrates packet diversion: it wires monitors or the
// kernel filter to the rule chains and manages the host configuration
// they depend on.
package diverter

import (
	"context"
	"fmt"

	"firestige.xyz/divert/internal/capture"
	"firestige.xyz/divert/internal/config"
	"firestige.xyz/divert/internal/kfilter"
	"firestige.xyz/divert/internal/log"
	"firestige.xyz/divert/internal/netconf"
	"firestige.xyz/divert/internal/policy"
	"firestige.xyz/divert/internal/procinfo"
)

// Diverter is one diversion mode. A Diverter is started and stopped once.
type Diverter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Mode() string
}

// Deps are the platform integrations a Diverter uses. Nil fields are
// filled with the host implementations.
type Deps struct {
	Net        netconf.Controller
	Interfaces netconf.InterfaceLister
	Opener     capture.Opener
	Policy     policy.Framework
	Resolver   procinfo.Resolver
	Channel    kfilter.Channel
	Extension  kfilter.Extension
}

// New builds the Diverter selected by cfg.Mode.
func New(ctx context.Context, cfg *config.Config, deps Deps) (Diverter, error) {
	if err := deps.fill(ctx, cfg); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case config.ModeUser:
		return NewUser(ctx, cfg, deps)
	case config.ModeKernel:
		return NewKernel(cfg, deps)
	}
	return nil, fmt.Errorf("unknown diversion mode %q", cfg.Mode)
}

func (d *Deps) fill(ctx context.Context, cfg *config.Config) error {
	if d.Net == nil {
		d.Net = netconf.NewPlatform()
	}
	if d.Interfaces == nil {
		d.Interfaces = netconf.SystemInterfaces
	}
	if d.Resolver == nil {
		r, err := procinfo.New(cfg.Attribution, cfg.ReservedAddrs())
		if err != nil {
			return err
		}
		d.Resolver = r
	}
	if d.Policy == nil {
		target := cfg.Redirect.Addr()
		if cfg.Mode == config.ModeKernel {
			target = cfg.Redirect.KernelTargetAddr()
		}
		local, err := procinfo.LocalAddrs(ctx)
		if err != nil {
			log.GetLogger().WithError(err).Warn("failed to list local addresses")
		}
		d.Policy = policy.New(cfg.Policy, target, local)
	}
	return nil
}

func openDumper(cfg config.DumpConfig) (*Dumper, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	d, err := NewDumper(cfg.Prefix)
	if err != nil {
		return nil, err
	}
	log.GetLogger().Infof("dumping diverted packets to %s", d.Path())
	return d, nil
}
