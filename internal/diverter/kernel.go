package diverter

import (
	"context"
	"errors"

	"firestige.xyz/divert/internal/config"
	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/kfilter"
	"firestige.xyz/divert/internal/log"
	"firestige.xyz/divert/internal/packet"
	"firestige.xyz/divert/internal/policy"
	"firestige.xyz/divert/internal/procinfo"
)

// Kernel diverts through the in-kernel filter; rewritten addressing is
// handed back to the filter instead of injected.
type Kernel struct {
	policy   policy.Framework
	resolver procinfo.Resolver
	monitor  *kfilter.Monitor
	chain    *chain
	dump     *Dumper
	logger   log.Logger
}

// NewKernel builds the kernel-filter diverter.
func NewKernel(cfg *config.Config, deps Deps) (*Kernel, error) {
	ch, ext := deps.Channel, deps.Extension
	if ch == nil || ext == nil {
		var err error
		if ch, ext, err = kfilter.NewPlatform(cfg.Kernel); err != nil {
			return nil, err
		}
	}

	logger := log.GetLogger().WithField("component", "diverter")
	dump, err := openDumper(cfg.Dump)
	if err != nil {
		return nil, err
	}
	k := &Kernel{
		policy:   deps.Policy,
		resolver: deps.Resolver,
		chain:    &chain{dump: dump, logger: logger},
		dump:     dump,
		logger:   logger,
	}
	k.monitor = kfilter.NewMonitor(ch, ext, k.handle, kfilter.Options{
		Timeout:      cfg.Kernel.StartTimeout,
		PollInterval: cfg.Kernel.PollInterval,
	})
	return k, nil
}

func (k *Kernel) Mode() string { return config.ModeKernel }

func (k *Kernel) Start(ctx context.Context) error {
	if err := k.monitor.Initialize(ctx); err != nil {
		return err
	}
	if err := k.monitor.Start(); err != nil {
		return errors.Join(err, k.monitor.Stop(ctx))
	}
	return nil
}

func (k *Kernel) Stop(ctx context.Context) error {
	err := k.monitor.Stop(ctx)
	if k.dump != nil {
		err = errors.Join(err, k.dump.Close())
	}
	return err
}

func (k *Kernel) handle(pctx *packet.Context) {
	proc := k.process(pctx)

	// Only records marked outbound are redirected; anything else is a reply.
	aware := []Rule{k.policy.MaybeFixupSport, k.policy.MaybeFixupSrcIP}
	if pctx.Meta != nil && pctx.Meta.Direction == core.DirectionOut {
		aware = []Rule{k.policy.MaybeRedirIP, k.policy.MaybeRedirPort}
	}
	k.chain.run(pctx, proc, []Rule{k.policy.CheckLogICMP}, aware)
}

// process prefers the attribution the filter supplied.
func (k *Kernel) process(pctx *packet.Context) procinfo.Process {
	if m := pctx.Meta; m != nil && m.PID != 0 {
		return procinfo.Process{PID: m.PID, Comm: m.ProcName}
	}
	proc, _ := k.resolver.Lookup(context.Background(), pctx)
	return proc
}
