package diverter

import (
	"firestige.xyz/divert/internal/log"
	"firestige.xyz/divert/internal/metrics"
	"firestige.xyz/divert/internal/packet"
	"firestige.xyz/divert/internal/procinfo"
)

// Rule inspects and may rewrite a packet. Setting pctx.ToInject to false
// ends the chain.
type Rule func(pctx *packet.Context, proc procinfo.Process)

// chain runs protocol-agnostic rules, then protocol-aware rules for TCP
// and UDP only. Rewritten packets are counted and, when a dumper is set,
// written before and after.
type chain struct {
	dump   *Dumper
	logger log.Logger
}

func (c *chain) run(pctx *packet.Context, proc procinfo.Process, agnostic, aware []Rule) {
	var orig []byte
	if c.dump != nil {
		if b, err := pctx.Bytes(); err == nil {
			orig = b
		}
	}

	for _, r := range agnostic {
		if !pctx.ToInject {
			return
		}
		r(pctx, proc)
	}
	if pctx.Protocol.IsTransport() {
		for _, r := range aware {
			if !pctx.ToInject {
				return
			}
			r(pctx, proc)
		}
	}

	if !pctx.Mangled() {
		return
	}
	metrics.MangledPacketsTotal.WithLabelValues(pctx.Label).Inc()
	if c.dump != nil {
		mangled, err := pctx.Bytes()
		if err != nil {
			c.logger.WithError(err).Debug("serialize for dump failed")
			return
		}
		c.dump.Write(orig, mangled)
	}
}
