// Package procinfo attributes packets to the local process that owns the flow.
package procinfo

import (
	"context"
	"fmt"
	"net/netip"

	"firestige.xyz/divert/internal/packet"
)

// Process identifies the owner of a flow. PID 0 means unknown.
type Process struct {
	PID  int
	Comm string
}

func (p Process) String() string {
	if p.PID == 0 {
		return "unknown"
	}
	return fmt.Sprintf("%s[%d]", p.Comm, p.PID)
}

// Resolver looks up the process owning the flow a packet belongs to.
type Resolver interface {
	Lookup(ctx context.Context, pctx *packet.Context) (Process, bool)
}

// None never attributes anything.
type None struct{}

func (None) Lookup(context.Context, *packet.Context) (Process, bool) { return Process{}, false }

// New returns the resolver for the configured attribution method.
// reserved holds the redirect addresses a matching flow must involve.
func New(method string, reserved []netip.Addr) (Resolver, error) {
	switch method {
	case "lsof":
		return NewLsof(reserved), nil
	case "gopsutil":
		return NewGopsutil(), nil
	case "none", "":
		return None{}, nil
	}
	return nil, fmt.Errorf("unknown attribution method %q", method)
}
