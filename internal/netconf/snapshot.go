package netconf

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"firestige.xyz/divert/internal/log"
)

// Snapshot is the network configuration saved before diversion starts.
type Snapshot struct {
	Forwarding bool
	Iface      string
	Addr       netip.Addr
	Gateway    netip.Addr // zero when there was no default gateway
	Metric     int
}

// CaptureConfig records forwarding and the default route.
func CaptureConfig(ctx context.Context, c Controller) (*Snapshot, error) {
	fwd, err := c.Forwarding(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ip forwarding: %w", err)
	}
	route, err := c.DefaultRoute(ctx)
	if err != nil {
		return nil, fmt.Errorf("read default route: %w", err)
	}
	return &Snapshot{
		Forwarding: fwd,
		Iface:      route.Iface,
		Addr:       route.Addr,
		Gateway:    route.Gateway,
		Metric:     route.Metric,
	}, nil
}

// RestoreConfig puts the default route and forwarding back the way snap
// recorded them. Every step is attempted; failures are logged and joined.
// A nil snapshot is a no-op.
func RestoreConfig(ctx context.Context, c Controller, snap *Snapshot) error {
	if snap == nil {
		return nil
	}
	logger := log.GetLogger().WithField("component", "netconf")

	var errs []error
	if snap.Gateway.IsValid() {
		if err := c.ChangeDefaultRoute(ctx, snap.Gateway); err != nil {
			errs = append(errs, fmt.Errorf("restore default route via %s: %w", snap.Gateway, err))
		}
	} else if err := c.DeleteDefaultRoute(ctx); err != nil {
		errs = append(errs, fmt.Errorf("delete default route: %w", err))
	}

	fwd, err := c.Forwarding(ctx)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("read ip forwarding: %w", err))
	case fwd != snap.Forwarding:
		if err := c.SetForwarding(ctx, snap.Forwarding); err != nil {
			errs = append(errs, fmt.Errorf("restore ip forwarding: %w", err))
		}
	}

	for _, e := range errs {
		logger.Error(e)
	}
	return errors.Join(errs...)
}
