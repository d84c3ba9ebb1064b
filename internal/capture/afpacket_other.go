//go:build !linux

package capture

import (
	"fmt"

	"firestige.xyz/divert/internal/core"
)

func openAFPacket(iface string, opts Options) (Handle, error) {
	return nil, fmt.Errorf("afpacket on %s: %w", iface, core.ErrUnsupportedPlatform)
}
