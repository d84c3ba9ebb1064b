//go:build darwin

package kfilter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"firestige.xyz/divert/internal/config"
	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/log"
)

// Socket option ids understood by the diverter kernel control.
const (
	optNextPacket     = 1
	optInjectPacket   = 2
	optDropPacket     = 3
	optEnableSwallow  = 4
	optDisableSwallow = 5
)

// maxRecordLen is the size of the buffer a record is read into.
const maxRecordLen = 1024

// kextChannel speaks to the diverter kernel extension over a system
// control socket. The control has no blocking read, so Next polls.
type kextChannel struct {
	name         string
	pollInterval time.Duration
	logger       log.Logger

	buf []byte // owned by the Next caller

	mu sync.Mutex
	fd int
}

// NewPlatform returns the kernel-control channel and the kext loader.
func NewPlatform(cfg config.KernelConfig) (Channel, Extension, error) {
	ch := &kextChannel{
		name:         cfg.ControlName,
		pollInterval: cfg.PollInterval,
		logger:       log.GetLogger().WithField("component", "kext"),
		buf:          make([]byte, maxRecordLen),
		fd:           -1,
	}
	return ch, NewKextExtension(cfg.ExtensionPath, cfg.UnloadRetries, cfg.UnloadDelay), nil
}

func (c *kextChannel) Open(ctx context.Context) error {
	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_STREAM, unix.SYSPROTO_CONTROL)
	if err != nil {
		return fmt.Errorf("control socket: %w", err)
	}

	info := &unix.CtlInfo{}
	copy(info.Name[:], c.name)
	if err := unix.IoctlCtlInfo(fd, info); err != nil {
		unix.Close(fd)
		return fmt.Errorf("resolve control %q: %w", c.name, err)
	}
	if err := unix.Connect(fd, &unix.SockaddrCtl{ID: info.Id, Unit: 0}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("connect control %q: %w", c.name, err)
	}

	c.mu.Lock()
	c.fd = fd
	c.mu.Unlock()
	return nil
}

func (c *kextChannel) socket() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return -1, core.ErrChannelClosed
	}
	return c.fd, nil
}

func (c *kextChannel) Next(ctx context.Context) (*Record, error) {
	for {
		fd, err := c.socket()
		if err != nil {
			return nil, err
		}
		n, err := getsockopt(fd, optNextPacket, c.buf)
		if err != nil {
			if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOTCONN) {
				return nil, core.ErrChannelClosed
			}
			return nil, fmt.Errorf("next packet: %w", err)
		}
		if n > 0 && c.buf[0] != 0 {
			return DecodeRecord(c.buf[:n])
		}

		select {
		case <-ctx.Done():
			return nil, core.ErrNoPacket
		case <-time.After(c.pollInterval):
		}
	}
}

// getsockopt reads a control option into buf. x/sys only offers a
// 256 byte string read, shorter than a record can be.
func getsockopt(fd, opt int, buf []byte) (int, error) {
	n := uint32(len(buf))
	_, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(fd), unix.SYSPROTO_CONTROL, uintptr(opt),
		uintptr(unsafe.Pointer(&buf[0])), uintptr(unsafe.Pointer(&n)), 0)
	if errno != 0 {
		return 0, errno
	}
	return int(n), nil
}

func (c *kextChannel) Inject(d Disposition) error {
	fd, err := c.socket()
	if err != nil {
		return err
	}
	b, err := d.Encode()
	if err != nil {
		return err
	}
	return unix.SetsockoptString(fd, unix.SYSPROTO_CONTROL, optInjectPacket, string(b))
}

func (c *kextChannel) Drop(id uint32) error {
	fd, err := c.socket()
	if err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SYSPROTO_CONTROL, optDropPacket, int(id))
}

func (c *kextChannel) EnableSwallow() error {
	return c.toggle(optEnableSwallow)
}

func (c *kextChannel) DisableSwallow() error {
	return c.toggle(optDisableSwallow)
}

func (c *kextChannel) toggle(opt int) error {
	fd, err := c.socket()
	if err != nil {
		return err
	}
	return unix.SetsockoptString(fd, unix.SYSPROTO_CONTROL, opt, "\x00")
}

func (c *kextChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
