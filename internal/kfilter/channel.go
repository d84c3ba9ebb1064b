// Package kfilter drives an in-kernel packet filter: it pulls queued packet
// records, runs them through a callback and answers each one.
package kfilter

import (
	"context"
	"fmt"
	"time"

	"firestige.xyz/divert/internal/utils"
)

// Channel is the control-plane vocabulary spoken with the kernel filter.
type Channel interface {
	// Open establishes the control channel.
	Open(ctx context.Context) error
	// Next blocks until a record is queued or ctx is done (core.ErrNoPacket).
	Next(ctx context.Context) (*Record, error)
	// Inject answers a record with an unchanged or rewritten disposition.
	Inject(d Disposition) error
	// Drop discards the packet behind record id.
	Drop(id uint32) error
	// EnableSwallow makes the filter queue matching traffic to user space.
	EnableSwallow() error
	DisableSwallow() error
	Close() error
}

// Extension loads and unloads the kernel component backing a Channel.
type Extension interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
}

// CommandExtension manages the kernel component with external tools.
// Unload is retried Retries times with Delay between attempts.
type CommandExtension struct {
	Runner    utils.Runner
	LoadCmd   []string
	UnloadCmd []string
	Retries   int
	Delay     time.Duration
}

// NewKextExtension loads a kernel extension bundle with kextutil.
func NewKextExtension(path string, retries int, delay time.Duration) *CommandExtension {
	return &CommandExtension{
		Runner:    utils.ExecRunner{},
		LoadCmd:   []string{"kextutil", path},
		UnloadCmd: []string{"kextunload", path},
		Retries:   retries,
		Delay:     delay,
	}
}

// NewModuleExtension loads a kernel module with modprobe.
func NewModuleExtension(module string, retries int, delay time.Duration) *CommandExtension {
	return &CommandExtension{
		Runner:    utils.ExecRunner{},
		LoadCmd:   []string{"modprobe", module},
		UnloadCmd: []string{"modprobe", "-r", module},
		Retries:   retries,
		Delay:     delay,
	}
}

func (e *CommandExtension) Load(ctx context.Context) error {
	if err := e.Runner.Run(ctx, e.LoadCmd[0], e.LoadCmd[1:]...); err != nil {
		return fmt.Errorf("load extension: %w", err)
	}
	return nil
}

func (e *CommandExtension) Unload(ctx context.Context) error {
	retries := max(e.Retries, 1)
	var err error
	for attempt := 1; attempt <= retries; attempt++ {
		if err = e.Runner.Run(ctx, e.UnloadCmd[0], e.UnloadCmd[1:]...); err == nil {
			return nil
		}
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.Delay):
		}
	}
	return fmt.Errorf("unload extension after %d attempts: %w", retries, err)
}
