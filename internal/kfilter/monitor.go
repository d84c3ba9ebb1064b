package kfilter

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/log"
	"firestige.xyz/divert/internal/metrics"
	"firestige.xyz/divert/internal/packet"
)

// State is the lifecycle state of a Monitor.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateRunning       State = "running"
	StateStopped       State = "stopped"
)

// Callback runs the rule chain over one reconstructed packet.
type Callback func(pctx *packet.Context)

// Options tunes the poll loop.
type Options struct {
	Timeout      time.Duration // bounds Start readiness and Stop join
	PollInterval time.Duration // backoff after a failed Next
}

// Monitor polls a Channel, runs each record through the callback and
// answers it with Inject or Drop.
type Monitor struct {
	ch       Channel
	ext      Extension
	callback Callback
	opts     Options
	logger   log.Logger

	mu      sync.Mutex
	state   State
	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor creates a Monitor in the uninitialized state.
func NewMonitor(ch Channel, ext Extension, cb Callback, opts Options) *Monitor {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	return &Monitor{
		ch:       ch,
		ext:      ext,
		callback: cb,
		opts:     opts,
		state:    StateUninitialized,
		logger:   log.GetLogger().WithField("component", "kfilter"),
	}
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initialize loads the extension and opens the control channel.
// Either failure is fatal for the monitor.
func (m *Monitor) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateUninitialized {
		return fmt.Errorf("%w: initialize from %s", core.ErrInvalidState, m.state)
	}
	if err := m.ext.Load(ctx); err != nil {
		return err
	}
	if err := m.ch.Open(ctx); err != nil {
		if uerr := m.ext.Unload(ctx); uerr != nil {
			m.logger.WithError(uerr).Warn("failed to unload extension after open failure")
		}
		return fmt.Errorf("open filter channel: %w", err)
	}
	m.state = StateInitialized
	return nil
}

// Start enables swallow mode and spawns the poll loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateInitialized {
		return fmt.Errorf("%w: start from %s", core.ErrInvalidState, m.state)
	}
	if err := m.ch.EnableSwallow(); err != nil {
		return fmt.Errorf("enable swallow: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running.Store(true)
	go m.poll(ctx, ready, m.done)

	select {
	case <-ready:
		m.state = StateRunning
		m.logger.Info("kernel filter monitor running")
		return nil
	case <-time.After(m.opts.Timeout):
		return m.abortStart(fmt.Errorf("kernel filter monitor: %w", core.ErrStartTimeout))
	}
}

// abortStart undoes a Start that never became ready. The monitor stays
// initialized, so Stop still closes the channel and unloads the extension.
func (m *Monitor) abortStart(cause error) error {
	m.running.Store(false)
	m.cancel()
	if err := m.ch.DisableSwallow(); err != nil {
		return errors.Join(cause, fmt.Errorf("disable swallow: %w", err))
	}
	return cause
}

// Stop disables swallow mode, joins the poll loop, closes the channel and
// unloads the extension. Every step runs even if an earlier one failed.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	switch m.state {
	case StateUninitialized, StateStopped:
		return nil
	case StateRunning:
		m.running.Store(false)
		if err := m.ch.DisableSwallow(); err != nil {
			errs = append(errs, fmt.Errorf("disable swallow: %w", err))
		}
		m.cancel()
		select {
		case <-m.done:
		case <-time.After(m.opts.Timeout):
			errs = append(errs, fmt.Errorf("kernel filter monitor: %w", core.ErrStopTimeout))
		}
	}

	if err := m.ch.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close filter channel: %w", err))
	}
	if err := m.ext.Unload(ctx); err != nil {
		errs = append(errs, err)
	}
	m.state = StateStopped

	err := errors.Join(errs...)
	if err != nil {
		m.logger.WithError(err).Warn("kernel filter monitor stopped with errors")
	}
	return err
}

func (m *Monitor) poll(ctx context.Context, ready, done chan<- struct{}) {
	defer close(done)
	close(ready)

	for m.running.Load() {
		rec, err := m.ch.Next(ctx)
		switch {
		case err == nil:
			m.process(rec)
		case errors.Is(err, core.ErrNoPacket), errors.Is(err, context.Canceled):
		case errors.Is(err, core.ErrChannelClosed):
			m.logger.Warn("filter channel closed, poll loop exiting")
			return
		default:
			m.logger.WithError(err).Warn("failed to read filter record")
			select {
			case <-ctx.Done():
			case <-time.After(m.opts.PollInterval):
			}
		}
	}
}

// process answers exactly once per record: Drop when the record cannot be
// reconstructed, otherwise Inject with the unchanged or rewritten disposition.
func (m *Monitor) process(rec *Record) {
	pctx, err := rec.Context()
	if err != nil {
		m.logger.WithError(err).Debugf("dropping record %d", rec.ID)
		metrics.FilterDispositionsTotal.WithLabelValues("drop").Inc()
		if err := m.ch.Drop(rec.ID); err != nil {
			m.logger.WithError(err).Warnf("failed to drop record %d", rec.ID)
		}
		return
	}

	d := Unchanged(rec.ID)
	kind := "unchanged"
	if err := m.run(pctx); err != nil {
		m.logger.Error(err)
	} else if pctx.Mangled() {
		d = Rewritten(pctx)
		kind = "changed"
	}

	metrics.FilterDispositionsTotal.WithLabelValues(kind).Inc()
	if err := m.ch.Inject(d); err != nil {
		m.logger.WithError(err).Warnf("failed to answer record %d", rec.ID)
	}
}

func (m *Monitor) run(pctx *packet.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing record %d: %v\n%s", pctx.Meta.ID, r, debug.Stack())
		}
	}()
	m.callback(pctx)
	return nil
}
