package capture

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/log"
	"firestige.xyz/divert/internal/metrics"
	"firestige.xyz/divert/internal/packet"
)

const (
	defaultStartTimeout = 3 * time.Second
	readErrorBackoff    = 10 * time.Millisecond
)

// Callback receives every decoded packet. It runs on the monitor goroutine.
type Callback func(pctx *packet.Context)

// Monitor reads frames from one interface, decapsulates them to IPv4 and
// hands each packet to its callback.
type Monitor struct {
	name     string
	open     func() (Handle, error)
	callback Callback
	timeout  time.Duration
	logger   log.Logger

	mu      sync.Mutex
	running atomic.Bool
	done    chan struct{}
}

// NewMonitor creates a monitor for the named interface. open is called on the
// monitor goroutine; timeout bounds both Start and Stop.
func NewMonitor(name string, open func() (Handle, error), cb Callback, timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = defaultStartTimeout
	}
	return &Monitor{
		name:     name,
		open:     open,
		callback: cb,
		timeout:  timeout,
		logger:   log.GetLogger().WithField("iface", name),
	}
}

func (m *Monitor) Name() string { return m.name }

// Running reports whether the reader goroutine is active.
func (m *Monitor) Running() bool { return m.running.Load() }

// Start spawns the reader and waits until its handle is open.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running.Load() {
		return nil
	}

	ready := make(chan error, 1)
	m.done = make(chan struct{})
	m.running.Store(true)
	go m.run(ready, m.done)

	select {
	case err := <-ready:
		if err != nil {
			m.running.Store(false)
			return fmt.Errorf("monitor %s: %w", m.name, err)
		}
		m.logger.Debug("monitor started")
		return nil
	case <-time.After(m.timeout):
		m.running.Store(false)
		return fmt.Errorf("monitor %s: %w", m.name, core.ErrStartTimeout)
	}
}

// Stop asks the reader to exit and waits for it within the timeout.
// Stopping a monitor that is not running succeeds immediately.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running.Swap(false) {
		return nil
	}

	select {
	case <-m.done:
		m.logger.Debug("monitor stopped")
		return nil
	case <-time.After(m.timeout):
		return fmt.Errorf("monitor %s: %w", m.name, core.ErrStopTimeout)
	}
}

func (m *Monitor) run(ready chan<- error, done chan<- struct{}) {
	defer close(done)

	h, err := m.open()
	if err != nil {
		ready <- err
		return
	}
	defer h.Close()

	framing := packet.FramingFor(h.LinkType())
	ready <- nil

	for m.running.Load() {
		data, _, err := h.ReadPacketData()
		if err != nil {
			if errors.Is(err, ErrReadTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) {
				m.running.Store(false)
				return
			}
			m.logger.WithError(err).Debug("read failed")
			time.Sleep(readErrorBackoff)
			continue
		}
		m.handleFrame(framing, data)
	}
}

func (m *Monitor) handleFrame(framing packet.Framing, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorf("panic while handling frame: %v\n%s", r, debug.Stack())
		}
	}()

	metrics.CapturedFramesTotal.WithLabelValues(m.name).Inc()

	ipBytes, err := packet.Decapsulate(framing, data)
	var pctx *packet.Context
	if err == nil {
		pctx, err = packet.FromIPv4(m.name, ipBytes)
	}
	if err != nil {
		metrics.MalformedFramesTotal.WithLabelValues(m.name).Inc()
		if m.logger.IsTraceEnabled() {
			m.logger.WithError(err).Tracef("dropping %d byte %s frame", len(data), framing)
		}
		return
	}

	m.callback(pctx)
}
