package kfilter

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/packet"
)

// fakeChannel feeds queued records and captures every answer.
type fakeChannel struct {
	mu       sync.Mutex
	records  chan *Record
	injected []Disposition
	dropped  []uint32
	answered chan struct{}
	swallow  bool
	openErr  error
	opened   bool
	closed   bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		records:  make(chan *Record, 16),
		answered: make(chan struct{}, 16),
	}
}

func (f *fakeChannel) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = f.openErr == nil
	return f.openErr
}

func (f *fakeChannel) Next(ctx context.Context) (*Record, error) {
	select {
	case rec := <-f.records:
		return rec, nil
	case <-ctx.Done():
		return nil, core.ErrNoPacket
	}
}

func (f *fakeChannel) Inject(d Disposition) error {
	f.mu.Lock()
	f.injected = append(f.injected, d)
	f.mu.Unlock()
	f.answered <- struct{}{}
	return nil
}

func (f *fakeChannel) Drop(id uint32) error {
	f.mu.Lock()
	f.dropped = append(f.dropped, id)
	f.mu.Unlock()
	f.answered <- struct{}{}
	return nil
}

func (f *fakeChannel) EnableSwallow() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swallow = true
	return nil
}

func (f *fakeChannel) DisableSwallow() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.swallow = false
	return nil
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) waitAnswer(t *testing.T) {
	t.Helper()
	select {
	case <-f.answered:
	case <-time.After(2 * time.Second):
		t.Fatal("record was never answered")
	}
}

type fakeExtension struct {
	loads, unloads int
	loadErr        error
}

func (e *fakeExtension) Load(context.Context) error {
	e.loads++
	return e.loadErr
}

func (e *fakeExtension) Unload(context.Context) error {
	e.unloads++
	return nil
}

func ptr[T any](v T) *T { return &v }

func tcpRecord(id uint32, dir string, sport uint16) *Record {
	return &Record{
		ID:        id,
		Direction: dir,
		Proto:     ptr("tcp"),
		SrcAddr:   ptr("10.0.0.5"),
		SrcPort:   ptr(sport),
		DstAddr:   ptr("8.8.8.8"),
		DstPort:   ptr(uint16(80)),
		IPVer:     4,
	}
}

func startMonitor(t *testing.T, ch *fakeChannel, cb Callback) (*Monitor, *fakeExtension) {
	t.Helper()
	ext := &fakeExtension{}
	m := NewMonitor(ch, ext, cb, Options{Timeout: time.Second, PollInterval: time.Millisecond})
	require.NoError(t, m.Initialize(context.Background()))
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, ext
}

func TestMonitorUnchangedDisposition(t *testing.T) {
	ch := newFakeChannel()
	startMonitor(t, ch, func(pctx *packet.Context) {})

	ch.records <- tcpRecord(1, "out", 51000)
	ch.waitAnswer(t)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.injected, 1)
	assert.Equal(t, Unchanged(1), ch.injected[0])
	assert.Empty(t, ch.dropped)
}

func TestMonitorRewrittenDisposition(t *testing.T) {
	ch := newFakeChannel()
	startMonitor(t, ch, func(pctx *packet.Context) {
		pctx.SetDstIP(netip.MustParseAddr("127.0.0.1"))
		pctx.SetDstPort(1337)
	})

	ch.records <- tcpRecord(2, "out", 51000)
	ch.waitAnswer(t)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.injected, 1)
	d := ch.injected[0]
	assert.True(t, d.Changed)
	assert.Equal(t, uint32(2), d.ID)
	assert.Equal(t, "out", d.Direction)
	assert.Equal(t, "127.0.0.1", d.DstAddr)
	assert.Equal(t, uint16(1337), d.DstPort)
	assert.Equal(t, "10.0.0.5", d.SrcAddr)
}

func TestMonitorDropsIncompleteRecord(t *testing.T) {
	ch := newFakeChannel()
	called := false
	startMonitor(t, ch, func(pctx *packet.Context) { called = true })

	rec := tcpRecord(3, "out", 0)
	rec.SrcPort = nil
	ch.records <- rec
	ch.waitAnswer(t)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Equal(t, []uint32{3}, ch.dropped)
	assert.Empty(t, ch.injected)
	assert.False(t, called)
}

func TestMonitorDropsUndecodableRecord(t *testing.T) {
	ch := newFakeChannel()
	called := false
	startMonitor(t, ch, func(pctx *packet.Context) { called = true })

	rec, err := DecodeRecord([]byte(`{"id":9,"proto":"tcp","srcaddr":"10.0.0.5","srcport":"80","dstaddr":"8.8.8.8","dstport":80}`))
	require.NoError(t, err)
	ch.records <- rec
	ch.waitAnswer(t)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.Equal(t, []uint32{9}, ch.dropped)
	assert.Empty(t, ch.injected)
	assert.False(t, called)
}

func TestMonitorCallbackPanicLeavesPacketUnchanged(t *testing.T) {
	ch := newFakeChannel()
	startMonitor(t, ch, func(pctx *packet.Context) {
		pctx.SetDstPort(9)
		panic("boom")
	})

	ch.records <- tcpRecord(4, "in", 51000)
	ch.waitAnswer(t)

	ch.records <- tcpRecord(5, "in", 51001)
	ch.waitAnswer(t)

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.injected, 2)
	assert.Equal(t, Unchanged(4), ch.injected[0])
	assert.Equal(t, Unchanged(5), ch.injected[1])
}

func TestMonitorLifecycle(t *testing.T) {
	ch := newFakeChannel()
	ext := &fakeExtension{}
	m := NewMonitor(ch, ext, func(*packet.Context) {}, Options{Timeout: time.Second})
	ctx := context.Background()

	assert.Equal(t, StateUninitialized, m.State())
	assert.True(t, errors.Is(m.Start(), core.ErrInvalidState))
	assert.NoError(t, m.Stop(ctx), "stop before initialize is a no-op")

	require.NoError(t, m.Initialize(ctx))
	assert.Equal(t, StateInitialized, m.State())
	assert.True(t, errors.Is(m.Initialize(ctx), core.ErrInvalidState))

	require.NoError(t, m.Start())
	assert.Equal(t, StateRunning, m.State())
	assert.True(t, ch.swallow)

	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, StateStopped, m.State())
	assert.False(t, ch.swallow)
	assert.True(t, ch.closed)
	assert.Equal(t, 1, ext.loads)
	assert.Equal(t, 1, ext.unloads)

	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, 1, ext.unloads, "second stop must not unload again")
}

func TestMonitorAbortedStartDisablesSwallow(t *testing.T) {
	ch := newFakeChannel()
	ext := &fakeExtension{}
	m := NewMonitor(ch, ext, func(*packet.Context) {}, Options{Timeout: time.Second})
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Start())

	err := m.abortStart(core.ErrStartTimeout)
	assert.True(t, errors.Is(err, core.ErrStartTimeout))
	ch.mu.Lock()
	assert.False(t, ch.swallow)
	ch.mu.Unlock()

	// Stop from a state that did not reach running still releases everything.
	m.mu.Lock()
	m.state = StateInitialized
	m.mu.Unlock()
	require.NoError(t, m.Stop(ctx))
	assert.True(t, ch.closed)
	assert.Equal(t, 1, ext.unloads)
}

func TestMonitorInitializeFailures(t *testing.T) {
	ctx := context.Background()

	ext := &fakeExtension{loadErr: errors.New("kextutil failed")}
	m := NewMonitor(newFakeChannel(), ext, func(*packet.Context) {}, Options{})
	assert.Error(t, m.Initialize(ctx))
	assert.Equal(t, StateUninitialized, m.State())

	ch := newFakeChannel()
	ch.openErr = errors.New("no such control")
	ext = &fakeExtension{}
	m = NewMonitor(ch, ext, func(*packet.Context) {}, Options{})
	err := m.Initialize(ctx)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "no such control"))
	assert.Equal(t, 1, ext.unloads, "extension is unloaded when the channel cannot open")
}

// scriptRunner fails the first n invocations.
type scriptRunner struct {
	failures int
	calls    [][]string
}

func (r *scriptRunner) Run(_ context.Context, name string, args ...string) error {
	r.calls = append(r.calls, append([]string{name}, args...))
	if len(r.calls) <= r.failures {
		return errors.New("resource busy")
	}
	return nil
}

func (r *scriptRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	return nil, r.Run(ctx, name, args...)
}

func TestCommandExtensionUnloadRetries(t *testing.T) {
	r := &scriptRunner{failures: 1}
	ext := NewKextExtension("/tmp/Diverter.kext", 2, time.Millisecond)
	ext.Runner = r

	require.NoError(t, ext.Unload(context.Background()))
	assert.Len(t, r.calls, 2)
	assert.Equal(t, []string{"kextunload", "/tmp/Diverter.kext"}, r.calls[0])

	r = &scriptRunner{failures: 5}
	ext.Runner = r
	err := ext.Unload(context.Background())
	require.Error(t, err)
	assert.Len(t, r.calls, 2)
}

func TestCommandExtensionLoad(t *testing.T) {
	r := &scriptRunner{}
	ext := NewModuleExtension("nfnetlink_queue", 1, 0)
	ext.Runner = r

	require.NoError(t, ext.Load(context.Background()))
	assert.Equal(t, [][]string{{"modprobe", "nfnetlink_queue"}}, r.calls)
}
