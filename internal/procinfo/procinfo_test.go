package procinfo

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/packet"
)

var reserved = []netip.Addr{
	netip.MustParseAddr("192.0.2.123"),
	netip.MustParseAddr("192.0.2.124"),
}

type stubRunner struct {
	out  []byte
	err  error
	args []string
}

func (r *stubRunner) Run(ctx context.Context, name string, args ...string) error {
	_, err := r.Output(ctx, name, args...)
	return err
}

func (r *stubRunner) Output(_ context.Context, name string, args ...string) ([]byte, error) {
	r.args = append([]string{name}, args...)
	return r.out, r.err
}

func mustContext(t *testing.T, proto core.Protocol, src string, sport uint16, dst string, dport uint16) *packet.Context {
	t.Helper()
	pctx, err := packet.FromFields(proto, netip.MustParseAddr(src), sport, netip.MustParseAddr(dst), dport)
	require.NoError(t, err)
	return pctx
}

const lsofOutput = `p101
csshd
Lroot
f3
n10.0.0.5:22->10.0.0.9:51234
p202
ccurl
Lalice
f5
n192.0.2.123:51000->192.0.2.124:80
p303
cpartial
`

func TestParseLsof(t *testing.T) {
	recs := parseLsof([]byte(lsofOutput))
	require.Len(t, recs, 2, "trailing partial block is discarded")
	assert.Equal(t, Process{PID: 101, Comm: "sshd"}, recs[0].proc)
	assert.Equal(t, netip.MustParseAddr("192.0.2.124"), recs[1].dst)
	assert.Equal(t, uint16(51000), recs[1].sport)
}

func TestParseLsofSkipsMalformedBlocks(t *testing.T) {
	out := []byte("pabc\ncx\nLy\nf1\nn1.2.3.4:1->5.6.7.8:2\np7\ncx\nLy\nf1\n*:53\np8\ncdns\nLy\nf1\nn127.0.0.1:53\n")
	assert.Empty(t, parseLsof(out))
}

func TestLsofLookup(t *testing.T) {
	r := &stubRunner{out: []byte(lsofOutput)}
	l := NewLsof(reserved)
	l.Runner = r

	proc, ok := l.Lookup(context.Background(), mustContext(t, core.ProtoTCP, "192.0.2.124", 80, "192.0.2.123", 51000))
	require.True(t, ok)
	assert.Equal(t, Process{PID: 202, Comm: "curl"}, proc)
	assert.Equal(t, []string{"lsof", "-wnPF", "cLn", "-i4tcp@192.0.2.123:51000"}, r.args)
}

func TestLsofLookupNoMatch(t *testing.T) {
	l := NewLsof(reserved)
	l.Runner = &stubRunner{err: errors.New("exit status 1")}
	_, ok := l.Lookup(context.Background(), mustContext(t, core.ProtoUDP, "10.0.0.5", 5353, "8.8.8.8", 53))
	assert.False(t, ok)

	l.Runner = &stubRunner{out: []byte("p1\ncx\nLy\nf1\nn10.0.0.5:22->10.0.0.9:5\n")}
	_, ok = l.Lookup(context.Background(), mustContext(t, core.ProtoTCP, "10.0.0.9", 5, "10.0.0.5", 22))
	assert.False(t, ok, "sockets not involving a reserved address are not attributed")
}

func TestGopsutilLookup(t *testing.T) {
	g := NewGopsutil()
	g.connections = func(_ context.Context, kind string) ([]gnet.ConnectionStat, error) {
		assert.Equal(t, "tcp4", kind)
		return []gnet.ConnectionStat{
			{Pid: 0, Laddr: gnet.Addr{IP: "10.0.0.5", Port: 51000}},
			{Pid: 77, Laddr: gnet.Addr{IP: "10.0.0.5", Port: 51000}, Raddr: gnet.Addr{IP: "8.8.8.8", Port: 80}},
		}, nil
	}
	g.procName = func(_ context.Context, pid int32) (string, error) {
		assert.Equal(t, int32(77), pid)
		return "wget", nil
	}

	proc, ok := g.Lookup(context.Background(), mustContext(t, core.ProtoTCP, "10.0.0.5", 51000, "8.8.8.8", 80))
	require.True(t, ok)
	assert.Equal(t, Process{PID: 77, Comm: "wget"}, proc)

	// Reply direction: the local socket is the packet's destination.
	proc, ok = g.Lookup(context.Background(), mustContext(t, core.ProtoTCP, "8.8.8.8", 80, "10.0.0.5", 51000))
	require.True(t, ok)
	assert.Equal(t, 77, proc.PID)

	_, ok = g.Lookup(context.Background(), mustContext(t, core.ProtoTCP, "10.0.0.5", 40000, "8.8.8.8", 80))
	assert.False(t, ok)
}

func TestNew(t *testing.T) {
	r, err := New("none", nil)
	require.NoError(t, err)
	_, ok := r.Lookup(context.Background(), nil)
	assert.False(t, ok)

	r, err = New("lsof", reserved)
	require.NoError(t, err)
	assert.IsType(t, &Lsof{}, r)

	_, err = New("netstat", nil)
	assert.Error(t, err)

	assert.Equal(t, "unknown", Process{}.String())
	assert.Equal(t, "curl[202]", Process{PID: 202, Comm: "curl"}.String())
}
