package diverter

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/divert/internal/packet"
	"firestige.xyz/divert/internal/procinfo"
)

func TestChainDumpsOriginalAndRewritten(t *testing.T) {
	d, err := NewDumper(filepath.Join(t.TempDir(), "packets"))
	require.NoError(t, err)

	c := &chain{dump: d}
	pctx := tcpPacket(t, redirectIP, 80, remoteIP, 51000)
	rewrite := func(p *packet.Context, _ procinfo.Process) { p.SetDstIP(fakeIP) }
	c.run(pctx, procinfo.Process{}, nil, []Rule{rewrite})

	untouched := tcpPacket(t, redirectIP, 80, remoteIP, 51000)
	c.run(untouched, procinfo.Process{}, nil, nil)
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	f, err := os.Open(d.Path())
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())

	var dsts []netip.Addr
	for {
		data, _, err := r.ReadPacketData()
		if err != nil {
			break
		}
		p, err := packet.FromIPv4("dump", data)
		require.NoError(t, err)
		dsts = append(dsts, p.DstIP())
	}
	assert.Equal(t, []netip.Addr{remoteIP, fakeIP}, dsts)
}

func TestDumperRecordsFirstWriteFailure(t *testing.T) {
	d, err := NewDumper(filepath.Join(t.TempDir(), "packets"))
	require.NoError(t, err)
	require.NoError(t, d.f.Close())

	pkt, err := tcpPacket(t, redirectIP, 80, remoteIP, 51000).Bytes()
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		d.Write(pkt)
	}

	first := d.writeErr
	require.Error(t, first)

	d.Write(pkt)
	assert.Equal(t, first, d.writeErr, "only the first failure is kept")
	assert.Error(t, d.Close())
}
