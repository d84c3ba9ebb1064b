//go:build linux

package kfilter

import (
	"errors"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"firestige.xyz/divert/internal/core"
)

func synBytes(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Id:       0x1234,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IPv4(10, 0, 0, 5),
		DstIP:    net.IPv4(8, 8, 8, 8),
	}
	tcp := &layers.TCP{SrcPort: 51000, DstPort: 80, Seq: 77, SYN: true, Window: 1024}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload("hi")))
	return buf.Bytes()
}

func TestRewriteReplacesAddressing(t *testing.T) {
	d := Disposition{
		ID:      1,
		Proto:   "tcp",
		SrcAddr: "10.0.0.5",
		SrcPort: 51000,
		DstAddr: "127.0.0.1",
		DstPort: 1337,
		Changed: true,
	}

	out, err := rewrite(synBytes(t), d)
	require.NoError(t, err)

	p := gopacket.NewPacket(out, layers.LayerTypeIPv4, gopacket.Default)
	require.Nil(t, p.ErrorLayer())
	ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	tcp := p.Layer(layers.LayerTypeTCP).(*layers.TCP)

	assert.Equal(t, "10.0.0.5", ip.SrcIP.String())
	assert.Equal(t, "127.0.0.1", ip.DstIP.String())
	assert.Equal(t, layers.TCPPort(51000), tcp.SrcPort)
	assert.Equal(t, layers.TCPPort(1337), tcp.DstPort)
	assert.Equal(t, uint32(77), tcp.Seq)
	assert.True(t, tcp.SYN)
	assert.Equal(t, []byte("hi"), tcp.Payload)
	assert.Equal(t, uint16(len(out)), ip.Length)
}

func TestRewriteRejectsBadDisposition(t *testing.T) {
	_, err := rewrite(synBytes(t), Disposition{SrcAddr: "10.0.0.5", DstAddr: "nowhere", Changed: true})
	assert.True(t, errors.Is(err, core.ErrMalformedRecord))

	_, err = rewrite([]byte{0x45, 0x00}, Disposition{Changed: true})
	assert.Error(t, err)
}

func TestHookDirection(t *testing.T) {
	hook := func(v uint8) *uint8 { return &v }
	tests := []struct {
		name string
		hook *uint8
		want core.Direction
	}{
		{"local out", hook(unix.NF_INET_LOCAL_OUT), core.DirectionOut},
		{"post routing", hook(unix.NF_INET_POST_ROUTING), core.DirectionOut},
		{"local in", hook(unix.NF_INET_LOCAL_IN), core.DirectionIn},
		{"pre routing", hook(unix.NF_INET_PRE_ROUTING), core.DirectionIn},
		{"missing", nil, core.DirectionIn},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, hookDirection(tt.hook))
		})
	}
}

func TestNfqueuePendingBookkeeping(t *testing.T) {
	c := &nfqueueChannel{pending: map[uint32][]byte{}}

	err := c.Inject(Unchanged(42))
	assert.True(t, errors.Is(err, core.ErrUnknownPacketID))

	c.pending[7] = []byte{1}
	raw, ok := c.take(7)
	assert.True(t, ok)
	assert.Equal(t, []byte{1}, raw)
	_, ok = c.take(7)
	assert.False(t, ok, "an id is answered once")

	c.pending[8] = []byte{2}
	require.NoError(t, c.Close())
	assert.Empty(t, c.pending)
}
