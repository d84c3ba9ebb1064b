package inject

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/packet"
)

type recordingWriter struct {
	frames [][]byte
	err    error
}

func (w *recordingWriter) WritePacketData(data []byte) error {
	if w.err != nil {
		return w.err
	}
	w.frames = append(w.frames, data)
	return nil
}

func tcpPacket(t *testing.T, src, dst string) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	tcp := &layers.TCP{SrcPort: 50000, DstPort: 80, SYN: true, Seq: 7}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp))
	return buf.Bytes()
}

var (
	localMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0xfe}
)

func TestNewRequiresLinkAddresses(t *testing.T) {
	_, err := New(Descriptor{Name: "en0", HardwareAddr: localMAC, LinkType: layers.LinkTypeEthernet}, &recordingWriter{})
	assert.True(t, errors.Is(err, core.ErrIncompleteDescriptor))

	_, err = New(Descriptor{Name: "en0", PeerHardwareAddr: peerMAC, LinkType: layers.LinkTypeEthernet}, &recordingWriter{})
	assert.True(t, errors.Is(err, core.ErrIncompleteDescriptor))

	_, err = New(Descriptor{Name: "lo0", Loopback: true, LinkType: layers.LinkTypeNull}, &recordingWriter{})
	assert.NoError(t, err)
}

func TestLoopbackNullFraming(t *testing.T) {
	w := &recordingWriter{}
	inj, err := New(Descriptor{Name: "lo0", Loopback: true, LinkType: layers.LinkTypeNull}, w)
	require.NoError(t, err)

	ipBytes := tcpPacket(t, "192.0.2.124", "192.0.2.123")
	inj.Inject(ipBytes)

	require.Len(t, w.frames, 1)
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00}, w.frames[0][:4])
	assert.Equal(t, ipBytes, w.frames[0][4:])
}

func TestLoopbackRoundTrip(t *testing.T) {
	for _, lt := range []layers.LinkType{layers.LinkTypeNull, layers.LinkTypeEthernet} {
		t.Run(lt.String(), func(t *testing.T) {
			w := &recordingWriter{}
			inj, err := New(Descriptor{Name: "lo", Loopback: true, LinkType: lt}, w)
			require.NoError(t, err)

			inj.Inject(tcpPacket(t, "192.0.2.124", "192.0.2.123"))
			require.Len(t, w.frames, 1)

			ipBytes, err := packet.Decapsulate(packet.FramingFor(lt), w.frames[0])
			require.NoError(t, err)
			pctx, err := packet.FromIPv4("lo", ipBytes)
			require.NoError(t, err)

			assert.Equal(t, netip.MustParseAddr("192.0.2.124"), pctx.SrcIP())
			assert.Equal(t, netip.MustParseAddr("192.0.2.123"), pctx.DstIP())
		})
	}
}

func TestEthernetFraming(t *testing.T) {
	w := &recordingWriter{}
	inj, err := New(Descriptor{
		Name:             "en0",
		HardwareAddr:     localMAC,
		PeerHardwareAddr: peerMAC,
		LinkType:         layers.LinkTypeEthernet,
	}, w)
	require.NoError(t, err)

	ipBytes := tcpPacket(t, "203.0.113.5", "8.8.8.8")
	inj.Inject(ipBytes)
	require.Len(t, w.frames, 1)

	pkt := gopacket.NewPacket(w.frames[0], layers.LayerTypeEthernet, gopacket.Default)
	eth := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	assert.Equal(t, localMAC, eth.SrcMAC)
	assert.Equal(t, peerMAC, eth.DstMAC)
	assert.Equal(t, layers.EthernetTypeIPv4, eth.EthernetType)
	// Short frames are padded to the Ethernet minimum.
	assert.Equal(t, ipBytes, eth.Payload[:len(ipBytes)])
}

func TestInjectSwallowsWriteErrors(t *testing.T) {
	w := &recordingWriter{err: errors.New("network down")}
	inj, err := New(Descriptor{Name: "lo0", Loopback: true, LinkType: layers.LinkTypeNull}, w)
	require.NoError(t, err)

	assert.NotPanics(t, func() { inj.Inject(tcpPacket(t, "10.0.0.1", "10.0.0.2")) })
	assert.Empty(t, w.frames)
}
