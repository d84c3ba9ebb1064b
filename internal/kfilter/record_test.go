package kfilter

import (
	"encoding/json"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/divert/internal/core"
)

func TestDecodeRecord(t *testing.T) {
	raw := []byte(`{"id":42,"direction":"out","proto":"tcp","srcaddr":"10.0.0.5","srcport":51000,"dstaddr":"8.8.8.8","dstport":80,"ip_ver":4,"pid":311,"procname":"curl"}` + "\x00garbage")

	rec, err := DecodeRecord(raw)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), rec.ID)
	require.NotNil(t, rec.SrcPort)
	assert.Equal(t, uint16(51000), *rec.SrcPort)
	assert.Equal(t, "curl", rec.ProcName)

	pctx, err := rec.Context()
	require.NoError(t, err)
	assert.Equal(t, core.ProtoTCP, pctx.Protocol)
	assert.Equal(t, netip.MustParseAddr("8.8.8.8"), pctx.DstIP())
	assert.Equal(t, uint16(80), pctx.DstPort())
	require.NotNil(t, pctx.Meta)
	assert.Equal(t, core.DirectionOut, pctx.Meta.Direction)
	assert.Equal(t, 311, pctx.Meta.PID)
	assert.False(t, pctx.Mangled())
}

func TestDecodeRecordMalformed(t *testing.T) {
	for _, raw := range []string{`{"id":`, `{"proto":"tcp","srcport":"80"}`, `not json`, `{"id":-1}`} {
		rec, err := DecodeRecord([]byte(raw))
		assert.Nil(t, rec, raw)
		assert.True(t, errors.Is(err, core.ErrMalformedRecord), raw)
	}
}

func TestDecodeRecordKeepsIDOfBadRecord(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		id   uint32
	}{
		{"string port", `{"id":9,"proto":"tcp","srcaddr":"10.0.0.5","srcport":"80","dstaddr":"8.8.8.8","dstport":80}`, 9},
		{"port out of range", `{"id":10,"proto":"tcp","srcaddr":"10.0.0.5","srcport":70000,"dstaddr":"8.8.8.8","dstport":80}`, 10},
		{"truncated", `{"id":11,"direction":"out","proto":"tcp","srcaddr":"10.0.0.5","srcpo`, 11},
		{"id after bad field", `{"pid":"x","id":12}`, 12},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := DecodeRecord([]byte(tt.raw + "\x00"))
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, tt.id, rec.ID)

			pctx, err := rec.Context()
			assert.Nil(t, pctx)
			assert.True(t, errors.Is(err, core.ErrMalformedRecord), "got %v", err)
		})
	}
}

func TestRecordContextMissingFields(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want error
	}{
		{"missing srcport", `{"id":1,"proto":"tcp","srcaddr":"10.0.0.5","dstaddr":"8.8.8.8","dstport":80}`, core.ErrMalformedRecord},
		{"missing proto", `{"id":2,"srcaddr":"10.0.0.5","srcport":1,"dstaddr":"8.8.8.8","dstport":80}`, core.ErrMalformedRecord},
		{"bad address", `{"id":3,"proto":"udp","srcaddr":"nope","srcport":1,"dstaddr":"8.8.8.8","dstport":53}`, core.ErrMalformedRecord},
		{"icmp", `{"id":4,"proto":"icmp","srcaddr":"10.0.0.5","srcport":0,"dstaddr":"8.8.8.8","dstport":0}`, core.ErrUnsupportedProto},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := DecodeRecord([]byte(tt.raw))
			require.NoError(t, err)
			pctx, err := rec.Context()
			assert.Nil(t, pctx)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestDispositionEncode(t *testing.T) {
	b, err := Unchanged(7).Encode()
	require.NoError(t, err)
	require.Equal(t, byte(0), b[len(b)-1])

	var got map[string]any
	require.NoError(t, json.Unmarshal(b[:len(b)-1], &got))
	assert.Equal(t, float64(7), got["id"])
	assert.Equal(t, false, got["changed"])
	assert.NotContains(t, got, "srcaddr")
}

func TestRewrittenCarriesAddressing(t *testing.T) {
	rec, err := DecodeRecord([]byte(`{"id":9,"direction":"in","proto":"udp","srcaddr":"127.0.0.1","srcport":1337,"dstaddr":"10.0.0.5","dstport":5353,"ip_ver":4}`))
	require.NoError(t, err)
	pctx, err := rec.Context()
	require.NoError(t, err)

	pctx.SetSrcIP(netip.MustParseAddr("8.8.8.8"))
	pctx.SetSrcPort(53)
	d := Rewritten(pctx)

	assert.True(t, d.Changed)
	assert.Equal(t, uint32(9), d.ID)
	assert.Equal(t, "in", d.Direction)
	assert.Equal(t, "udp", d.Proto)
	assert.Equal(t, "8.8.8.8", d.SrcAddr)
	assert.Equal(t, uint16(53), d.SrcPort)
	assert.Equal(t, "10.0.0.5", d.DstAddr)
	assert.Equal(t, uint16(5353), d.DstPort)

	// Applying the disposition to the original packet reproduces the rewrite.
	orig, err := rec.Context()
	require.NoError(t, err)
	require.NoError(t, d.Apply(orig))
	assert.Equal(t, pctx.SrcEndpoint(), orig.SrcEndpoint())
	assert.Equal(t, pctx.DstEndpoint(), orig.DstEndpoint())
}
