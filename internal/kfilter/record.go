package kfilter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/netip"

	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/packet"
)

// Record is one packet pulled from the kernel filter. Address fields are
// pointers so a missing field can be told apart from a zero value.
type Record struct {
	ID        uint32  `json:"id"`
	Direction string  `json:"direction,omitempty"`
	Proto     *string `json:"proto,omitempty"`
	SrcAddr   *string `json:"srcaddr,omitempty"`
	SrcPort   *uint16 `json:"srcport,omitempty"`
	DstAddr   *string `json:"dstaddr,omitempty"`
	DstPort   *uint16 `json:"dstport,omitempty"`
	IPVer     int     `json:"ip_ver,omitempty"`
	PID       int     `json:"pid,omitempty"`
	ProcName  string  `json:"procname,omitempty"`

	invalid error
}

// DecodeRecord parses a NUL-terminated JSON record. A record that does not
// decode but still names its id comes back id-only, so it can be dropped;
// only a record without a readable id is an error.
func DecodeRecord(data []byte) (*Record, error) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	var r Record
	err := json.Unmarshal(data, &r)
	if err == nil {
		return &r, nil
	}
	err = fmt.Errorf("%w: %v", core.ErrMalformedRecord, err)
	if id, ok := scanID(data); ok {
		return &Record{ID: id, invalid: err}, nil
	}
	return nil, err
}

// scanID reads the top-level "id" member from a record that failed to
// decode, tolerating bad sibling values and a truncated tail.
func scanID(data []byte) (uint32, bool) {
	var lenient struct {
		ID *uint32 `json:"id"`
	}
	if err := json.Unmarshal(data, &lenient); err == nil {
		if lenient.ID == nil {
			return 0, false
		}
		return *lenient.ID, true
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		return 0, false
	}
	for dec.More() {
		key, err := dec.Token()
		if err != nil {
			return 0, false
		}
		if key == "id" {
			var id uint32
			if err := dec.Decode(&id); err != nil {
				return 0, false
			}
			return id, true
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return 0, false
		}
	}
	return 0, false
}

// Context reconstructs the packet described by the record.
// Missing addressing fields or a protocol other than tcp/udp are errors;
// no partial context is built.
func (r *Record) Context() (*packet.Context, error) {
	if r.invalid != nil {
		return nil, fmt.Errorf("record %d: %w", r.ID, r.invalid)
	}
	if r.Proto == nil || r.SrcAddr == nil || r.SrcPort == nil || r.DstAddr == nil || r.DstPort == nil {
		return nil, fmt.Errorf("%w: record %d missing addressing fields", core.ErrMalformedRecord, r.ID)
	}
	proto, err := core.ParseProtocol(*r.Proto)
	if err != nil {
		return nil, err
	}
	src, err := netip.ParseAddr(*r.SrcAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: srcaddr %q", core.ErrMalformedRecord, *r.SrcAddr)
	}
	dst, err := netip.ParseAddr(*r.DstAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: dstaddr %q", core.ErrMalformedRecord, *r.DstAddr)
	}

	pctx, err := packet.FromFields(proto, src, *r.SrcPort, dst, *r.DstPort)
	if err != nil {
		return nil, err
	}
	pctx.Label = "kernel"
	pctx.Meta = &packet.Meta{
		ID:        r.ID,
		Direction: core.Direction(r.Direction),
		IPVersion: r.IPVer,
		PID:       r.PID,
		ProcName:  r.ProcName,
	}
	return pctx, nil
}

// Disposition is the response for one record: either the unchanged marker
// or the full rewritten 5-tuple.
type Disposition struct {
	ID        uint32 `json:"id"`
	Direction string `json:"direction,omitempty"`
	Proto     string `json:"proto,omitempty"`
	SrcAddr   string `json:"srcaddr,omitempty"`
	SrcPort   uint16 `json:"srcport,omitempty"`
	DstAddr   string `json:"dstaddr,omitempty"`
	DstPort   uint16 `json:"dstport,omitempty"`
	IPVer     int    `json:"ip_ver,omitempty"`
	Changed   bool   `json:"changed"`
}

// Unchanged lets the packet continue as it was.
func Unchanged(id uint32) Disposition {
	return Disposition{ID: id}
}

// Rewritten carries the context's current addressing back to the filter.
func Rewritten(pctx *packet.Context) Disposition {
	d := Disposition{
		Proto:   string(pctx.Protocol),
		SrcAddr: pctx.SrcIP().String(),
		SrcPort: pctx.SrcPort(),
		DstAddr: pctx.DstIP().String(),
		DstPort: pctx.DstPort(),
		Changed: true,
	}
	if m := pctx.Meta; m != nil {
		d.ID = m.ID
		d.Direction = string(m.Direction)
		d.IPVer = m.IPVersion
	}
	return d
}

// Apply writes the disposition's addressing onto pctx.
func (d Disposition) Apply(pctx *packet.Context) error {
	src, err := netip.ParseAddr(d.SrcAddr)
	if err != nil {
		return fmt.Errorf("%w: srcaddr %q", core.ErrMalformedRecord, d.SrcAddr)
	}
	dst, err := netip.ParseAddr(d.DstAddr)
	if err != nil {
		return fmt.Errorf("%w: dstaddr %q", core.ErrMalformedRecord, d.DstAddr)
	}
	pctx.SetSrcIP(src)
	pctx.SetDstIP(dst)
	pctx.SetSrcPort(d.SrcPort)
	pctx.SetDstPort(d.DstPort)
	return nil
}

// Encode renders the NUL-terminated wire form.
func (d Disposition) Encode() ([]byte, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return append(b, 0), nil
}
