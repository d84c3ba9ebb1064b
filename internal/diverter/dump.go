package diverter

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/divert/internal/log"
)

// Dumper writes raw IPv4 packets to a pcap file.
type Dumper struct {
	mu   sync.Mutex
	f    *os.File
	bw   *bufio.Writer
	w    *pcapgo.Writer
	path string

	logger   log.Logger
	writeErr error // first failed write
}

// NewDumper creates <prefix>_<timestamp>.pcap.
func NewDumper(prefix string) (*Dumper, error) {
	path := fmt.Sprintf("%s_%s.pcap", prefix, time.Now().Format("20060102_150405"))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create dump file: %w", err)
	}
	bw := bufio.NewWriter(f)
	w := pcapgo.NewWriter(bw)
	if err := w.WriteFileHeader(0xffff, layers.LinkTypeRaw); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	return &Dumper{
		f:      f,
		bw:     bw,
		w:      w,
		path:   path,
		logger: log.GetLogger().WithField("component", "dump"),
	}, nil
}

func (d *Dumper) Path() string { return d.path }

// Write appends every non-empty packet with the current timestamp.
func (d *Dumper) Write(pkts ...[]byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return
	}
	now := time.Now()
	for _, p := range pkts {
		if len(p) == 0 {
			continue
		}
		ci := gopacket.CaptureInfo{Timestamp: now, CaptureLength: len(p), Length: len(p)}
		if err := d.w.WritePacket(ci, p); err != nil && d.writeErr == nil {
			d.writeErr = err
			d.logger.WithError(err).Warnf("failed to write %s, later failures are not logged", d.path)
		}
	}
}

func (d *Dumper) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.w == nil {
		return nil
	}
	d.w = nil
	if err := d.bw.Flush(); err != nil {
		d.f.Close()
		return err
	}
	return d.f.Close()
}
