package capture

import (
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// fakeHandle replays queued frames and records writes.
type fakeHandle struct {
	linkType layers.LinkType
	frames   chan []byte

	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func newFakeHandle(lt layers.LinkType) *fakeHandle {
	return &fakeHandle{linkType: lt, frames: make(chan []byte, 16)}
}

func (f *fakeHandle) ReadPacketData() ([]byte, gopacket.CaptureInfo, error) {
	select {
	case data := <-f.frames:
		return data, gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(data), Length: len(data)}, nil
	case <-time.After(5 * time.Millisecond):
		return nil, gopacket.CaptureInfo{}, ErrReadTimeout
	}
}

func (f *fakeHandle) WritePacketData(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeHandle) LinkType() layers.LinkType { return f.linkType }

func (f *fakeHandle) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeHandle) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
