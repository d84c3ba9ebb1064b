//go:build linux

package kfilter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"

	"firestige.xyz/divert/internal/config"
	"firestige.xyz/divert/internal/core"
	"firestige.xyz/divert/internal/log"
	"firestige.xyz/divert/internal/packet"
)

const recordBacklog = 1024

// nfqueueChannel speaks to the kernel through NFQUEUE. Swallow mode is an
// nftables table that queues TCP and UDP on the input and output hooks.
type nfqueueChannel struct {
	queueNum uint16
	table    string
	logger   log.Logger

	nf      *nfqueue.Nfqueue
	cancel  context.CancelFunc
	records chan *Record

	mu      sync.Mutex
	pending map[uint32][]byte
}

// NewPlatform returns the NFQUEUE channel and the nfnetlink_queue module loader.
func NewPlatform(cfg config.KernelConfig) (Channel, Extension, error) {
	ch := &nfqueueChannel{
		queueNum: cfg.QueueNum,
		table:    cfg.Table,
		logger:   log.GetLogger().WithField("component", "nfqueue"),
		records:  make(chan *Record, recordBacklog),
		pending:  make(map[uint32][]byte),
	}
	return ch, NewModuleExtension(cfg.ExtensionPath, cfg.UnloadRetries, cfg.UnloadDelay), nil
}

func (c *nfqueueChannel) Open(ctx context.Context) error {
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      c.queueNum,
		MaxPacketLen: 0xffff,
		MaxQueueLen:  0xff,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("nfqueue open (queue=%d): %w", c.queueNum, err)
	}

	rctx, cancel := context.WithCancel(context.Background())
	if err := nf.RegisterWithErrorFunc(rctx, c.hook, c.onError); err != nil {
		cancel()
		nf.Close()
		return fmt.Errorf("nfqueue register: %w", err)
	}
	c.nf = nf
	c.cancel = cancel
	return nil
}

func (c *nfqueueChannel) hook(a nfqueue.Attribute) int {
	if a.PacketID == nil || a.Payload == nil {
		return 0
	}
	id := *a.PacketID
	raw := append([]byte(nil), (*a.Payload)...)

	rec := &Record{ID: id, Direction: string(hookDirection(a.Hook)), IPVer: 4}
	if pctx, err := packet.FromIPv4("nfqueue", raw); err == nil && pctx.Protocol.IsTransport() {
		proto, src, dst := string(pctx.Protocol), pctx.SrcIP().String(), pctx.DstIP().String()
		sport, dport := pctx.SrcPort(), pctx.DstPort()
		rec.Proto, rec.SrcAddr, rec.DstAddr = &proto, &src, &dst
		rec.SrcPort, rec.DstPort = &sport, &dport
	}

	c.mu.Lock()
	c.pending[id] = raw
	c.mu.Unlock()

	select {
	case c.records <- rec:
	default:
		// Backlog full: let the packet through untouched rather than stall the queue.
		c.take(id)
		if err := c.nf.SetVerdict(id, nfqueue.NfAccept); err != nil {
			c.logger.WithError(err).Warnf("accept overflow packet %d", id)
		}
	}
	return 0
}

func (c *nfqueueChannel) onError(err error) int {
	c.logger.WithError(err).Debug("nfqueue receive error")
	return 0
}

// hookDirection maps a netfilter hook number to a packet direction.
func hookDirection(hook *uint8) core.Direction {
	if hook != nil && (*hook == unix.NF_INET_LOCAL_OUT || *hook == unix.NF_INET_POST_ROUTING) {
		return core.DirectionOut
	}
	return core.DirectionIn
}

func (c *nfqueueChannel) take(id uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.pending[id]
	delete(c.pending, id)
	return raw, ok
}

func (c *nfqueueChannel) Next(ctx context.Context) (*Record, error) {
	select {
	case rec, ok := <-c.records:
		if !ok {
			return nil, core.ErrChannelClosed
		}
		return rec, nil
	case <-ctx.Done():
		return nil, core.ErrNoPacket
	}
}

func (c *nfqueueChannel) Inject(d Disposition) error {
	raw, ok := c.take(d.ID)
	if !ok {
		return fmt.Errorf("%w: %d", core.ErrUnknownPacketID, d.ID)
	}
	if !d.Changed {
		return c.nf.SetVerdict(d.ID, nfqueue.NfAccept)
	}

	rewritten, err := rewrite(raw, d)
	if err != nil {
		// Fall back to the original bytes so the packet is not stuck in the queue.
		return errors.Join(err, c.nf.SetVerdict(d.ID, nfqueue.NfAccept))
	}
	return c.nf.SetVerdictModPacket(d.ID, nfqueue.NfAccept, rewritten)
}

func rewrite(raw []byte, d Disposition) ([]byte, error) {
	pctx, err := packet.FromIPv4("nfqueue", raw)
	if err != nil {
		return nil, err
	}
	if err := d.Apply(pctx); err != nil {
		return nil, err
	}
	return pctx.Bytes()
}

func (c *nfqueueChannel) Drop(id uint32) error {
	c.take(id)
	return c.nf.SetVerdict(id, nfqueue.NfDrop)
}

func (c *nfqueueChannel) EnableSwallow() error {
	conn, err := nftables.New()
	if err != nil {
		return err
	}
	t := conn.AddTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: c.table})
	chains := []*nftables.Chain{
		// Route type so rewritten destinations are re-routed.
		conn.AddChain(&nftables.Chain{
			Name:     "output",
			Table:    t,
			Type:     nftables.ChainTypeRoute,
			Hooknum:  nftables.ChainHookOutput,
			Priority: nftables.ChainPriorityMangle,
		}),
		conn.AddChain(&nftables.Chain{
			Name:     "input",
			Table:    t,
			Type:     nftables.ChainTypeFilter,
			Hooknum:  nftables.ChainHookInput,
			Priority: nftables.ChainPriorityMangle,
		}),
	}
	for _, chain := range chains {
		for _, proto := range []byte{unix.IPPROTO_TCP, unix.IPPROTO_UDP} {
			conn.AddRule(&nftables.Rule{
				Table: t,
				Chain: chain,
				Exprs: queueExprs(proto, c.queueNum),
			})
		}
	}
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("install nftables queue rules: %w", err)
	}
	c.logger.Infof("swallow enabled: table %s queue %d", c.table, c.queueNum)
	return nil
}

// queueExprs is `meta l4proto <proto> queue num <n> bypass`.
func queueExprs(proto byte, num uint16) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		&expr.Queue{Num: num, Flag: expr.QueueFlagBypass},
	}
}

func (c *nfqueueChannel) DisableSwallow() error {
	conn, err := nftables.New()
	if err != nil {
		return err
	}
	conn.DelTable(&nftables.Table{Family: nftables.TableFamilyIPv4, Name: c.table})
	if err := conn.Flush(); err != nil {
		return fmt.Errorf("remove nftables table %s: %w", c.table, err)
	}
	return nil
}

func (c *nfqueueChannel) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	for id := range c.pending {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if c.nf == nil {
		return nil
	}
	return c.nf.Close()
}
