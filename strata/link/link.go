// Package link implements perfect point-to-point links over an unreliable datagram transport.
//
// Every data packet handed to Send is held in the Outbox and retransmitted until the destination acknowledges it.
// The outbox bounds in-flight packets per destination, so an unresponsive peer stalls only the traffic addressed to it.
// Every data packet received is acknowledged (even duplicates) and handed upward at most once per (relayer, source, seq).
package link

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/expiring"
	"github.com/rflandau/strata/strata/packet"
	"github.com/rflandau/strata/strata/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultResendInterval time.Duration = 2 * time.Second
	DefaultLivenessTTL    time.Duration = 10 * time.Second
)

// Upper is the layer a Link delivers to.
type Upper interface {
	Deliver(ctx context.Context, pkt *packet.Packet) error
}

// Conn is the datagram transport a Link drives.
// *transport.Conn satisfies it.
type Conn interface {
	Send(pkt *packet.Packet, to netip.AddrPort) error
	SendBatch(dgs []transport.Datagram) error
	Receive() (*packet.Packet, netip.AddrPort, error)
	Close() error
}

type outgoing struct {
	dest strata.ProcessID
	pkt  *packet.Packet
}

// A Link is the perfect link of a single process to every process in the hosts table (itself included).
// Create with New, Bind an upper layer, then Run.
type Link struct {
	log   *zerolog.Logger
	self  strata.ProcessID
	hosts map[strata.ProcessID]netip.AddrPort // immutable after New
	conn  Conn
	upper Upper

	outbox *Outbox
	sendMu sync.Mutex // held for every write to conn

	sendQ chan outgoing
	ackQ  chan outgoing
	inQ   chan *packet.Packet

	// (relayer, source) -> seqs delivered upward.
	// Only touched by the processor.
	delivered map[[2]strata.ProcessID]mapset.Set[uint64]

	live expiring.Table[strata.ProcessID, netip.AddrPort]

	resendInterval time.Duration
	livenessTTL    time.Duration
	outboxCap      int
	queueCap       int
}

// Option function to set various options on a Link.
type Option func(*Link)

// WithLogger replaces the link's default logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(lk *Link) { lk.log = l }
}

// WithResendInterval sets how often unacknowledged packets are retransmitted.
func WithResendInterval(d time.Duration) Option {
	return func(lk *Link) {
		if d > 0 {
			lk.resendInterval = d
		}
	}
}

// WithOutboxCapacity sets how many unacknowledged packets may be in flight to a single destination.
// Sends beyond that wait in the destination's overflow line and are not retransmitted until promoted.
func WithOutboxCapacity(n int) Option {
	return func(lk *Link) { lk.outboxCap = n }
}

// WithQueueCapacity sets the capacity of the link's internal queues.
func WithQueueCapacity(n int) Option {
	return func(lk *Link) {
		if n > 0 {
			lk.queueCap = n
		}
	}
}

// WithLivenessTTL sets how long a peer is considered live after the last datagram received from it.
func WithLivenessTTL(d time.Duration) Option {
	return func(lk *Link) {
		if d > 0 {
			lk.livenessTTL = d
		}
	}
}

// New creates a link for process self over conn.
// hosts must contain self.
func New(self strata.ProcessID, hosts map[strata.ProcessID]netip.AddrPort, conn Conn, opts ...Option) (*Link, error) {
	if _, found := hosts[self]; !found {
		return nil, strata.ErrUnknownProcess(self)
	} else if conn == nil {
		return nil, errors.New("conn cannot be nil")
	}
	lk := &Link{
		self:           self,
		hosts:          make(map[strata.ProcessID]netip.AddrPort, len(hosts)),
		conn:           conn,
		delivered:      make(map[[2]strata.ProcessID]mapset.Set[uint64]),
		resendInterval: DefaultResendInterval,
		livenessTTL:    DefaultLivenessTTL,
		outboxCap:      DefaultOutboxCapacity,
		queueCap:       strata.DefaultQueueCapacity,
	}
	for id, ap := range hosts {
		lk.hosts[id] = ap
	}
	for _, opt := range opts {
		opt(lk)
	}
	if lk.log == nil {
		lk.log = strata.Sublogger(strata.DefaultLogger(self), "pl")
	}
	lk.outbox = NewOutbox(lk.outboxCap)
	lk.sendQ = make(chan outgoing, lk.queueCap)
	lk.ackQ = make(chan outgoing, lk.queueCap)
	lk.inQ = make(chan *packet.Packet, lk.queueCap)
	return lk, nil
}

// Bind sets the layer that packets are delivered to.
// Must be called before Run.
func (lk *Link) Bind(upper Upper) {
	lk.upper = upper
}

// Outbox returns the link's outbox of unacknowledged packets.
func (lk *Link) Outbox() *Outbox {
	return lk.outbox
}

// Send queues a data packet for reliable delivery to dest.
// Blocks while the send queue is full.
// Returns ctx.Err() if the context finishes first.
func (lk *Link) Send(ctx context.Context, pkt *packet.Packet, dest strata.ProcessID) error {
	if _, found := lk.hosts[dest]; !found {
		return strata.ErrUnknownProcess(dest)
	}
	select {
	case lk.sendQ <- outgoing{dest, pkt}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Queued returns the number of sends not yet in flight:
// those still in the send queue plus those waiting on a destination at capacity.
func (lk *Link) Queued() int {
	return len(lk.sendQ) + lk.outbox.Waiting()
}

// LivePeers returns the ids of processes heard from within the liveness TTL, in ascending order.
func (lk *Link) LivePeers() []strata.ProcessID {
	ids := lk.live.Keys()
	slices.Sort(ids)
	return ids
}

// Run spawns the link's workers and blocks until they all exit.
// A fatal error in any worker stops the others and is returned.
// Panics if no upper layer was bound.
func (lk *Link) Run(ctx context.Context) error {
	if lk.upper == nil {
		panic(strata.ErrUnbound)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lk.listen(gctx) })
	g.Go(func() error { return lk.process(gctx) })
	g.Go(func() error { return lk.sendAcks(gctx) })
	g.Go(func() error { return lk.retransmit(gctx) })
	g.Go(func() error { return lk.feed(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return lk.conn.Close()
	})
	lk.log.Debug().Func(lk.Zerolog).Msg("link running")
	return g.Wait()
}

// Zerolog attaches the link's current state to the given event.
func (lk *Link) Zerolog(e *zerolog.Event) {
	e.Uint64("self", lk.self).
		Int("outbox", lk.outbox.Len()).
		Int("queued", lk.Queued()).
		Uints64("live peers", lk.LivePeers()).
		Dur("resend interval", lk.resendInterval)
}

//#region workers

// listen reads datagrams off the conn until it is closed.
// It never blocks on the layers above.
func (lk *Link) listen(ctx context.Context) error {
	for {
		pkt, from, err := lk.conn.Receive()
		if err != nil {
			switch {
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, transport.ErrTimeout):
			case errors.Is(err, transport.ErrEmptyDatagram):
				lk.log.Debug().Str("sender address", from.String()).Msg("dropping empty datagram")
			case errors.Is(err, packet.ErrMalformed), errors.Is(err, packet.ErrBadAckFlag):
				lk.log.Warn().Err(err).Msg("dropping malformed datagram")
			case errors.Is(err, net.ErrClosed):
				return nil
			default:
				return err
			}
			continue
		}
		if _, known := lk.hosts[pkt.ProcessID]; !known {
			lk.log.Warn().Str("sender address", from.String()).Func(pkt.Zerolog).Msg("dropping packet from unknown process")
			continue
		}
		if !lk.live.Refresh(pkt.ProcessID, lk.livenessTTL) {
			lk.live.Store(pkt.ProcessID, from, lk.livenessTTL)
		}

		// acks are retired here so they are never stuck behind a processor blocked on the layer above
		if pkt.IsAck {
			removed, next := lk.outbox.Remove(pkt.ProcessID, pkt.SourceID, pkt.Seq)
			if !removed {
				lk.log.Debug().Func(pkt.Zerolog).Msg("ack for packet not in outbox")
			} else if next != nil {
				lk.transmit(outgoing{pkt.ProcessID, next})
			}
			continue
		}
		select {
		case lk.inQ <- pkt:
		default:
			// unacknowledged, so the sender will retransmit it
			lk.log.Debug().Func(pkt.Zerolog).Msg("receive queue full; dropping packet")
		}
	}
}

// process acknowledges and deduplicates received data packets, one at a time.
func (lk *Link) process(ctx context.Context) error {
	for {
		var pkt *packet.Packet
		select {
		case pkt = <-lk.inQ:
		case <-ctx.Done():
			return nil
		}

		select {
		case lk.ackQ <- outgoing{pkt.ProcessID, packet.NewAck(lk.self, pkt.SourceID, pkt.Seq)}:
		case <-ctx.Done():
			return nil
		}

		k := [2]strata.ProcessID{pkt.ProcessID, pkt.SourceID}
		seqs, found := lk.delivered[k]
		if !found {
			seqs = mapset.NewThreadUnsafeSet[uint64]()
			lk.delivered[k] = seqs
		}
		if !seqs.Add(pkt.Seq) {
			lk.log.Debug().Func(pkt.Zerolog).Msg("duplicate")
			continue
		}
		if err := lk.upper.Deliver(ctx, pkt); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (lk *Link) sendAcks(ctx context.Context) error {
	for {
		select {
		case o := <-lk.ackQ:
			lk.transmit(o)
		case <-ctx.Done():
			return nil
		}
	}
}

// feed moves queued sends into the outbox, transmitting each once if it is admitted into flight.
// Packets for a destination at capacity are left in its line; the listener transmits them on promotion.
func (lk *Link) feed(ctx context.Context) error {
	for {
		var o outgoing
		select {
		case o = <-lk.sendQ:
		case <-ctx.Done():
			return nil
		}
		if lk.outbox.Add(o.dest, o.pkt) {
			lk.transmit(o)
		}
	}
}

// retransmit resends the whole outbox every resend interval.
func (lk *Link) retransmit(ctx context.Context) error {
	ticker := time.NewTicker(lk.resendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
		entries := lk.outbox.Snapshot()
		if len(entries) == 0 {
			continue
		}
		dgs := make([]transport.Datagram, len(entries))
		for i, e := range entries {
			dgs[i] = transport.Datagram{Pkt: e.Pkt, To: lk.hosts[e.Dest]}
		}
		lk.sendMu.Lock()
		err := lk.conn.SendBatch(dgs)
		lk.sendMu.Unlock()
		if err != nil && ctx.Err() == nil {
			lk.log.Error().Err(err).Int("entries", len(dgs)).Msg("retransmission sweep failed")
		}
	}
}

// transmit writes a single packet under the send lock.
// Failures are logged; data packets remain in the outbox and are retried by the sweep.
func (lk *Link) transmit(o outgoing) {
	lk.sendMu.Lock()
	err := lk.conn.Send(o.pkt, lk.hosts[o.dest])
	lk.sendMu.Unlock()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		lk.log.Error().Err(err).Uint64("dest", o.dest).Func(o.pkt.Zerolog).Msg("send failed")
	}
}

//#endregion workers
