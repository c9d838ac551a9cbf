// Package beb implements best-effort broadcast on top of perfect links.
// A broadcast packet is sent to every member (the sender included); every link delivery is passed upward unchanged.
package beb

import (
	"context"

	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/packet"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Link is the point-to-point layer a BEB fans out over.
type Link interface {
	Send(ctx context.Context, pkt *packet.Packet, dest strata.ProcessID) error
}

// Upper is the layer a BEB delivers to.
type Upper interface {
	BEBDeliver(ctx context.Context, pkt *packet.Packet) error
}

// BEB is a best-effort broadcaster over a fixed member set.
type BEB struct {
	log     *zerolog.Logger
	link    Link
	members []strata.ProcessID
	upper   Upper

	localQ   chan *packet.Packet
	relayQ   chan *packet.Packet // drained before localQ
	deliverQ chan *packet.Packet
	queueCap int
}

// Option function to set various options on a BEB.
type Option func(*BEB)

// WithLogger replaces the default logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(b *BEB) { b.log = l }
}

// WithQueueCapacity sets the capacity of the broadcast and delivery queues.
func WithQueueCapacity(n int) Option {
	return func(b *BEB) {
		if n > 0 {
			b.queueCap = n
		}
	}
}

// New returns a BEB that broadcasts to members over link.
func New(link Link, members []strata.ProcessID, opts ...Option) *BEB {
	b := &BEB{
		link:     link,
		members:  append([]strata.ProcessID{}, members...),
		queueCap: strata.DefaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = strata.Sublogger(strata.DefaultLogger(0), "beb")
	}
	b.localQ = make(chan *packet.Packet, b.queueCap)
	b.relayQ = make(chan *packet.Packet, b.queueCap)
	b.deliverQ = make(chan *packet.Packet, b.queueCap)
	return b
}

// Bind sets the layer that packets are delivered to.
func (b *BEB) Bind(upper Upper) {
	b.upper = upper
}

// Broadcast queues a locally originated packet for every member.
func (b *BEB) Broadcast(ctx context.Context, pkt *packet.Packet) error {
	return enqueue(ctx, b.localQ, pkt)
}

// Rebroadcast queues a relayed packet for every member.
// Relays are always sent ahead of queued local broadcasts.
func (b *BEB) Rebroadcast(ctx context.Context, pkt *packet.Packet) error {
	return enqueue(ctx, b.relayQ, pkt)
}

// Deliver accepts a packet from the link layer.
func (b *BEB) Deliver(ctx context.Context, pkt *packet.Packet) error {
	return enqueue(ctx, b.deliverQ, pkt)
}

func enqueue(ctx context.Context, q chan<- *packet.Packet, pkt *packet.Packet) error {
	select {
	case q <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run spawns the broadcaster and deliverer and blocks until both exit.
// Panics if no upper layer was bound.
func (b *BEB) Run(ctx context.Context) error {
	if b.upper == nil {
		panic(strata.ErrUnbound)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.broadcast(gctx) })
	g.Go(func() error { return b.deliver(gctx) })
	return g.Wait()
}

func (b *BEB) broadcast(ctx context.Context) error {
	for {
		var pkt *packet.Packet
		select {
		case pkt = <-b.relayQ:
		default:
			select {
			case pkt = <-b.relayQ:
			case pkt = <-b.localQ:
			case <-ctx.Done():
				return nil
			}
		}
		for _, m := range b.members {
			if err := b.link.Send(ctx, pkt, m); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		b.log.Debug().Func(pkt.Zerolog).Msg("broadcast")
	}
}

func (b *BEB) deliver(ctx context.Context) error {
	for {
		select {
		case pkt := <-b.deliverQ:
			if err := b.upper.BEBDeliver(ctx, pkt); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
