// Package order implements the top of the broadcast stack: FIFO and causal broadcast over URB.
//
// Both variants share a local broadcaster that numbers messages 1..m, batches them into packets,
// and keeps at most one locally originated packet in flight;
// the next packet is built only after the previous one has been delivered back to us.
package order

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/packet"
	"github.com/rflandau/strata/strata/vclock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// URB is the reliable layer ordered broadcast runs over.
type URB interface {
	Broadcast(ctx context.Context, pkt *packet.Packet) error
}

// Sink records broadcast and delivery events.
// Calls are made from at most two goroutines (broadcaster and deliverer) and must be safe for that.
type Sink interface {
	// Broadcast records every message of a locally originated packet.
	Broadcast(pkt *packet.Packet) error
	// Deliver records every message of a delivered packet.
	Deliver(pkt *packet.Packet) error
}

// layer holds what FIFO and Causal share: configuration, the local broadcaster, and the deliverer.
type layer struct {
	log  *zerolog.Logger
	self strata.ProcessID
	urb  URB
	sink Sink

	messages uint64 // messages to originate
	limit    int    // max encoded size of an originated packet
	queueCap int

	deliverQ chan *packet.Packet
	turn     chan struct{} // signalled when our in-flight packet is delivered back
	sent     atomic.Uint64 // packets originated so far
}

// Option function to set various options on an ordered broadcaster.
type Option func(*layer)

// WithLogger replaces the default logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(ly *layer) { ly.log = l }
}

// WithMessages sets the number of messages this process originates.
// Defaults to 0 (deliver only).
func WithMessages(m uint64) Option {
	return func(ly *layer) { ly.messages = m }
}

// WithPacketLimit caps the encoded size of originated packets, so fewer messages are batched per packet.
// Values above strata.MaxPacketSize are clamped.
func WithPacketLimit(n int) Option {
	return func(ly *layer) {
		if n > 0 && n <= int(strata.MaxPacketSize) {
			ly.limit = n
		}
	}
}

// WithQueueCapacity sets the capacity of the delivery queue.
func WithQueueCapacity(n int) Option {
	return func(ly *layer) {
		if n > 0 {
			ly.queueCap = n
		}
	}
}

func newLayer(self strata.ProcessID, urb URB, sink Sink, layerName string, opts []Option) *layer {
	ly := &layer{
		self:     self,
		urb:      urb,
		sink:     sink,
		limit:    int(strata.MaxPacketSize),
		queueCap: strata.DefaultQueueCapacity,
		turn:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(ly)
	}
	if ly.log == nil {
		ly.log = strata.Sublogger(strata.DefaultLogger(self), layerName)
	}
	ly.deliverQ = make(chan *packet.Packet, ly.queueCap)
	return ly
}

// run spawns the broadcaster and deliverer.
// mu is held from packet creation until the packet is recorded by the sink.
// stamp, if not nil, is called under mu to attach a vector clock to a fresh packet.
func (ly *layer) run(ctx context.Context, mu sync.Locker, stamp func(seq uint64) vclock.Clock) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ly.broadcast(gctx, mu, stamp) })
	g.Go(func() error { return ly.deliver(gctx) })
	return g.Wait()
}

// broadcast originates messages 1..m.
func (ly *layer) broadcast(ctx context.Context, mu sync.Locker, stamp func(seq uint64) vclock.Clock) error {
	var (
		next uint64 = 1 // next message
		seq  uint64     // next packet
	)
	for next <= ly.messages {
		mu.Lock()
		p := packet.New(ly.self, seq, next)
		if stamp != nil {
			p.Clock = stamp(seq)
		}
		for next <= ly.messages {
			msg := strconv.FormatUint(next, 10)
			if p.NumMessages() > 0 && !p.CanAdd(msg, ly.limit) {
				break
			}
			if err := p.Add(msg); err != nil {
				mu.Unlock()
				return err
			}
			next++
		}
		err := ly.sink.Broadcast(p)
		mu.Unlock()
		if err != nil {
			return err
		}

		if err := ly.urb.Broadcast(ctx, p); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		seq++
		ly.sent.Store(seq)
		ly.log.Debug().Func(p.Zerolog).Msg("originated packet")

		if next > ly.messages {
			break
		}
		select {
		case <-ly.turn:
		case <-ctx.Done():
			return nil
		}
	}
	ly.log.Info().Uint64("messages", ly.messages).Uint64("packets", seq).Msg("finished broadcasting")
	return nil
}

// deliver hands released packets to the sink in release order.
func (ly *layer) deliver(ctx context.Context) error {
	for {
		select {
		case p := <-ly.deliverQ:
			if err := ly.sink.Deliver(p); err != nil {
				return err
			}
			if p.SourceID == ly.self {
				select {
				case ly.turn <- struct{}{}:
				default:
				}
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// release queues packets for the deliverer, in order.
func (ly *layer) release(ctx context.Context, pkts []*packet.Packet) error {
	for _, p := range pkts {
		select {
		case ly.deliverQ <- p:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
