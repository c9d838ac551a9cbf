// Package urb implements majority-ack uniform reliable broadcast on top of best-effort broadcast.
//
// Every process relays each packet the first time it sees it.
// A packet is delivered once strictly more than half of the processes have been seen relaying (or originating) it,
// so that if any correct process delivers a packet, every correct process eventually does.
package urb

import (
	"context"
	"maps"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/packet"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BEB is the best-effort layer URB broadcasts and relays through.
type BEB interface {
	Broadcast(ctx context.Context, pkt *packet.Packet) error
	Rebroadcast(ctx context.Context, pkt *packet.Packet) error
}

// Upper is the layer a URB delivers to.
type Upper interface {
	URBDeliver(ctx context.Context, pkt *packet.Packet) error
}

// identifies a broadcast regardless of who relayed it
type pktID struct {
	source strata.ProcessID
	seq    uint64
}

// URB is a uniform reliable broadcaster for a fixed set of n processes.
type URB struct {
	log   *zerolog.Logger
	self  strata.ProcessID
	n     int
	beb   BEB
	upper Upper

	mu        sync.Mutex
	acks      map[pktID]mapset.Set[strata.ProcessID] // released on delivery
	pending   mapset.Set[pktID]
	delivered mapset.Set[pktID]
	perSource map[strata.ProcessID]uint64 // delivered packet count per source

	deliverQ chan *packet.Packet
	queueCap int
}

// Option function to set various options on a URB.
type Option func(*URB)

// WithLogger replaces the default logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(u *URB) { u.log = l }
}

// WithQueueCapacity sets the capacity of the delivery queue.
func WithQueueCapacity(n int) Option {
	return func(u *URB) {
		if n > 0 {
			u.queueCap = n
		}
	}
}

// New returns a URB for process self among n processes.
func New(self strata.ProcessID, n int, beb BEB, opts ...Option) *URB {
	u := &URB{
		self:      self,
		n:         n,
		beb:       beb,
		acks:      make(map[pktID]mapset.Set[strata.ProcessID]),
		pending:   mapset.NewThreadUnsafeSet[pktID](),
		delivered: mapset.NewThreadUnsafeSet[pktID](),
		perSource: make(map[strata.ProcessID]uint64),
		queueCap:  strata.DefaultQueueCapacity,
	}
	for _, opt := range opts {
		opt(u)
	}
	if u.log == nil {
		u.log = strata.Sublogger(strata.DefaultLogger(self), "urb")
	}
	u.deliverQ = make(chan *packet.Packet, u.queueCap)
	return u
}

// Bind sets the layer that packets are delivered to.
func (u *URB) Bind(upper Upper) {
	u.upper = upper
}

// Broadcast marks a locally originated packet pending and hands it to BEB.
// As the packet is already pending when it returns to us, the source never relays its own packets.
func (u *URB) Broadcast(ctx context.Context, pkt *packet.Packet) error {
	u.mu.Lock()
	u.pending.Add(pktID{pkt.SourceID, pkt.Seq})
	u.mu.Unlock()
	return u.beb.Broadcast(ctx, pkt)
}

// BEBDeliver records pkt.ProcessID as having seen the packet, relays the packet if this is the first sighting,
// and queues the packet for delivery once a majority has seen it.
func (u *URB) BEBDeliver(ctx context.Context, pkt *packet.Packet) error {
	id := pktID{pkt.SourceID, pkt.Seq}

	u.mu.Lock()
	if u.delivered.Contains(id) {
		u.mu.Unlock()
		u.log.Debug().Func(pkt.Zerolog).Msg("ignoring relay of delivered packet")
		return nil
	}
	seen, found := u.acks[id]
	if !found {
		seen = mapset.NewThreadUnsafeSet[strata.ProcessID]()
		u.acks[id] = seen
	}
	seen.Add(pkt.ProcessID)
	relay := u.pending.Add(id)
	u.mu.Unlock()

	if relay {
		r, err := pkt.Relay(u.self)
		if err != nil {
			u.log.Error().Err(err).Func(pkt.Zerolog).Msg("failed to relay packet")
		} else if err := u.beb.Rebroadcast(ctx, r); err != nil {
			return err
		}
	}

	u.mu.Lock()
	if !u.pending.Contains(id) || u.acks[id].Cardinality() < strata.Majority(u.n) {
		u.mu.Unlock()
		return nil
	}
	u.pending.Remove(id)
	u.delivered.Add(id)
	delete(u.acks, id)
	u.perSource[id.source]++
	u.mu.Unlock()

	select {
	case u.deliverQ <- pkt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats is a point-in-time view of a URB's bookkeeping.
type Stats struct {
	Pending   int
	Delivered int
	// packets delivered, keyed by source
	PerSource map[strata.ProcessID]uint64
}

// Stats returns the current URB bookkeeping counts.
func (u *URB) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return Stats{
		Pending:   u.pending.Cardinality(),
		Delivered: u.delivered.Cardinality(),
		PerSource: maps.Clone(u.perSource),
	}
}

// Run spawns the deliverer and blocks until it exits.
// Panics if no upper layer was bound.
func (u *URB) Run(ctx context.Context) error {
	if u.upper == nil {
		panic(strata.ErrUnbound)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			select {
			case pkt := <-u.deliverQ:
				if err := u.upper.URBDeliver(gctx, pkt); err != nil {
					if gctx.Err() != nil {
						return nil
					}
					return err
				}
			case <-gctx.Done():
				return nil
			}
		}
	})
	return g.Wait()
}
