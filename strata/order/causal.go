package order

import (
	"cmp"
	"context"
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/packet"
	"github.com/rflandau/strata/strata/vclock"
	"github.com/rs/zerolog"
)

// Causal delivers a packet only after every packet it causally depends on.
//
// Dependencies are restricted to the locality set: an originated packet depends on the packets this process had
// delivered from members of its locality (and on its own earlier packets), nothing else.
type Causal struct {
	*layer
	n        int
	locality mapset.Set[strata.ProcessID]

	mu      sync.Mutex
	vcSend  vclock.Clock // deliveries from the locality; stamped onto originated packets
	vcRecv  vclock.Clock // deliveries from everyone
	pending map[strata.ProcessID]map[uint64]*packet.Packet
	next    map[strata.ProcessID]uint64
}

// NewCausal returns a causal broadcaster for process self among members.
// locality lists the processes whose deliveries our broadcasts depend on.
func NewCausal(self strata.ProcessID, members, locality []strata.ProcessID, urb URB, sink Sink, opts ...Option) *Causal {
	c := &Causal{
		layer:    newLayer(self, urb, sink, "causal", opts),
		n:        len(members),
		locality: mapset.NewThreadUnsafeSet(locality...),
		vcSend:   vclock.New(len(members)),
		vcRecv:   vclock.New(len(members)),
		pending:  make(map[strata.ProcessID]map[uint64]*packet.Packet, len(members)),
		next:     make(map[strata.ProcessID]uint64, len(members)),
	}
	for _, m := range members {
		c.pending[m] = make(map[uint64]*packet.Packet)
		c.next[m] = 0
	}
	return c
}

// sendClock returns the clock for our packet number seq.
// Must be called with c.mu held.
func (c *Causal) sendClock(seq uint64) vclock.Clock {
	vc := c.vcSend.Copy()
	vc.Set(c.self, seq)
	return vc
}

// URBDeliver buffers pkt and releases every pending packet whose dependencies are satisfied.
// Packets without a clock of the right length cannot be ordered and are dropped.
func (c *Causal) URBDeliver(ctx context.Context, pkt *packet.Packet) error {
	if len(pkt.Clock) != c.n {
		c.log.Error().Int("expected clock length", c.n).Func(pkt.Zerolog).Msg("dropping packet without a usable vector clock")
		return nil
	}
	c.mu.Lock()
	src := pkt.SourceID
	if _, found := c.pending[src]; !found {
		c.mu.Unlock()
		c.log.Warn().Func(pkt.Zerolog).Msg("dropping packet from unknown source")
		return nil
	}
	if pkt.Seq < c.next[src] {
		c.mu.Unlock()
		return nil
	}
	c.pending[src][pkt.Seq] = pkt

	var out []*packet.Packet
	for progress := true; progress; {
		progress = false
		// only the next packet of each source can be deliverable
		var cands []*packet.Packet
		for s, ps := range c.pending {
			if p, found := ps[c.next[s]]; found {
				cands = append(cands, p)
			}
		}
		slices.SortFunc(cands, func(a, b *packet.Packet) int {
			return cmp.Or(
				cmp.Compare(a.Clock.Sum(), b.Clock.Sum()),
				cmp.Compare(a.SourceID, b.SourceID),
				cmp.Compare(a.Seq, b.Seq))
		})
		for _, p := range cands {
			if !p.Clock.LessEq(c.vcRecv) {
				continue
			}
			delete(c.pending[p.SourceID], p.Seq)
			c.next[p.SourceID]++
			c.vcRecv.Inc(p.SourceID)
			if c.locality.Contains(p.SourceID) {
				c.vcSend.Inc(p.SourceID)
			}
			out = append(out, p)
			progress = true
		}
	}
	c.mu.Unlock()

	return c.release(ctx, out)
}

// Run spawns the broadcaster and deliverer and blocks until both exit.
func (c *Causal) Run(ctx context.Context) error {
	return c.run(ctx, &c.mu, c.sendClock)
}

// Zerolog attaches the causal layer's current state to the given event.
func (c *Causal) Zerolog(e *zerolog.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var held int
	for _, ps := range c.pending {
		held += len(ps)
	}
	e.Str("variant", "causal").
		Int("pending", held).
		Uint64("originated", c.sent.Load()).
		Stringer("vc send", c.vcSend).
		Stringer("vc recv", c.vcRecv)
}
