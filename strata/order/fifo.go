package order

import (
	"context"
	"sync"

	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/packet"
	"github.com/rs/zerolog"
)

// FIFO delivers each source's packets in the order the source sent them.
type FIFO struct {
	*layer

	mu      sync.Mutex
	pending map[strata.ProcessID]map[uint64]*packet.Packet
	next    map[strata.ProcessID]uint64 // next seq to deliver, per source
}

// NewFIFO returns a FIFO broadcaster for process self among members, broadcasting over urb and recording to sink.
func NewFIFO(self strata.ProcessID, members []strata.ProcessID, urb URB, sink Sink, opts ...Option) *FIFO {
	f := &FIFO{
		layer:   newLayer(self, urb, sink, "fifo", opts),
		pending: make(map[strata.ProcessID]map[uint64]*packet.Packet, len(members)),
		next:    make(map[strata.ProcessID]uint64, len(members)),
	}
	for _, m := range members {
		f.pending[m] = make(map[uint64]*packet.Packet)
		f.next[m] = 0
	}
	return f
}

// URBDeliver buffers pkt and releases every packet of its source that is now contiguous.
func (f *FIFO) URBDeliver(ctx context.Context, pkt *packet.Packet) error {
	f.mu.Lock()
	src := pkt.SourceID
	if _, found := f.pending[src]; !found {
		f.mu.Unlock()
		f.log.Warn().Func(pkt.Zerolog).Msg("dropping packet from unknown source")
		return nil
	}
	if pkt.Seq < f.next[src] {
		f.mu.Unlock()
		return nil
	}
	f.pending[src][pkt.Seq] = pkt

	var out []*packet.Packet
	for {
		p, found := f.pending[src][f.next[src]]
		if !found {
			break
		}
		delete(f.pending[src], p.Seq)
		f.next[src]++
		out = append(out, p)
	}
	f.mu.Unlock()

	return f.release(ctx, out)
}

// Run spawns the broadcaster and deliverer and blocks until both exit.
func (f *FIFO) Run(ctx context.Context) error {
	return f.run(ctx, &f.mu, nil)
}

// Zerolog attaches the FIFO's current state to the given event.
func (f *FIFO) Zerolog(e *zerolog.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var held int
	for _, ps := range f.pending {
		held += len(ps)
	}
	e.Str("variant", "fifo").Int("pending", held).Uint64("originated", f.sent.Load())
}
