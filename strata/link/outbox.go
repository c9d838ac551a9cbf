package link

import (
	"sync"

	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/packet"
)

// DefaultOutboxCapacity is the number of unacknowledged packets a link will hold per destination.
// Further sends to that destination wait in its overflow line.
const DefaultOutboxCapacity int = 500

type outboxKey struct {
	dest, source strata.ProcessID
	seq          uint64
}

// An Entry is a single unacknowledged packet and the process it is destined for.
type Entry struct {
	Dest strata.ProcessID
	Pkt  *packet.Packet
}

// Outbox is the set of packets awaiting acknowledgement, keyed by (destination, source, seq).
//
// Each destination may have at most capacity packets in flight.
// Packets beyond that wait, in insertion order, in a line owned by that destination alone;
// a destination that never acknowledges (ex: a crashed process) therefore holds back only its own traffic.
// Removing an in-flight entry promotes the head of its destination's line into the freed slot.
type Outbox struct {
	mu       sync.Mutex
	capacity int

	inflight map[outboxKey]*packet.Packet
	held     map[strata.ProcessID]int // in-flight count per destination

	waiting map[outboxKey]*packet.Packet
	line    map[strata.ProcessID][]outboxKey // waiting keys per destination, oldest first
}

// NewOutbox returns an empty outbox that keeps at most capacity entries in flight per destination.
// Capacities below 1 are raised to 1.
func NewOutbox(capacity int) *Outbox {
	if capacity < 1 {
		capacity = 1
	}
	return &Outbox{
		capacity: capacity,
		inflight: make(map[outboxKey]*packet.Packet),
		held:     make(map[strata.ProcessID]int),
		waiting:  make(map[outboxKey]*packet.Packet),
		line:     make(map[strata.ProcessID][]outboxKey),
	}
}

// Add inserts pkt for dest.
// Returns true if pkt went straight into flight (and should be transmitted now)
// or false if dest is at capacity and pkt was placed at the back of dest's line.
// Adding a key that is already present replaces the packet in place without consuming another slot.
func (o *Outbox) Add(dest strata.ProcessID, pkt *packet.Packet) (admitted bool) {
	k := outboxKey{dest, pkt.SourceID, pkt.Seq}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, found := o.inflight[k]; found {
		o.inflight[k] = pkt
		return true
	} else if _, found := o.waiting[k]; found {
		o.waiting[k] = pkt
		return false
	}
	if o.held[dest] >= o.capacity {
		o.waiting[k] = pkt
		o.line[dest] = append(o.line[dest], k)
		return false
	}
	o.inflight[k] = pkt
	o.held[dest]++
	return true
}

// Remove deletes the in-flight entry (if found), freeing its slot.
// Returns whether an entry was removed and, if dest had packets waiting, the packet promoted into the freed slot.
// The caller is responsible for transmitting a promoted packet.
// Removing an absent key is a no-op.
func (o *Outbox) Remove(dest, source strata.ProcessID, seq uint64) (removed bool, promoted *packet.Packet) {
	o.mu.Lock()
	defer o.mu.Unlock()
	k := outboxKey{dest, source, seq}
	if _, found := o.inflight[k]; !found {
		return false, nil
	}
	delete(o.inflight, k)
	o.held[dest]--

	if q := o.line[dest]; len(q) > 0 {
		next := q[0]
		if len(q) == 1 {
			delete(o.line, dest)
		} else {
			o.line[dest] = q[1:]
		}
		promoted = o.waiting[next]
		delete(o.waiting, next)
		o.inflight[next] = promoted
		o.held[dest]++
	}
	return true, promoted
}

// Contains reports whether a packet is in flight to dest, awaiting its acknowledgement.
// Packets still waiting in dest's line are not included.
func (o *Outbox) Contains(dest, source strata.ProcessID, seq uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, found := o.inflight[outboxKey{dest, source, seq}]
	return found
}

// Len returns the number of in-flight entries across all destinations.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.inflight)
}

// Waiting returns the number of packets held back because their destination was at capacity.
func (o *Outbox) Waiting() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.waiting)
}

// Snapshot returns a copy of every in-flight entry.
func (o *Outbox) Snapshot() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	es := make([]Entry, 0, len(o.inflight))
	for k, p := range o.inflight {
		es = append(es, Entry{Dest: k.dest, Pkt: p})
	}
	return es
}
