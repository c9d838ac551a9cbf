/*
Package packet contains the wire codec for Strata packets.

A packet is the unit of transmission and delivery: a header (relayer, source, sequence numbers, ack flag),
an optional vector clock, and a batch of messages with contiguous message sequence numbers.
Packets are encoded using the protobuf wire format (see codec.go); you should never have to interact with the raw bytes.
*/
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/vclock"
	"github.com/rs/zerolog"
)

// RelayMargin is the number of bytes left unused when batching messages into a packet,
// so that a relayer can later overwrite ProcessID with its own (potentially longer) id.
const RelayMargin int = binary.MaxVarintLen64

//#region errors

var (
	ErrZeroSource    = errors.New("source id must be 0 < x <= max(uint64)")
	ErrZeroProcess   = errors.New("process id must be 0 < x <= max(uint64)")
	ErrAckPayload    = errors.New("acks must not carry messages")
	ErrNulInMessage  = errors.New("messages must not contain NUL bytes")
	ErrTooLarge      = errors.New("packet exceeds the maximum packet size")
	ErrMalformed     = errors.New("malformed packet")
	ErrBadAckFlag    = errors.New("is_ack must be exactly 0 or 1")
	ErrPayloadLength = errors.New("declared payload length does not match decoded payload")
)

//#endregion errors

// A Packet represents a deconstructed Strata packet.
// The state of a decoded Packet is never guaranteed; call .Validate() to verify before using.
//
// Packets are treated as immutable once handed to a layer; use Relay to obtain a copy with a different sender.
type Packet struct {
	// Current sender (or relayer) of the packet.
	ProcessID strata.ProcessID
	// Original broadcaster of the packet.
	SourceID strata.ProcessID
	// Sequence number assigned by the source when the packet was created.
	Seq uint64
	// Message sequence number of Messages[0].
	FirstMsgSeq uint64
	// Is this packet an acknowledgement?
	IsAck bool
	// Batch of messages, contiguously numbered from FirstMsgSeq.
	Messages []string
	// Vector clock snapshot taken by the source at creation time.
	// Nil unless the packet was produced by causal broadcast.
	Clock vclock.Clock
}

// New returns an empty data packet originating (and sent) from source.
func New(source strata.ProcessID, seq, firstMsgSeq uint64) *Packet {
	return &Packet{ProcessID: source, SourceID: source, Seq: seq, FirstMsgSeq: firstMsgSeq}
}

// NewAck returns an acknowledgement sent by acker for the packet identified by (source, seq).
func NewAck(acker, source strata.ProcessID, seq uint64) *Packet {
	return &Packet{ProcessID: acker, SourceID: source, Seq: seq, IsAck: true}
}

// NumMessages returns the number of messages batched into the packet.
func (p *Packet) NumMessages() int {
	return len(p.Messages)
}

// MessageSeqs returns the message sequence number of every message in the packet, in order.
func (p *Packet) MessageSeqs() []uint64 {
	seqs := make([]uint64, len(p.Messages))
	for i := range p.Messages {
		seqs[i] = p.FirstMsgSeq + uint64(i)
	}
	return seqs
}

// CanAdd returns true if msg can be appended without the encoded packet (plus RelayMargin) exceeding limit.
// Acks can never hold messages.
func (p *Packet) CanAdd(msg string, limit int) bool {
	if p.IsAck {
		return false
	}
	return p.size(len(msg), true)+RelayMargin <= limit
}

// Add appends msg to the packet.
// Add does not check the size limit; callers batch with CanAdd.
func (p *Packet) Add(msg string) error {
	if p.IsAck {
		return ErrAckPayload
	} else if strings.IndexByte(msg, 0) >= 0 {
		return ErrNulInMessage
	}
	p.Messages = append(p.Messages, msg)
	return nil
}

// Len returns the encoded length of the packet in bytes.
func (p *Packet) Len() int {
	return p.size(0, false)
}

// Relay returns a copy of the packet with ProcessID replaced by relayer.
// The original is not modified.
func (p *Packet) Relay(relayer strata.ProcessID) (*Packet, error) {
	cp := p.Clone()
	cp.ProcessID = relayer
	if l := cp.Len(); l > int(strata.MaxPacketSize) {
		return nil, fmt.Errorf("%w: relayed packet would be %dB", ErrTooLarge, l)
	}
	return cp, nil
}

// Clone returns a deep copy of the packet.
func (p *Packet) Clone() *Packet {
	cp := *p
	if p.Messages != nil {
		cp.Messages = append([]string{}, p.Messages...)
	}
	if p.Clock != nil {
		cp.Clock = p.Clock.Copy()
	}
	return &cp
}

// Equal compares every field of the two packets.
// A nil message batch is equal to an empty one.
func (p *Packet) Equal(o *Packet) bool {
	if p == nil || o == nil {
		return p == o
	}
	if p.ProcessID != o.ProcessID || p.SourceID != o.SourceID || p.Seq != o.Seq ||
		p.FirstMsgSeq != o.FirstMsgSeq || p.IsAck != o.IsAck || len(p.Messages) != len(o.Messages) {
		return false
	}
	for i := range p.Messages {
		if p.Messages[i] != o.Messages[i] {
			return false
		}
	}
	if (p.Clock == nil) != (o.Clock == nil) {
		return false
	}
	return p.Clock.Equal(o.Clock)
}

// Validate tests each field in the packet, returning a list of issues.
func (p *Packet) Validate() (errs []error) {
	if p.SourceID == 0 {
		errs = append(errs, ErrZeroSource)
	}
	if p.ProcessID == 0 {
		errs = append(errs, ErrZeroProcess)
	}
	if p.IsAck && len(p.Messages) > 0 {
		errs = append(errs, ErrAckPayload)
	}
	for _, m := range p.Messages {
		if strings.IndexByte(m, 0) >= 0 {
			errs = append(errs, ErrNulInMessage)
			break
		}
	}
	return errs
}

// Zerolog attaches the packet's fields to the given log event.
// Intended to be given to *zerolog.Event.Func().
func (p *Packet) Zerolog(ev *zerolog.Event) {
	ev.Uint64("process", p.ProcessID).
		Uint64("source", p.SourceID).
		Uint64("seq", p.Seq).
		Bool("ack", p.IsAck)
	if !p.IsAck {
		ev.Uint64("first msg", p.FirstMsgSeq).Int("messages", len(p.Messages))
	}
	if p.Clock != nil {
		ev.Stringer("clock", p.Clock)
	}
}
