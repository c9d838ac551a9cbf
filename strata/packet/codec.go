package packet

// codec.go serializes packets into the protobuf wire format.
// There is no .proto contract; fields are written and read by hand with protowire so the layout stays explicit:
//
//	1 source id     (varint)
//	2 process id    (varint)
//	3 packet seq    (varint)
//	4 first msg seq (varint)
//	5 is_ack        (varint, 0 or 1)
//	6 payload len   (varint, data packets only)
//	7 process count (varint, clocked packets only)
//	8 vector clock  (packed varints, clocked packets only)
//	9 message       (bytes, repeated)

import (
	"fmt"

	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/vclock"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fSource     protowire.Number = 1
	fProcess    protowire.Number = 2
	fSeq        protowire.Number = 3
	fFirstMsg   protowire.Number = 4
	fAck        protowire.Number = 5
	fPayloadLen protowire.Number = 6
	fProcCount  protowire.Number = 7
	fClock      protowire.Number = 8
	fMessage    protowire.Number = 9
)

// payloadLength returns the total number of message bytes in the packet.
func (p *Packet) payloadLength() (l uint64) {
	for _, m := range p.Messages {
		l += uint64(len(m))
	}
	return l
}

func (p *Packet) clockSize() (n int) {
	for _, v := range p.Clock {
		n += protowire.SizeVarint(v)
	}
	return n
}

// size returns the encoded length of the packet.
// If withExtra, the length is computed as if a message of extra bytes had been appended.
func (p *Packet) size(extra int, withExtra bool) int {
	var b2i = func(b bool) uint64 {
		if b {
			return 1
		}
		return 0
	}
	n := protowire.SizeTag(fSource) + protowire.SizeVarint(p.SourceID) +
		protowire.SizeTag(fProcess) + protowire.SizeVarint(p.ProcessID) +
		protowire.SizeTag(fSeq) + protowire.SizeVarint(p.Seq) +
		protowire.SizeTag(fFirstMsg) + protowire.SizeVarint(p.FirstMsgSeq) +
		protowire.SizeTag(fAck) + protowire.SizeVarint(b2i(p.IsAck))

	payload := p.payloadLength()
	for _, m := range p.Messages {
		n += protowire.SizeTag(fMessage) + protowire.SizeBytes(len(m))
	}
	if withExtra {
		payload += uint64(extra)
		n += protowire.SizeTag(fMessage) + protowire.SizeBytes(extra)
	}
	if !p.IsAck {
		n += protowire.SizeTag(fPayloadLen) + protowire.SizeVarint(payload)
	}
	if p.Clock != nil {
		n += protowire.SizeTag(fProcCount) + protowire.SizeVarint(uint64(len(p.Clock))) +
			protowire.SizeTag(fClock) + protowire.SizeBytes(p.clockSize())
	}
	return n
}

// Encode returns the packet in wire format.
//
// NOTE: Does NOT imply .Validate() and thus does NOT error on invalid data.
// Only fails if the result would exceed strata.MaxPacketSize.
//
// Performs a single allocation of .Len() size.
func (p *Packet) Encode() ([]byte, error) {
	l := p.Len()
	if l > int(strata.MaxPacketSize) {
		return nil, fmt.Errorf("%w (%dB > %dB)", ErrTooLarge, l, strata.MaxPacketSize)
	}
	b := make([]byte, 0, l)

	b = protowire.AppendTag(b, fSource, protowire.VarintType)
	b = protowire.AppendVarint(b, p.SourceID)
	b = protowire.AppendTag(b, fProcess, protowire.VarintType)
	b = protowire.AppendVarint(b, p.ProcessID)
	b = protowire.AppendTag(b, fSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, p.Seq)
	b = protowire.AppendTag(b, fFirstMsg, protowire.VarintType)
	b = protowire.AppendVarint(b, p.FirstMsgSeq)
	b = protowire.AppendTag(b, fAck, protowire.VarintType)
	if p.IsAck {
		b = protowire.AppendVarint(b, 1)
	} else {
		b = protowire.AppendVarint(b, 0)
		b = protowire.AppendTag(b, fPayloadLen, protowire.VarintType)
		b = protowire.AppendVarint(b, p.payloadLength())
	}

	if p.Clock != nil {
		b = protowire.AppendTag(b, fProcCount, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(len(p.Clock)))
		b = protowire.AppendTag(b, fClock, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(p.clockSize()))
		for _, v := range p.Clock {
			b = protowire.AppendVarint(b, v)
		}
	}

	for _, m := range p.Messages {
		b = protowire.AppendTag(b, fMessage, protowire.BytesType)
		b = protowire.AppendString(b, m)
	}
	return b, nil
}

// Decode returns a packet built from the given bytes.
//
// Does NOT validate fields.
// Returns ErrBadAckFlag if is_ack is anything but 0 or 1 and ErrMalformed if b cannot be parsed; the packet is nil in both cases.
// If the declared payload length does not match the decoded messages, the decoded packet is returned alongside an ErrPayloadLength.
// Callers are expected to log that case and carry on with the packet.
func Decode(b []byte) (*Packet, error) {
	var (
		p                    = &Packet{}
		declared, procCount  uint64
		haveCount, haveClock bool
		rawClock             []byte
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch num {
		case fSource, fProcess, fSeq, fFirstMsg, fAck, fPayloadLen, fProcCount:
			if typ != protowire.VarintType {
				return nil, fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fSource:
				p.SourceID = v
			case fProcess:
				p.ProcessID = v
			case fSeq:
				p.Seq = v
			case fFirstMsg:
				p.FirstMsgSeq = v
			case fAck:
				if v > 1 {
					return nil, fmt.Errorf("%w (found %d)", ErrBadAckFlag, v)
				}
				p.IsAck = v == 1
			case fPayloadLen:
				declared = v
			case fProcCount:
				procCount, haveCount = v, true
			}
		case fClock, fMessage:
			if typ != protowire.BytesType {
				return nil, fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, num, typ)
			}
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
			if num == fClock {
				rawClock, haveClock = v, true
			} else {
				p.Messages = append(p.Messages, string(v))
			}
		default: // skip unknown fields
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	// reassemble the clock
	if haveCount != haveClock {
		return nil, fmt.Errorf("%w: process count and vector clock must be given together", ErrMalformed)
	} else if haveCount {
		if procCount > uint64(strata.MaxPacketSize) {
			return nil, fmt.Errorf("%w: implausible process count %d", ErrMalformed, procCount)
		}
		p.Clock = vclock.New(int(procCount))
		for i := range p.Clock {
			v, n := protowire.ConsumeVarint(rawClock)
			if n < 0 {
				return nil, fmt.Errorf("%w: clock component %d: %v", ErrMalformed, i, protowire.ParseError(n))
			}
			p.Clock[i] = v
			rawClock = rawClock[n:]
		}
		if len(rawClock) != 0 {
			return nil, fmt.Errorf("%w: %d trailing bytes after vector clock", ErrMalformed, len(rawClock))
		}
	}

	if !p.IsAck {
		if actual := p.payloadLength(); actual != declared {
			return p, fmt.Errorf("%w (declared %d, decoded %d)", ErrPayloadLength, declared, actual)
		}
	}
	return p, nil
}
