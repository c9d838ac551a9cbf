package packet_test

import (
	"errors"
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/Pallinder/go-randomdata"
	. "github.com/rflandau/strata/internal/testsupport"
	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/packet"
	"github.com/rflandau/strata/strata/vclock"
	"google.golang.org/protobuf/encoding/protowire"
)

// Tests that every constructible packet survives Encode -> Decode field-for-field.
func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  *packet.Packet
	}{
		{"zero value", &packet.Packet{}},
		{"empty data packet", packet.New(1, 0, 1)},
		{"ack", packet.NewAck(3, 1, 17)},
		{"ack with max ids", packet.NewAck(math.MaxUint64, math.MaxUint64, math.MaxUint64)},
		{"single message", &packet.Packet{ProcessID: 2, SourceID: 2, Seq: 4, FirstMsgSeq: 5, Messages: []string{"5"}}},
		{"relayed batch", &packet.Packet{ProcessID: 3, SourceID: 1, Seq: 9, FirstMsgSeq: 10, Messages: []string{"10", "11", "12"}}},
		{"empty message", &packet.Packet{ProcessID: 1, SourceID: 1, Messages: []string{""}}},
		{"clocked", &packet.Packet{ProcessID: 1, SourceID: 1, Seq: 2, FirstMsgSeq: 3, Messages: []string{"3"}, Clock: vclock.Clock{2, 0, 7}}},
		{"zero-length clock", &packet.Packet{ProcessID: 1, SourceID: 1, Clock: vclock.Clock{}}},
		{"clock with large counters", &packet.Packet{ProcessID: 5, SourceID: 4, Clock: vclock.Clock{math.MaxUint64, 1, 300, 0, 1 << 40}}},
		{"random payload", &packet.Packet{ProcessID: 8, SourceID: 8, Seq: 1, FirstMsgSeq: 1,
			Messages: []string{randomdata.SillyName(), randomdata.Paragraph(), randomdata.Email()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.pkt.Encode()
			if err != nil {
				t.Fatal(err)
			}
			if len(b) != tt.pkt.Len() {
				t.Error("Len disagrees with encoded length", ExpectedActual(len(b), tt.pkt.Len()))
			}
			got, err := packet.Decode(b)
			if err != nil {
				t.Fatal(err)
			}
			if !got.Equal(tt.pkt) {
				t.Error("round trip altered the packet", ExpectedActual(*tt.pkt, *got))
			}
			if (got.Clock == nil) != (tt.pkt.Clock == nil) {
				t.Error("round trip altered clock presence")
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Run("bad ack flag", func(t *testing.T) {
		b := protowire.AppendTag(nil, 5, protowire.VarintType)
		b = protowire.AppendVarint(b, 2)
		if _, err := packet.Decode(b); !errors.Is(err, packet.ErrBadAckFlag) {
			t.Error("unexpected error", ExpectedActual(packet.ErrBadAckFlag, err))
		}
	})
	t.Run("truncated", func(t *testing.T) {
		b, err := (&packet.Packet{ProcessID: 1, SourceID: 1, Messages: []string{"hello", "world"}}).Encode()
		if err != nil {
			t.Fatal(err)
		}
		if _, err := packet.Decode(b[:len(b)-2]); !errors.Is(err, packet.ErrMalformed) {
			t.Error("unexpected error", ExpectedActual(packet.ErrMalformed, err))
		}
	})
	t.Run("wrong wire type", func(t *testing.T) {
		b := protowire.AppendTag(nil, 1, protowire.BytesType)
		b = protowire.AppendString(b, "1")
		if _, err := packet.Decode(b); !errors.Is(err, packet.ErrMalformed) {
			t.Error("unexpected error", ExpectedActual(packet.ErrMalformed, err))
		}
	})
	t.Run("clock without count", func(t *testing.T) {
		b := protowire.AppendTag(nil, 8, protowire.BytesType)
		b = protowire.AppendBytes(b, []byte{1, 2})
		if _, err := packet.Decode(b); !errors.Is(err, packet.ErrMalformed) {
			t.Error("unexpected error", ExpectedActual(packet.ErrMalformed, err))
		}
	})
	t.Run("payload length mismatch", func(t *testing.T) {
		orig := &packet.Packet{ProcessID: 2, SourceID: 1, Seq: 3, FirstMsgSeq: 4, Messages: []string{"4", "5"}}
		b, err := orig.Encode()
		if err != nil {
			t.Fatal(err)
		}
		// a second payload length field overrides the first
		b = protowire.AppendTag(b, 6, protowire.VarintType)
		b = protowire.AppendVarint(b, 99)
		got, err := packet.Decode(b)
		if !errors.Is(err, packet.ErrPayloadLength) {
			t.Fatal("unexpected error", ExpectedActual(packet.ErrPayloadLength, err))
		}
		if !got.Equal(orig) {
			t.Error("packet should still be decoded on a length mismatch", ExpectedActual(*orig, *got))
		}
	})
	t.Run("unknown fields are skipped", func(t *testing.T) {
		orig := packet.NewAck(2, 1, 1)
		b, err := orig.Encode()
		if err != nil {
			t.Fatal(err)
		}
		b = protowire.AppendTag(b, 40, protowire.BytesType)
		b = protowire.AppendString(b, "future")
		got, err := packet.Decode(b)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Equal(orig) {
			t.Error(ExpectedActual(*orig, *got))
		}
	})
}

// Fills a packet with messages until CanAdd refuses, then checks that the margin for relaying was kept.
func TestBatching(t *testing.T) {
	for _, limit := range []int{64, 256, int(strata.MaxPacketSize)} {
		t.Run(strconv.Itoa(limit), func(t *testing.T) {
			p := packet.New(1, 0, 1)
			for i := uint64(1); ; i++ {
				msg := strconv.FormatUint(i, 10)
				if !p.CanAdd(msg, limit) {
					break
				}
				if err := p.Add(msg); err != nil {
					t.Fatal(err)
				}
			}
			if p.NumMessages() == 0 {
				t.Fatal("no messages fit")
			}
			if p.Len()+packet.RelayMargin > limit {
				t.Error("relay margin not respected", ExpectedActual(limit, p.Len()+packet.RelayMargin))
			}
			relayed, err := p.Relay(math.MaxUint64)
			if err != nil {
				t.Fatal(err)
			}
			if relayed.Len() > limit {
				t.Error("relayed packet outgrew the limit", ExpectedActual(limit, relayed.Len()))
			}
			if p.ProcessID != 1 {
				t.Error("Relay mutated the original packet")
			}
			if seqs := p.MessageSeqs(); seqs[len(seqs)-1] != uint64(p.NumMessages()) {
				t.Error("bad final message sequence number", ExpectedActual(uint64(p.NumMessages()), seqs[len(seqs)-1]))
			}
		})
	}
}

func TestAddAndValidate(t *testing.T) {
	ack := packet.NewAck(1, 1, 0)
	if ack.CanAdd("1", int(strata.MaxPacketSize)) {
		t.Error("acks must not accept messages")
	}
	if err := ack.Add("1"); !errors.Is(err, packet.ErrAckPayload) {
		t.Error(ExpectedActual(packet.ErrAckPayload, err))
	}
	p := packet.New(1, 0, 1)
	if err := p.Add("a\x00b"); !errors.Is(err, packet.ErrNulInMessage) {
		t.Error(ExpectedActual(packet.ErrNulInMessage, err))
	}

	bad := &packet.Packet{IsAck: true, Messages: []string{"x"}}
	want := []error{packet.ErrZeroSource, packet.ErrZeroProcess, packet.ErrAckPayload}
	if errs := bad.Validate(); !SlicesUnorderedEqual(errs, want) {
		t.Error("incorrect validation errors", ExpectedActual(want, errs))
	}
	if errs := packet.New(4, 0, 1).Validate(); len(errs) != 0 {
		t.Error("valid packet reported errors", ExpectedActual(0, len(errs)))
	}
}

func TestEncode_TooLarge(t *testing.T) {
	p := packet.New(1, 0, 1)
	if err := p.Add(strings.Repeat("9", int(strata.MaxPacketSize))); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Encode(); !errors.Is(err, packet.ErrTooLarge) {
		t.Error(ExpectedActual(packet.ErrTooLarge, err))
	}
}
