package transport_test

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/Pallinder/go-randomdata"
	. "github.com/rflandau/strata/internal/testsupport"
	"github.com/rflandau/strata/strata/packet"
	"github.com/rflandau/strata/strata/transport"
	"github.com/rflandau/strata/strata/vclock"
)

func listen(t *testing.T, opts ...transport.Option) (*transport.Conn, netip.AddrPort) {
	t.Helper()
	addr := RandomLocalhostAddrPort()
	c, err := transport.Listen(t.Context(), addr, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c, addr
}

func TestSendReceive(t *testing.T) {
	a, aAddr := listen(t)
	b, bAddr := listen(t, transport.WithReceiveTimeout(2*time.Second))

	sent := []*packet.Packet{
		packet.NewAck(1, 2, 3),
		{ProcessID: 1, SourceID: 1, Seq: 0, FirstMsgSeq: 1, Messages: []string{"1", "2"}},
		{ProcessID: 1, SourceID: 3, Seq: 7, FirstMsgSeq: 8, Messages: []string{randomdata.SillyName()}, Clock: vclock.Clock{1, 0, 7}},
	}
	for _, p := range sent {
		if err := a.Send(p, bAddr); err != nil {
			t.Fatal(err)
		}
		got, from, err := b.Receive()
		if err != nil {
			t.Fatal(err)
		}
		if from != aAddr {
			t.Error("bad sender address", ExpectedActual(aAddr, from))
		}
		if !got.Equal(p) {
			t.Error("packet altered in transit", ExpectedActual(*p, *got))
		}
	}
}

func TestSendBatch(t *testing.T) {
	a, _ := listen(t)
	b, bAddr := listen(t, transport.WithReceiveTimeout(2*time.Second))

	var dgs []transport.Datagram
	for i := range uint64(20) {
		dgs = append(dgs, transport.Datagram{Pkt: packet.NewAck(1, 1, i), To: bAddr})
	}
	if err := a.SendBatch(dgs); err != nil {
		t.Fatal(err)
	}
	seen := make(map[uint64]bool)
	for range dgs {
		p, _, err := b.Receive()
		if err != nil {
			t.Fatal(err)
		}
		seen[p.Seq] = true
	}
	if len(seen) != len(dgs) {
		t.Error("missing datagrams from batch", ExpectedActual(len(dgs), len(seen)))
	}
}

func TestReceive_Timeout(t *testing.T) {
	c, _ := listen(t, transport.WithReceiveTimeout(20*time.Millisecond))
	if _, _, err := c.Receive(); !errors.Is(err, transport.ErrTimeout) {
		t.Fatal(ExpectedActual(transport.ErrTimeout, err))
	}
	// a timeout is not fatal; the conn remains usable
	if _, _, err := c.Receive(); !errors.Is(err, transport.ErrTimeout) {
		t.Fatal(ExpectedActual(transport.ErrTimeout, err))
	}
}

func TestReceive_Malformed(t *testing.T) {
	c, addr := listen(t, transport.WithReceiveTimeout(2*time.Second))
	raw, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(addr))
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	if _, err := raw.Write([]byte{0x28, 0x05}); err != nil { // field 5 (is_ack) = 5
		t.Fatal(err)
	}
	if _, _, err := c.Receive(); !errors.Is(err, packet.ErrBadAckFlag) {
		t.Error(ExpectedActual(packet.ErrBadAckFlag, err))
	}
}

func TestClose(t *testing.T) {
	c, _ := listen(t)
	errCh := make(chan error)
	go func() {
		_, _, err := c.Receive()
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; !errors.Is(err, net.ErrClosed) {
		t.Error(ExpectedActual(net.ErrClosed, err))
	}
	if err := c.Close(); err != nil {
		t.Error("second close should be a no-op", err)
	}
}
