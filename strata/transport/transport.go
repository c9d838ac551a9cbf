// Package transport is a thin UDP datagram transport for Strata packets.
// One packet travels per datagram; the receive side optionally times out so callers can poll.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/packet"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

var (
	// ErrTimeout is returned by Receive when a receive timeout is configured and elapses.
	// It is a retryable condition.
	ErrTimeout = errors.New("receive timed out before a datagram arrived")
	// ErrEmptyDatagram is returned by Receive when a zero-byte datagram arrives.
	ErrEmptyDatagram = errors.New("zero byte datagram received")
)

// ErrBadAddr returns an error to indicate that the given netip.AddrPort was invalid
func ErrBadAddr(ap netip.AddrPort) error {
	return fmt.Errorf("address %v is not a valid ip:port", ap)
}

// A Datagram couples a packet with its destination, for batched sends.
type Datagram struct {
	Pkt *packet.Packet
	To  netip.AddrPort
}

// Conn is a bound UDP socket that speaks Strata packets.
// Send, SendBatch, and Receive are safe for concurrent use.
type Conn struct {
	log     *zerolog.Logger
	addr    netip.AddrPort
	pconn   net.PacketConn
	batch   *ipv4.PacketConn // nil unless the socket is IPv4
	timeout time.Duration    // 0 disables receive timeouts
	closed  atomic.Bool
}

// Option function to set various options on a Conn.
type Option func(*Conn)

// WithLogger replaces the conn's default logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(c *Conn) { c.log = l }
}

// WithReceiveTimeout causes Receive to return ErrTimeout if no datagram arrives within d.
func WithReceiveTimeout(d time.Duration) Option {
	return func(c *Conn) { c.timeout = d }
}

// Listen binds a UDP socket to addr.
// Failing to bind is fatal to a process; the error is returned for the caller to act on.
func Listen(ctx context.Context, addr netip.AddrPort, opts ...Option) (*Conn, error) {
	if ctx == nil {
		return nil, strata.ErrNilCtx
	} else if !addr.IsValid() {
		return nil, ErrBadAddr(addr)
	}
	c := &Conn{addr: addr}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = strata.DefaultLogger(0)
	}

	pconn, err := (&net.ListenConfig{}).ListenPacket(ctx, "udp", addr.String())
	if err != nil {
		return nil, err
	}
	c.pconn = pconn
	if addr.Addr().Unmap().Is4() {
		c.batch = ipv4.NewPacketConn(pconn)
	}
	c.log.Debug().Str("local address", pconn.LocalAddr().String()).Bool("batching", c.batch != nil).Msg("socket bound")
	return c, nil
}

// LocalAddr returns the address the socket is bound to.
func (c *Conn) LocalAddr() net.Addr {
	return c.pconn.LocalAddr()
}

// Send encodes pkt and writes it to the given address as a single datagram.
func (c *Conn) Send(pkt *packet.Packet, to netip.AddrPort) error {
	b, err := pkt.Encode()
	if err != nil {
		return err
	}
	n, err := c.pconn.WriteTo(b, net.UDPAddrFromAddrPort(to))
	if err != nil {
		return err
	} else if n != len(b) {
		return fmt.Errorf("short write to %v: wrote %dB of %dB", to, n, len(b))
	}
	return nil
}

// SendBatch writes every datagram, using as few system calls as the platform allows.
// Stops at the first failure.
func (c *Conn) SendBatch(dgs []Datagram) error {
	if c.batch == nil {
		for _, d := range dgs {
			if err := c.Send(d.Pkt, d.To); err != nil {
				return err
			}
		}
		return nil
	}

	ms := make([]ipv4.Message, 0, len(dgs))
	for _, d := range dgs {
		b, err := d.Pkt.Encode()
		if err != nil {
			return err
		}
		ms = append(ms, ipv4.Message{Buffers: [][]byte{b}, Addr: net.UDPAddrFromAddrPort(d.To)})
	}
	for len(ms) > 0 {
		n, err := c.batch.WriteBatch(ms, 0)
		if err != nil {
			return err
		} else if n == 0 {
			return errors.New("batch write made no progress")
		}
		ms = ms[n:]
	}
	return nil
}

// Receive blocks until a datagram arrives, the receive timeout elapses, or the conn is closed.
//
// Returns ErrTimeout on timeout, net.ErrClosed (wrapped) after Close, and a packet.ErrMalformed or packet.ErrBadAckFlag (wrapped) if the datagram could not be decoded.
// A payload length mismatch is logged and the packet is returned anyway.
func (c *Conn) Receive() (*packet.Packet, netip.AddrPort, error) {
	if c.timeout > 0 {
		if err := c.pconn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return nil, netip.AddrPort{}, err
		}
	}
	var buf = make([]byte, strata.MaxPacketSize)
	n, sender, err := c.pconn.ReadFrom(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil, netip.AddrPort{}, ErrTimeout
		}
		return nil, netip.AddrPort{}, err
	}
	var from netip.AddrPort
	if ua, ok := sender.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		from = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	if n == 0 {
		return nil, from, ErrEmptyDatagram
	}

	pkt, err := packet.Decode(buf[:n])
	if err != nil {
		if errors.Is(err, packet.ErrPayloadLength) {
			c.log.Warn().Err(err).Str("sender address", from.String()).Func(pkt.Zerolog).Msg("payload length mismatch; using packet anyway")
			return pkt, from, nil
		}
		return nil, from, fmt.Errorf("from %v: %w", from, err)
	}
	return pkt, from, nil
}

// Close closes the underlying socket, unblocking any pending Receive.
// Idempotent.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.pconn.Close()
	c.log.Debug().AnErr("close error", err).Msg("socket closed")
	return err
}
