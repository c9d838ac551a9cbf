package process

import (
	"time"

	"github.com/rs/zerolog"
)

// Option function to set various options on a Process.
// Most are forwarded to the layer that owns the setting.
type Option func(*Process)

// WithLogger replaces the default logger. Every layer logs through a sublogger of l.
func WithLogger(l *zerolog.Logger) Option {
	return func(p *Process) { p.log = l }
}

// WithOrdering selects the top layer. Defaults to FIFO.
func WithOrdering(o Ordering) Option {
	return func(p *Process) { p.ordering = o }
}

// WithResendInterval sets how often the link retransmits unacknowledged packets.
func WithResendInterval(d time.Duration) Option {
	return func(p *Process) { p.resendInterval = d }
}

// WithPacketLimit caps the encoded size of originated packets.
func WithPacketLimit(n int) Option {
	return func(p *Process) { p.packetLimit = n }
}

// WithReceiveTimeout sets the socket receive timeout.
func WithReceiveTimeout(d time.Duration) Option {
	return func(p *Process) { p.receiveTimeout = d }
}

// WithOutboxCapacity sets how many unacknowledged packets the link keeps in flight to any one destination.
func WithOutboxCapacity(n int) Option {
	return func(p *Process) { p.outboxCap = n }
}

// WithQueueCapacity sets the capacity of every inter-layer queue.
func WithQueueCapacity(n int) Option {
	return func(p *Process) { p.queueCap = n }
}

// WithStatusAddr serves GET /status on the given TCP address while the process runs.
func WithStatusAddr(addr string) Option {
	return func(p *Process) { p.statusAddr = addr }
}
