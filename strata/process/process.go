// Package process owns a complete broadcast stack for a single participant.
//
// A Process builds its layers once, bottom-up (transport, perfect link, BEB, URB, and FIFO or causal ordering),
// binds each to the one above it, and runs them under one context.
// Stop tears the whole graph down and flushes the event log.
package process

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/beb"
	"github.com/rflandau/strata/strata/hosts"
	"github.com/rflandau/strata/strata/link"
	"github.com/rflandau/strata/strata/order"
	"github.com/rflandau/strata/strata/packet"
	"github.com/rflandau/strata/strata/status"
	"github.com/rflandau/strata/strata/transport"
	"github.com/rflandau/strata/strata/urb"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Ordering selects the top layer of the stack.
type Ordering string

const (
	FIFO   Ordering = "fifo"
	Causal Ordering = "causal"
)

const DefaultReceiveTimeout time.Duration = 500 * time.Millisecond

var (
	ErrAlreadyStarted = errors.New("process was already started")
	ErrNotStarted     = errors.New("process was never started")
)

// ErrBadOrdering returns an error to indicate that the given ordering variant is not known.
func ErrBadOrdering(o Ordering) error {
	return fmt.Errorf("unknown ordering %q (expected %q or %q)", o, FIFO, Causal)
}

// Sink is the event log of a process.
type Sink interface {
	order.Sink
	Close() error
}

// the ordering layer, as the process sees it
type top interface {
	URBDeliver(ctx context.Context, pkt *packet.Packet) error
	Run(ctx context.Context) error
	Zerolog(e *zerolog.Event)
}

// A Process is a single participant: its identity, its view of the process set, and the layers it runs.
type Process struct {
	log      *zerolog.Logger
	id       strata.ProcessID
	hosts    map[strata.ProcessID]netip.AddrPort
	members  []strata.ProcessID
	cfg      hosts.Config
	sink     Sink
	ordering Ordering

	resendInterval time.Duration
	packetLimit    int
	receiveTimeout time.Duration
	outboxCap      int
	queueCap       int
	statusAddr     string

	// layers, bottom-up; set by Start
	conn   *transport.Conn
	link   *link.Link
	beb    *beb.BEB
	urb    *urb.URB
	top    top
	status *status.Server

	mu       sync.Mutex // guards started
	started  bool
	cancel   context.CancelFunc
	done     chan struct{} // closed once every layer has exited
	err      error         // first fatal layer error; valid after done closes
	stopOnce sync.Once
	stopErr  error
}

// New validates the run inputs and returns an unstarted process.
// hostTable must list id; sink receives the process's broadcast and delivery events and is closed by Stop.
func New(id strata.ProcessID, hostTable map[strata.ProcessID]netip.AddrPort, cfg hosts.Config, sink Sink, opts ...Option) (*Process, error) {
	if _, found := hostTable[id]; !found {
		return nil, strata.ErrUnknownProcess(id)
	} else if sink == nil {
		return nil, errors.New("sink cannot be nil")
	}
	p := &Process{
		id:             id,
		hosts:          hostTable,
		cfg:            cfg,
		sink:           sink,
		ordering:       FIFO,
		receiveTimeout: DefaultReceiveTimeout,
		queueCap:       strata.DefaultQueueCapacity,
		outboxCap:      link.DefaultOutboxCapacity,
		resendInterval: link.DefaultResendInterval,
		packetLimit:    int(strata.MaxPacketSize),
		done:           make(chan struct{}),
	}
	for m := range hostTable {
		p.members = append(p.members, m)
	}
	slices.Sort(p.members)
	if err := cfg.Check(p.members); err != nil {
		return nil, err
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ordering != FIFO && p.ordering != Causal {
		return nil, ErrBadOrdering(p.ordering)
	}
	if p.log == nil {
		p.log = strata.DefaultLogger(id)
	}
	return p, nil
}

// Start binds the socket, builds the stack and runs every layer in the background.
// A bind failure is returned directly; failures after that surface from Wait.
func (p *Process) Start(ctx context.Context) error {
	if ctx == nil {
		return strata.ErrNilCtx
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}

	conn, err := transport.Listen(ctx, p.hosts[p.id],
		transport.WithLogger(strata.Sublogger(p.log, "transport")),
		transport.WithReceiveTimeout(p.receiveTimeout))
	if err != nil {
		return fmt.Errorf("failed to bind %v: %w", p.hosts[p.id], err)
	}
	p.conn = conn

	p.link, err = link.New(p.id, p.hosts, conn,
		link.WithLogger(strata.Sublogger(p.log, "pl")),
		link.WithResendInterval(p.resendInterval),
		link.WithOutboxCapacity(p.outboxCap),
		link.WithQueueCapacity(p.queueCap))
	if err != nil {
		conn.Close()
		return err
	}
	p.beb = beb.New(p.link, p.members,
		beb.WithLogger(strata.Sublogger(p.log, "beb")),
		beb.WithQueueCapacity(p.queueCap))
	p.urb = urb.New(p.id, len(p.members), p.beb,
		urb.WithLogger(strata.Sublogger(p.log, "urb")),
		urb.WithQueueCapacity(p.queueCap))

	orderOpts := []order.Option{
		order.WithLogger(strata.Sublogger(p.log, string(p.ordering))),
		order.WithMessages(p.cfg.Messages),
		order.WithPacketLimit(p.packetLimit),
		order.WithQueueCapacity(p.queueCap),
	}
	switch p.ordering {
	case Causal:
		p.top = order.NewCausal(p.id, p.members, p.cfg.LocalityOf(p.id), p.urb, p.sink, orderOpts...)
	default:
		p.top = order.NewFIFO(p.id, p.members, p.urb, p.sink, orderOpts...)
	}

	p.link.Bind(p.beb)
	p.beb.Bind(p.urb)
	p.urb.Bind(p.top)

	if p.statusAddr != "" {
		p.status = status.NewServer(p.statusAddr, p, strata.Sublogger(p.log, "status"))
		if err := p.status.Start(); err != nil {
			conn.Close()
			return err
		}
	}

	rctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	g, gctx := errgroup.WithContext(rctx)
	g.Go(func() error { return p.link.Run(gctx) })
	g.Go(func() error { return p.beb.Run(gctx) })
	g.Go(func() error { return p.urb.Run(gctx) })
	g.Go(func() error { return p.top.Run(gctx) })
	go func() {
		p.err = g.Wait()
		close(p.done)
	}()
	p.started = true
	p.log.Info().Func(p.Zerolog).Msg("process started")
	return nil
}

// Wait blocks until every layer has exited, then returns the first fatal error (if any).
// Layers only exit on Stop, context cancellation, or a fatal error.
func (p *Process) Wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	<-p.done
	return p.err
}

// Stop cancels every layer, waits for them to exit, then flushes and closes the sink.
// Returns the first fatal layer error joined with any shutdown error.
// Idempotent; calling Stop on a process that was never started only closes the sink.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		started := p.started
		p.mu.Unlock()

		var errs []error
		if started {
			p.cancel()
			<-p.done
			errs = append(errs, p.err)
			if p.status != nil {
				errs = append(errs, p.status.Close())
			}
		}
		errs = append(errs, p.sink.Close())
		p.stopErr = errors.Join(errs...)
		p.log.Info().AnErr("stop error", p.stopErr).Msg("process stopped")
	})
	return p.stopErr
}

// Status summarizes the running process.
func (p *Process) Status() status.Report {
	rep := status.Report{ID: p.id, Ordering: string(p.ordering)}
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return rep
	}
	rep.OutboxSize, rep.Queued = p.link.Outbox().Len(), p.link.Queued()
	rep.LivePeers = p.link.LivePeers()
	st := p.urb.Stats()
	rep.URBPending, rep.URBDelivered = st.Pending, st.Delivered
	rep.BySource = make(map[string]uint64, len(st.PerSource))
	for src, n := range st.PerSource {
		rep.BySource[strconv.FormatUint(src, 10)] = n
	}
	return rep
}

// Zerolog attaches the process's identity and layer state to the given event.
func (p *Process) Zerolog(e *zerolog.Event) {
	e.Uint64("id", p.id).
		Str("ordering", string(p.ordering)).
		Int("processes", len(p.members)).
		Uint64("messages", p.cfg.Messages)
	if p.link != nil {
		e.Func(p.link.Zerolog)
	}
	if p.top != nil {
		e.Func(p.top.Zerolog)
	}
}
