// Package output writes the event log of a process: "b <msg>" for every originated message and
// "d <source> <msg>" for every delivered message, one event per line, in the order the events happened.
package output

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/rflandau/strata/strata/packet"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("output log is closed")

// A Log is a buffered, append-only event log.
// Safe for concurrent use; lines from concurrent calls never interleave.
type Log struct {
	mu     sync.Mutex
	w      *bufio.Writer
	c      io.Closer // nil if the underlying writer is not ours to close
	closed bool
	buf    []byte // scratch for formatting lines
}

// New returns a log that writes to w.
// Close flushes, but does not close, w.
func New(w io.Writer) *Log {
	return &Log{w: bufio.NewWriter(w)}
}

// Create truncates (or creates) the file at path and returns a log writing to it.
func Create(path string) (*Log, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Log{w: bufio.NewWriter(f), c: f}, nil
}

// Broadcast records a "b" line for every message of pkt.
func (l *Log) Broadcast(pkt *packet.Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	for _, seq := range pkt.MessageSeqs() {
		l.buf = append(l.buf[:0], 'b', ' ')
		l.buf = strconv.AppendUint(l.buf, seq, 10)
		l.buf = append(l.buf, '\n')
		if _, err := l.w.Write(l.buf); err != nil {
			return err
		}
	}
	return nil
}

// Deliver records a "d" line for every message of pkt.
func (l *Log) Deliver(pkt *packet.Packet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	for _, seq := range pkt.MessageSeqs() {
		l.buf = append(l.buf[:0], 'd', ' ')
		l.buf = strconv.AppendUint(l.buf, pkt.SourceID, 10)
		l.buf = append(l.buf, ' ')
		l.buf = strconv.AppendUint(l.buf, seq, 10)
		l.buf = append(l.buf, '\n')
		if _, err := l.w.Write(l.buf); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes any buffered lines to the underlying writer.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.w.Flush()
}

// Close flushes the log and closes the underlying file (if Create opened it).
// Further writes fail with ErrClosed. Idempotent.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	err := l.w.Flush()
	if l.c != nil {
		err = errors.Join(err, l.c.Close())
	}
	return err
}
