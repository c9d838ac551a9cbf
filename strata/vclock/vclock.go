// Package vclock implements the vector timestamps used by causal broadcast.
//
// A Clock holds one counter per process; process ids run 1..N and map to indices 0..N-1.
// Clocks are only partially ordered: LessEq and Less are defined, a total order is not.
// Comparing clocks of different lengths is a wiring bug and panics.
package vclock

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rflandau/strata/strata"
)

// Clock is a vector timestamp with a counter per process.
// Clocks are not thread-safe.
type Clock []uint64

// New returns a zeroed clock for a system of n processes.
func New(n int) Clock {
	return make(Clock, n)
}

// Copy returns an independent copy of c.
func (c Clock) Copy() Clock {
	return append(Clock{}, c...)
}

func (c Clock) index(id strata.ProcessID) int {
	if id < 1 || id > uint64(len(c)) {
		panic(fmt.Sprintf("process id %d out of range for a clock of %d processes", id, len(c)))
	}
	return int(id - 1)
}

// Get returns the counter of the given process.
func (c Clock) Get(id strata.ProcessID) uint64 {
	return c[c.index(id)]
}

// Set overwrites the counter of the given process.
func (c Clock) Set(id strata.ProcessID, v uint64) {
	c[c.index(id)] = v
}

// Inc increments the counter of the given process.
func (c Clock) Inc(id strata.ProcessID) {
	c[c.index(id)]++
}

// Sum returns the sum of all counters.
// Used only to scan pending clocks in an order compatible with <.
func (c Clock) Sum() (s uint64) {
	for _, v := range c {
		s += v
	}
	return s
}

func mustMatch(x, y Clock) {
	if len(x) != len(y) {
		panic(fmt.Sprintf("cannot compare vector clocks of differing length (%d vs %d)", len(x), len(y)))
	}
}

// LessEq returns true if c is causally before or equal to y (component-wise <=).
func (c Clock) LessEq(y Clock) bool {
	mustMatch(c, y)
	for i := range c {
		if c[i] > y[i] {
			return false
		}
	}
	return true
}

// Less returns true if c is component-wise <= y with at least one strictly smaller component.
func (c Clock) Less(y Clock) bool {
	mustMatch(c, y)
	strictly := false
	for i := range c {
		if c[i] > y[i] {
			return false
		} else if c[i] < y[i] {
			strictly = true
		}
	}
	return strictly
}

// Concurrent returns true if neither clock is causally before the other.
func (c Clock) Concurrent(y Clock) bool {
	return !c.LessEq(y) && !y.LessEq(c)
}

// Equal reports whether both clocks hold identical counters.
func (c Clock) Equal(y Clock) bool {
	if len(c) != len(y) {
		return false
	}
	for i := range c {
		if c[i] != y[i] {
			return false
		}
	}
	return true
}

func (c Clock) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range c {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strconv.FormatUint(v, 10))
	}
	sb.WriteByte(']')
	return sb.String()
}
