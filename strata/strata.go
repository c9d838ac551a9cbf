// Package strata is the parent package of the Strata broadcast stack.
// It contains child packages packet (wire codec), vclock (vector clocks), transport (UDP datagrams),
// link (perfect links), beb, urb, and order (FIFO and causal broadcast), plus process, which wires them together.
// Child packages are mostly self-contained, the strata parent package provides the few shared identifiers and limits.
package strata

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
)

// ProcessID is the unique identifier of a participant.
// IDs are assigned 1..N across the fixed process set.
type ProcessID = uint64

// MaxPacketSize specifies the buffer size used to hold UDP payloads.
// UDP can theoretically support payloads nearing 65535 bytes, but Strata assumes each packet fits into a single, unfragmented datagram.
// Packets that would encode above this size are refused by the codec; batching stops short of it.
const MaxPacketSize uint16 = 2048

// DefaultQueueCapacity is the capacity of every inter-layer channel unless overridden by an option.
const DefaultQueueCapacity int = 512

var (
	ErrNilCtx = errors.New("do not pass nil contexts; use context.TODO or context.Background instead")
	// ErrUnbound is the panic value used when a layer is run before its upper layer has been bound.
	ErrUnbound = errors.New("layer started before an upper layer was bound")
)

// ErrUnknownProcess returns an error to indicate that the given id is not a member of the process set.
func ErrUnknownProcess(id ProcessID) error {
	return fmt.Errorf("process %d is not a member of the process set", id)
}

// Majority returns the smallest number of processes that is strictly more than half of n.
func Majority(n int) int {
	return n/2 + 1
}

// DefaultLogger returns the console logger used by components that were not given one.
// Only warnings and above are printed.
func DefaultLogger(id ProcessID) *zerolog.Logger {
	l := zerolog.New(zerolog.ConsoleWriter{
		Out:         os.Stdout,
		FieldsOrder: []string{"pid", "layer"},
		TimeFormat:  "15:04:05",
	}).With().
		Uint64("pid", id).
		Timestamp().
		Caller().
		Logger().Level(zerolog.WarnLevel)
	return &l
}

// Sublogger derives a child logger tagged with the given layer name.
func Sublogger(parent *zerolog.Logger, layer string) *zerolog.Logger {
	l := parent.With().Str("layer", layer).Logger()
	return &l
}
