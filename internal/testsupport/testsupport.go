// Package testsupport is an internal-only package that provides utilities for testing uniformity.
package testsupport

import (
	"fmt"
	"maps"
	"math"
	"math/rand/v2"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

// ExpectedActual returns a newline-prefixed string comparing the expected result to the actual result.
// Should be used to add clarity to unit test error messages.
func ExpectedActual[T any](expected, actual T) string {
	return fmt.Sprintf("\n\tExpected: '%v'\n\tActual: '%v'", expected, actual)
}

// SlicesUnorderedEqual compares the elements of the given slices for equality and equal count without taking order of the elements into account.
func SlicesUnorderedEqual[T comparable](a []T, b []T) bool {
	am := make(map[T]uint)
	for _, k := range a {
		am[k] += 1
	}
	bm := make(map[T]uint)
	for _, k := range b {
		bm[k] += 1
	}
	return maps.Equal(am, bm)
}

var (
	usedPorts   = make(map[uint16]bool)
	usedPortsMu sync.Mutex
)

// RandomLocalhostAddrPort returns an addrport on IPv4 localhost with a randomly selected port >= 1024.
// Never hands out the same port twice, and only hands out ports that a UDP socket could bind at the time of the call.
// Not a perfect solution (another program may grab the port afterwards), but it is just to support testing.
func RandomLocalhostAddrPort() netip.AddrPort {
	usedPortsMu.Lock()
	defer usedPortsMu.Unlock()
	for {
		port := uint16(1024 + rand.Uint32N(math.MaxUint16-1024))
		if usedPorts[port] {
			continue
		}
		usedPorts[port] = true
		ap := netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)
		if c, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(ap)); err == nil {
			c.Close()
			return ap
		}
	}
}

// Eventually polls cond every tick until it returns true or timeout elapses.
// Fails the test (fatally) with msg on timeout.
func Eventually(t *testing.T, timeout, tick time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout: " + msg)
		}
		time.Sleep(tick)
	}
}
