package process_test

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/rflandau/strata/internal/testsupport"
	"github.com/rflandau/strata/strata"
	"github.com/rflandau/strata/strata/hosts"
	"github.com/rflandau/strata/strata/output"
	"github.com/rflandau/strata/strata/packet"
	"github.com/rflandau/strata/strata/process"
	"github.com/rflandau/strata/strata/status"
)

// countingLog counts delivered messages on their way to the log.
type countingLog struct {
	*output.Log
	delivered atomic.Int64
}

func (c *countingLog) Deliver(p *packet.Packet) error {
	c.delivered.Add(int64(p.NumMessages()))
	return c.Log.Deliver(p)
}

func hostTable(n int) map[strata.ProcessID]netip.AddrPort {
	hm := make(map[strata.ProcessID]netip.AddrPort, n)
	for i := 1; i <= n; i++ {
		hm[strata.ProcessID(i)] = RandomLocalhostAddrPort()
	}
	return hm
}

// runCluster starts n processes that each broadcast cfg.Messages, waits until every process has delivered every message,
// stops them all, and returns the contents of each output file.
func runCluster(t *testing.T, n int, cfg hosts.Config, opts ...process.Option) map[strata.ProcessID][]string {
	t.Helper()
	all := make([]strata.ProcessID, n)
	for i := range all {
		all[i] = strata.ProcessID(i + 1)
	}
	out, _ := runPartial(t, n, all, cfg, opts...)
	return out
}

// runPartial is runCluster for a process set of n of which only the given ids are ever started.
// The rest behave as processes that crashed before sending anything.
// Each started process must deliver every message of every started process.
// Returns the output files and a status report taken from each process just before it was stopped.
func runPartial(t *testing.T, n int, started []strata.ProcessID, cfg hosts.Config, opts ...process.Option) (map[strata.ProcessID][]string, map[strata.ProcessID]status.Report) {
	t.Helper()
	var (
		dir   = t.TempDir()
		hm    = hostTable(n)
		procs = make(map[strata.ProcessID]*process.Process)
		logs  = make(map[strata.ProcessID]*countingLog)
	)
	for _, id := range started {
		l, err := output.Create(filepath.Join(dir, fmt.Sprintf("%d.output", id)))
		if err != nil {
			t.Fatal(err)
		}
		logs[id] = &countingLog{Log: l}
		p, err := process.New(id, hm, cfg, logs[id], opts...)
		if err != nil {
			t.Fatal(err)
		}
		procs[id] = p
	}
	for _, p := range procs {
		if err := p.Start(t.Context()); err != nil {
			t.Fatal(err)
		}
	}

	want := int64(len(started)) * int64(cfg.Messages)
	for id, l := range logs {
		Eventually(t, 15*time.Second, 20*time.Millisecond, func() bool { return l.delivered.Load() == want },
			fmt.Sprintf("process %d delivered %d of %d messages", id, l.delivered.Load(), want))
	}
	reports := make(map[strata.ProcessID]status.Report)
	for id, p := range procs {
		rep := p.Status()
		if rep.URBDelivered == 0 || rep.ID != id {
			t.Error("bad status report", rep)
		}
		reports[id] = rep
		if err := p.Stop(); err != nil {
			t.Errorf("process %d: %v", id, err)
		}
		if err := p.Stop(); err != nil {
			t.Errorf("second stop of process %d: %v", id, err)
		}
	}

	out := make(map[strata.ProcessID][]string)
	for _, id := range started {
		raw, err := os.ReadFile(filepath.Join(dir, fmt.Sprintf("%d.output", id)))
		if err != nil {
			t.Fatal(err)
		}
		out[id] = strings.Split(strings.TrimSuffix(string(raw), "\n"), "\n")
	}
	return out, reports
}

// checkLog validates a single process's event log: broadcasts numbered 1..m in order,
// and every message of every source delivered once, in per-source order.
func checkLog(t *testing.T, id strata.ProcessID, lines []string, n int, m uint64) {
	t.Helper()
	var (
		nextB uint64 = 1
		nextD        = make(map[string]uint64)
	)
	for i, ln := range lines {
		f := strings.Fields(ln)
		switch {
		case len(f) == 2 && f[0] == "b":
			if f[1] != fmt.Sprint(nextB) {
				t.Fatalf("process %d line %d: expected b %d, found %q", id, i, nextB, ln)
			}
			nextB++
		case len(f) == 3 && f[0] == "d":
			if nextD[f[1]] == 0 {
				nextD[f[1]] = 1
			}
			if f[2] != fmt.Sprint(nextD[f[1]]) {
				t.Fatalf("process %d line %d: expected d %s %d, found %q", id, i, f[1], nextD[f[1]], ln)
			}
			nextD[f[1]]++
		default:
			t.Fatalf("process %d line %d: malformed %q", id, i, ln)
		}
	}
	if nextB != m+1 {
		t.Errorf("process %d broadcast %d messages, expected %d", id, nextB-1, m)
	}
	if len(nextD) != n {
		t.Errorf("process %d delivered from %d sources, expected %d", id, len(nextD), n)
	}
	for src, next := range nextD {
		if next != m+1 {
			t.Errorf("process %d delivered %d messages from %s, expected %d", id, next-1, src, m)
		}
	}
}

// checkCausal validates cross-source order over every log.
// For each message k broadcast by i, every delivery from i's locality that i logged before "b k"
// must be logged before "d i k" at every process.
// Only the latest such delivery per source is checked; checkLog covers the per-source order behind it.
func checkCausal(t *testing.T, out map[strata.ProcessID][]string, cfg hosts.Config) {
	t.Helper()
	type msg struct{ src, seq uint64 }
	parse := func(ln string) (kind string, m msg) {
		f := strings.Fields(ln)
		switch {
		case len(f) == 2:
			seq, _ := strconv.ParseUint(f[1], 10, 64)
			return f[0], msg{seq: seq}
		case len(f) == 3:
			src, _ := strconv.ParseUint(f[1], 10, 64)
			seq, _ := strconv.ParseUint(f[2], 10, 64)
			return f[0], msg{src, seq}
		}
		return "", msg{}
	}

	// position of each delivery in each log
	pos := make(map[strata.ProcessID]map[msg]int, len(out))
	for p, lines := range out {
		pos[p] = make(map[msg]int, len(lines))
		for i, ln := range lines {
			if kind, m := parse(ln); kind == "d" {
				pos[p][m] = i
			}
		}
	}

	for i, lines := range out {
		locality := cfg.LocalityOf(i)
		latest := make(map[uint64]uint64) // locality source -> last seq delivered at i so far
		for _, ln := range lines {
			kind, m := parse(ln)
			if kind == "d" && m.src != i && slices.Contains(locality, m.src) {
				latest[m.src] = m.seq
				continue
			} else if kind != "b" {
				continue
			}
			sent := msg{i, m.seq}
			for src, seq := range latest {
				dep := msg{src, seq}
				for p := range out {
					before, ok := pos[p][dep]
					after, ok2 := pos[p][sent]
					if !ok || !ok2 {
						continue // missing deliveries are reported by checkLog
					}
					if before > after {
						t.Errorf("process %d delivered %d:%d before its dependency %d:%d", p, i, m.seq, src, seq)
					}
				}
			}
		}
	}
}

func TestFIFO_ThreeProcesses(t *testing.T) {
	const m = 3
	out := runCluster(t, 3, hosts.Config{Messages: m},
		process.WithResendInterval(50*time.Millisecond),
		process.WithReceiveTimeout(50*time.Millisecond),
		process.WithPacketLimit(25)) // one message per packet
	for id, lines := range out {
		checkLog(t, id, lines, 3, m)
	}
}

func TestFIFO_Batched(t *testing.T) {
	const m = 200
	out := runCluster(t, 4, hosts.Config{Messages: m},
		process.WithResendInterval(50*time.Millisecond),
		process.WithReceiveTimeout(50*time.Millisecond))
	for id, lines := range out {
		checkLog(t, id, lines, 4, m)
	}
}

func TestCausal_ThreeProcesses(t *testing.T) {
	const m = 5
	cfg := hosts.Config{Messages: m, Locality: map[strata.ProcessID][]strata.ProcessID{
		1: {2},
		2: {1, 3},
	}}
	out := runCluster(t, 3, cfg,
		process.WithOrdering(process.Causal),
		process.WithResendInterval(50*time.Millisecond),
		process.WithReceiveTimeout(50*time.Millisecond),
		process.WithPacketLimit(40))
	for id, lines := range out {
		checkLog(t, id, lines, 3, m)
	}
	checkCausal(t, out, cfg)
}

// Uniform delivery completes with a minority crashed, even when the crashed process would fill a small outbox many times over.
func TestCrashedMinority(t *testing.T) {
	const m = 20
	out, reports := runPartial(t, 3, []strata.ProcessID{1, 2}, hosts.Config{Messages: m},
		process.WithResendInterval(50*time.Millisecond),
		process.WithReceiveTimeout(50*time.Millisecond),
		process.WithOutboxCapacity(10),
		process.WithPacketLimit(25)) // one message per packet
	for id, lines := range out {
		checkLog(t, id, lines, 2, m)
	}
	for id, rep := range reports {
		// everything addressed to process 3 beyond its share of the outbox is still held back
		if rep.OutboxSize < 10 || rep.Queued == 0 {
			t.Errorf("process %d: expected traffic for the crashed process to be pending (outbox %d, queued %d)", id, rep.OutboxSize, rep.Queued)
		}
		if slices.Contains(rep.LivePeers, 3) {
			t.Errorf("process %d reports the crashed process as live", id)
		}
	}
}

func TestNew_Errors(t *testing.T) {
	hm := hostTable(2)
	l := output.New(&strings.Builder{})
	if _, err := process.New(3, hm, hosts.Config{}, l); err == nil {
		t.Error("expected error for id outside the host table")
	}
	if _, err := process.New(1, hm, hosts.Config{}, nil); err == nil {
		t.Error("expected error for nil sink")
	}
	if _, err := process.New(1, hm, hosts.Config{}, l, process.WithOrdering("total")); err == nil {
		t.Error("expected error for unknown ordering")
	}
	badLocality := hosts.Config{Messages: 1, Locality: map[strata.ProcessID][]strata.ProcessID{1: {2, 3}}}
	if _, err := process.New(1, hm, badLocality, l); err == nil {
		t.Error("expected error for a locality naming a process outside the host table")
	}
}

func TestStart_Errors(t *testing.T) {
	hm := hostTable(1)
	a, err := process.New(1, hm, hosts.Config{}, output.New(&strings.Builder{}))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Wait(); err != process.ErrNotStarted {
		t.Error(ExpectedActual(process.ErrNotStarted, err))
	}
	if err := a.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	defer a.Stop()
	if err := a.Start(t.Context()); err != process.ErrAlreadyStarted {
		t.Error(ExpectedActual(process.ErrAlreadyStarted, err))
	}

	// a second process cannot bind the same address
	b, err := process.New(1, hm, hosts.Config{}, output.New(&strings.Builder{}))
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(t.Context()); err == nil {
		b.Stop()
		t.Error("expected bind failure")
	}
}
