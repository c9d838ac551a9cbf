// Package hosts reads the static run inputs of a process: the hosts file (who participates and where) and the run config (what to send).
//
// Hosts file: one "id host port" per line; ids must be exactly 1..N.
// Config file: the number of messages to originate on the first line,
// then optional "i j k ..." lines giving the locality of process i.
package hosts

import (
	"bufio"
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"net/netip"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/rflandau/strata/strata"
)

var (
	ErrNoHosts    = errors.New("hosts file lists no processes")
	ErrNoMessages = errors.New("config does not begin with a message count")
)

// ErrBadLine returns an error to indicate that a line could not be parsed.
func ErrBadLine(lineNo int, line string, reason string) error {
	return fmt.Errorf("line %d (%q): %s", lineNo, line, reason)
}

// ErrIDGap returns an error to indicate that ids do not form the sequence 1..N.
func ErrIDGap(expected, found strata.ProcessID) error {
	return fmt.Errorf("process ids must run 1..N: expected %d, found %d", expected, found)
}

// A Host is a single process as listed in the hosts file.
type Host struct {
	ID   strata.ProcessID
	Name string // hostname or IP literal
	Port uint16
}

// ParseHosts reads a hosts file.
// Blank lines are skipped. The returned hosts are ordered by id.
func ParseHosts(r io.Reader) ([]Host, error) {
	var (
		hs   []Host
		sc   = bufio.NewScanner(r)
		line int
	)
	for sc.Scan() {
		line++
		txt := strings.TrimSpace(sc.Text())
		if txt == "" {
			continue
		}
		fields := strings.Fields(txt)
		if len(fields) != 3 {
			return nil, ErrBadLine(line, txt, "expected 'id host port'")
		}
		id, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return nil, ErrBadLine(line, txt, "bad id: "+err.Error())
		}
		port, err := strconv.ParseUint(fields[2], 10, 16)
		if err != nil || port == 0 {
			return nil, ErrBadLine(line, txt, "bad port")
		}
		hs = append(hs, Host{ID: id, Name: fields[1], Port: uint16(port)})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(hs) == 0 {
		return nil, ErrNoHosts
	}
	slices.SortFunc(hs, func(a, b Host) int { return cmp.Compare(a.ID, b.ID) })
	for i, h := range hs {
		if h.ID != strata.ProcessID(i+1) {
			return nil, ErrIDGap(strata.ProcessID(i+1), h.ID)
		}
	}
	return hs, nil
}

// Resolve translates every host into an address, preferring IPv4.
// Names are resolved once; the result is immutable for the life of the process.
func Resolve(ctx context.Context, hs []Host) (map[strata.ProcessID]netip.AddrPort, error) {
	out := make(map[strata.ProcessID]netip.AddrPort, len(hs))
	for _, h := range hs {
		addr, err := resolveOne(ctx, h.Name)
		if err != nil {
			return nil, fmt.Errorf("process %d: %w", h.ID, err)
		}
		out[h.ID] = netip.AddrPortFrom(addr, h.Port)
	}
	return out, nil
}

func resolveOne(ctx context.Context, name string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(name); err == nil {
		return a.Unmap(), nil
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", name)
	if err != nil {
		return netip.Addr{}, err
	} else if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("%s resolved to no addresses", name)
	}
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap(), nil
		}
	}
	return addrs[0], nil
}

// Load parses and resolves the hosts file at path.
func Load(ctx context.Context, path string) (map[strata.ProcessID]netip.AddrPort, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hs, err := ParseHosts(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return Resolve(ctx, hs)
}

// Config is the run configuration shared by every process.
type Config struct {
	// Messages each process originates.
	Messages uint64
	// Locality, by process: the processes whose deliveries that process's broadcasts depend on.
	// Processes without a line have an empty locality.
	Locality map[strata.ProcessID][]strata.ProcessID
}

// LocalityOf returns the locality of process id, always including id itself.
func (c Config) LocalityOf(id strata.ProcessID) []strata.ProcessID {
	loc := []strata.ProcessID{id}
	for _, j := range c.Locality[id] {
		if j != id {
			loc = append(loc, j)
		}
	}
	return loc
}

// ErrBadLocality returns an error to indicate that the locality line of owner names a process outside the process set.
func ErrBadLocality(owner, id strata.ProcessID) error {
	return fmt.Errorf("locality of process %d: %w", owner, strata.ErrUnknownProcess(id))
}

// Check reports the first locality line (by owner id) naming a process that is not in members, either as its owner or as a dependency.
// Config files are parsed without knowledge of the hosts file, so Check is how the two are reconciled.
func (c Config) Check(members []strata.ProcessID) error {
	for _, owner := range slices.Sorted(maps.Keys(c.Locality)) {
		if !slices.Contains(members, owner) {
			return ErrBadLocality(owner, owner)
		}
		for _, j := range c.Locality[owner] {
			if !slices.Contains(members, j) {
				return ErrBadLocality(owner, j)
			}
		}
	}
	return nil
}

// ParseConfig reads a run config.
func ParseConfig(r io.Reader) (Config, error) {
	var (
		cfg  = Config{Locality: make(map[strata.ProcessID][]strata.ProcessID)}
		sc   = bufio.NewScanner(r)
		line int
		seen bool // message count read
	)
	for sc.Scan() {
		line++
		txt := strings.TrimSpace(sc.Text())
		if txt == "" {
			continue
		}
		fields := strings.Fields(txt)
		if !seen {
			if len(fields) != 1 {
				return cfg, ErrBadLine(line, txt, "expected a single message count")
			}
			m, err := strconv.ParseUint(fields[0], 10, 64)
			if err != nil {
				return cfg, ErrBadLine(line, txt, "bad message count: "+err.Error())
			}
			cfg.Messages, seen = m, true
			continue
		}
		ids := make([]strata.ProcessID, len(fields))
		for i, f := range fields {
			id, err := strconv.ParseUint(f, 10, 64)
			if err != nil || id == 0 {
				return cfg, ErrBadLine(line, txt, "bad process id "+f)
			}
			ids[i] = id
		}
		cfg.Locality[ids[0]] = ids[1:]
	}
	if err := sc.Err(); err != nil {
		return cfg, err
	}
	if !seen {
		return cfg, ErrNoMessages
	}
	return cfg, nil
}

// LoadConfig parses the run config at path.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()
	cfg, err := ParseConfig(f)
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
