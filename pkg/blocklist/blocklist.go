// Package blocklist holds the set of IPv4 source addresses whose traffic the
// data plane rejects.
package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"net/netip"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/psaab/meshdp/pkg/flow"
)

// Set is a read-mostly set of host-order IPv4 addresses. Readers never
// lock; Replace swaps in a new map so in-flight lookups see either the old
// or the new contents, never a partial update.
type Set struct {
	addrs atomic.Pointer[map[uint32]struct{}]
}

// New creates a set holding addrs.
func New(addrs ...uint32) *Set {
	s := &Set{}
	s.Replace(addrs)
	return s
}

// Contains reports whether ip (host order) is blocked. It does not allocate.
func (s *Set) Contains(ip uint32) bool {
	if s == nil {
		return false
	}
	m := s.addrs.Load()
	if m == nil {
		return false
	}
	_, ok := (*m)[ip]
	return ok
}

// ContainsAddr is Contains for a netip.Addr. Non-IPv4 addresses are never
// blocked.
func (s *Set) ContainsAddr(a netip.Addr) bool {
	ip, ok := flow.Uint32FromAddr(a)
	if !ok {
		return false
	}
	return s.Contains(ip)
}

// Replace atomically swaps the set contents.
func (s *Set) Replace(addrs []uint32) {
	m := make(map[uint32]struct{}, len(addrs))
	for _, a := range addrs {
		m[a] = struct{}{}
	}
	s.addrs.Store(&m)
}

// Len returns the number of blocked addresses.
func (s *Set) Len() int {
	m := s.addrs.Load()
	if m == nil {
		return 0
	}
	return len(*m)
}

// Addrs returns the blocked addresses in ascending order.
func (s *Set) Addrs() []uint32 {
	m := s.addrs.Load()
	if m == nil {
		return nil
	}
	out := make([]uint32, 0, len(*m))
	for a := range *m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseAddrs converts dotted-quad strings to host-order addresses.
func ParseAddrs(list []string) ([]uint32, error) {
	out := make([]uint32, 0, len(list))
	for _, s := range list {
		a, err := parseAddr(s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// ParseList reads one IPv4 address per line. Blank lines and text after
// '#' are ignored.
func ParseList(r io.Reader) ([]uint32, error) {
	var out []uint32
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		a, err := parseAddr(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, a)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseAddr(s string) (uint32, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	ip, ok := flow.Uint32FromAddr(a)
	if !ok {
		return 0, fmt.Errorf("invalid address %q: not IPv4", s)
	}
	return ip, nil
}
