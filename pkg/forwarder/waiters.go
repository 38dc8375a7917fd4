package forwarder

import (
	"net/netip"
	"sync"
)

type waiter struct {
	ip      netip.Addr
	service string
	ch      chan []byte
}

// waiterSet tracks in-flight UDP forwards by backend IP.
type waiterSet struct {
	mu   sync.Mutex
	byIP map[netip.Addr][]*waiter
}

func newWaiterSet() *waiterSet {
	return &waiterSet{byIP: make(map[netip.Addr][]*waiter)}
}

func (s *waiterSet) add(ip netip.Addr, service string) *waiter {
	w := &waiter{ip: ip, service: service, ch: make(chan []byte, 1)}
	s.mu.Lock()
	s.byIP[ip] = append(s.byIP[ip], w)
	s.mu.Unlock()
	return w
}

func (s *waiterSet) remove(w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.byIP[w.ip]
	for i, x := range list {
		if x == w {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.byIP, w.ip)
	} else {
		s.byIP[w.ip] = list
	}
}

// deliver gives payload to the oldest waiter on ip that has not been
// answered yet. An empty service matches any waiter.
//
// The envelope carries no request id, so concurrent forwards from
// different clients to the same backend and service are served first
// come, first served: a reply goes to whichever of them registered first.
func (s *waiterSet) deliver(ip netip.Addr, service string, payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.byIP[ip] {
		if service != "" && w.service != service {
			continue
		}
		select {
		case w.ch <- payload:
			return true
		default:
		}
	}
	return false
}

func (s *waiterSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.byIP {
		n += len(l)
	}
	return n
}
