package api

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"
	"time"

	"github.com/psaab/meshdp/pkg/conntrack"
	"github.com/psaab/meshdp/pkg/flow"
	"github.com/psaab/meshdp/pkg/resolver"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 10000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
	}
	if s.cache != nil {
		resp.CacheEntries = s.cache.Len()
	}
	if s.conntrack != nil {
		resp.ConntrackEntries = s.conntrack.Len()
	}
	if s.events != nil {
		resp.QueueDepth = s.events.Depth()
		resp.EventsPushed = s.events.Pushed()
		resp.EventsDropped = s.events.Dropped()
	}
	if s.blocklist != nil {
		resp.BlocklistEntries = s.blocklist.Len()
	}
	writeOK(w, resp)
}

func (s *Server) cacheHandler(w http.ResponseWriter, _ *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "resolution cache not available")
		return
	}
	entries := s.cache.Entries()
	out := make([]CacheEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, cacheEntry(e))
	}
	writeOK(w, out)
}

// invalidateHandler drops one service (?service=X) or the whole cache
// (?all=true).
func (s *Server) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeError(w, http.StatusServiceUnavailable, "resolution cache not available")
		return
	}
	q := r.URL.Query()
	if all, _ := strconv.ParseBool(q.Get("all")); all {
		n := s.cache.Len()
		s.cache.Purge()
		writeOK(w, InvalidateResponse{Removed: n > 0, Purged: true})
		return
	}
	svc := q.Get("service")
	if svc == "" {
		writeError(w, http.StatusBadRequest, "service parameter required")
		return
	}
	writeOK(w, InvalidateResponse{Service: svc, Removed: s.cache.Invalidate(svc)})
}

func (s *Server) conntrackHandler(w http.ResponseWriter, _ *http.Request) {
	if s.conntrack == nil {
		writeError(w, http.StatusServiceUnavailable, "conntrack not available")
		return
	}
	entries := s.conntrack.Entries()
	out := make([]ConntrackEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, conntrackEntry(e))
	}
	writeOK(w, out)
}

// eventsHandler returns the most recent events without draining the
// export queue.
func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event aggregator not available")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evs := s.events.Latest(limit)
	out := make([]EventEntry, 0, len(evs))
	for _, ev := range evs {
		out = append(out, eventEntry(ev))
	}
	writeOK(w, out)
}

func (s *Server) blocklistHandler(w http.ResponseWriter, _ *http.Request) {
	if s.blocklist == nil {
		writeError(w, http.StatusServiceUnavailable, "blocklist not available")
		return
	}
	addrs := s.blocklist.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, flow.AddrFromUint32(a).String())
	}
	writeOK(w, out)
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return defaultEventLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, &limitError{s}
	}
	return min(n, maxEventLimit), nil
}

type limitError struct{ value string }

func (e *limitError) Error() string { return "invalid limit " + strconv.Quote(e.value) }

func cacheEntry(e resolver.Entry) CacheEntry {
	return CacheEntry{
		Service: e.Service,
		IP:      e.Endpoint.Addr().String(),
		Port:    e.Endpoint.Port,
	}
}

func conntrackEntry(e conntrack.Entry) ConntrackEntry {
	return ConntrackEntry{
		Protocol:  e.Key.Protocol.String(),
		Src:       addrPort(e.Key.SrcIP, e.Key.SrcPort),
		Dst:       addrPort(e.Key.DstIP, e.Key.DstPort),
		PID:       e.PID,
		Packets:   e.Packets,
		FirstSeen: e.FirstSeen.Format(time.RFC3339),
		LastSeen:  e.LastSeen.Format(time.RFC3339),
	}
}

func eventEntry(ev flow.ConnectionEvent) EventEntry {
	return EventEntry{
		Protocol: ev.Protocol.String(),
		Src:      addrPort(ev.SrcIP, ev.SrcPort),
		Dst:      addrPort(ev.DstIP, ev.DstPort),
		PID:      ev.PID,
	}
}

func addrPort(ip uint32, port uint16) string {
	a := flow.AddrFromUint32(ip)
	if port == 0 {
		return a.String()
	}
	return netip.AddrPortFrom(a, port).String()
}
