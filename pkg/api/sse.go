package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/psaab/meshdp/pkg/flow"
)

// setSSEHeaders configures the response for Server-Sent Events streaming.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeSSEEvent writes a single SSE event to the response.
func writeSSEEvent(w http.ResponseWriter, id string, event string, data string) {
	fmt.Fprintf(w, "id: %s\n", id)
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// eventStreamHandler streams connection events via SSE.
// Supports ?protocol= filter (comma-separated: tcp,udp,icmp).
func (s *Server) eventStreamHandler(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event aggregator not available")
		return
	}
	filter, err := parseProtocols(r.URL.Query().Get("protocol"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	setSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	sub := s.events.Subscribe(128)
	defer sub.Close()

	var seq uint64
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.C:
			if filter != nil && !filter[ev.Protocol] {
				continue
			}
			seq++
			data, err := json.Marshal(eventEntry(ev))
			if err != nil {
				continue
			}
			writeSSEEvent(w, fmt.Sprintf("%d", seq), "connection", string(data))
		}
	}
}

// parseProtocols parses a comma-separated protocol list. An empty string
// means no filter.
func parseProtocols(s string) (map[flow.Protocol]bool, error) {
	if s == "" {
		return nil, nil
	}
	set := make(map[flow.Protocol]bool)
	for _, p := range strings.Split(s, ",") {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "tcp":
			set[flow.ProtoTCP] = true
		case "udp":
			set[flow.ProtoUDP] = true
		case "icmp":
			set[flow.ProtoICMP] = true
		default:
			return nil, fmt.Errorf("unknown protocol %q", p)
		}
	}
	return set, nil
}
