// Package api implements the HTTP monitoring API and the Prometheus
// metrics endpoint.
package api

// Response is the standard JSON response envelope.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusResponse holds daemon status information.
type StatusResponse struct {
	Uptime           string `json:"uptime"`
	CacheEntries     int    `json:"cache_entries"`
	ConntrackEntries int    `json:"conntrack_entries"`
	QueueDepth       int    `json:"event_queue_depth"`
	EventsPushed     uint64 `json:"events_pushed"`
	EventsDropped    uint64 `json:"events_dropped"`
	BlocklistEntries int    `json:"blocklist_entries"`
}

// CacheEntry is one service resolution cache entry.
type CacheEntry struct {
	Service string `json:"service"`
	IP      string `json:"ip"`
	Port    uint32 `json:"port"`
}

// ConntrackEntry is one tracked connection.
type ConntrackEntry struct {
	Protocol  string `json:"protocol"`
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	PID       uint32 `json:"pid,omitempty"`
	Packets   uint64 `json:"packets"`
	FirstSeen string `json:"first_seen"`
	LastSeen  string `json:"last_seen"`
}

// EventEntry is one connection event.
type EventEntry struct {
	Protocol string `json:"protocol"`
	Src      string `json:"src"`
	Dst      string `json:"dst"`
	PID      uint32 `json:"pid,omitempty"`
}

// InvalidateResponse reports the result of a cache invalidation.
type InvalidateResponse struct {
	Service string `json:"service,omitempty"`
	Removed bool   `json:"removed"`
	Purged  bool   `json:"purged,omitempty"`
}
