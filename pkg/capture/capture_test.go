package capture

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/psaab/meshdp/pkg/blocklist"
	"github.com/psaab/meshdp/pkg/events"
	"github.com/psaab/meshdp/pkg/flow"
)

func tcpFrame(t *testing.T, src, dst net.IP, sport, dport uint16) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, SrcIP: src, DstIP: dst, Protocol: layers.IPProtocolTCP}
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), ACK: true}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// sliceSource replays frames, then times out until closed.
type sliceSource struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (s *sliceSource) ReadFrame(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errors.New("closed")
	}
	if len(s.frames) == 0 {
		time.Sleep(time.Millisecond)
		return 0, ErrTimeout
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return copy(buf, f), nil
}

func (s *sliceSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type staticPIDs map[uint16]uint32

func (p staticPIDs) Lookup(port uint16) uint32 { return p[port] }

func TestCaptureRun(t *testing.T) {
	arp := make([]byte, 60)
	arp[12], arp[13] = 0x08, 0x06

	src := &sliceSource{frames: [][]byte{
		tcpFrame(t, net.IPv4(10, 0, 0, 1), net.IPv4(10, 0, 0, 2), 40000, 8080),
		tcpFrame(t, net.IPv4(10, 9, 9, 9), net.IPv4(10, 0, 0, 2), 40001, 8080),
		arp,
		{0x00, 0x01},
	}}
	agg := events.NewAggregator(16, 16)
	c := &Capture{
		Source:    src,
		Blocklist: blocklist.New(0x0A090909),
		Sink:      agg,
		PIDs:      staticPIDs{8080: 321},
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for c.Stats().Frames < 4 {
		select {
		case <-deadline:
			t.Fatalf("processed %d frames, want 4", c.Stats().Frames)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	st := c.Stats()
	if st.Passed != 1 || st.Blocked != 1 || st.Silent != 1 || st.Parse != 1 {
		t.Errorf("stats = %+v", st)
	}

	got := agg.SnapshotAndClear()
	if len(got) != 1 {
		t.Fatalf("events = %v, want 1", got)
	}
	want := flow.ConnectionEvent{
		Protocol: flow.ProtoTCP,
		SrcIP:    0x0A000001,
		SrcPort:  40000,
		DstIP:    0x0A000002,
		DstPort:  8080,
		PID:      321,
	}
	if got[0] != want {
		t.Errorf("event = %v, want %v", got[0], want)
	}
}

func TestPIDResolverRefresh(t *testing.T) {
	r := NewPIDResolver(time.Minute)
	r.list = func(context.Context) ([]psnet.ConnectionStat, error) {
		return []psnet.ConnectionStat{
			{Pid: 100, Laddr: psnet.Addr{IP: "0.0.0.0", Port: 5053}},
			{Pid: 200, Laddr: psnet.Addr{IP: "10.0.0.1", Port: 40000}},
			{Pid: 0, Laddr: psnet.Addr{IP: "10.0.0.1", Port: 40001}},
			{Pid: 300, Laddr: psnet.Addr{IP: "10.0.0.1", Port: 0}},
		}, nil
	}
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := r.Lookup(5053); got != 100 {
		t.Errorf("Lookup(5053) = %d, want 100", got)
	}
	if got := r.Lookup(40000); got != 200 {
		t.Errorf("Lookup(40000) = %d, want 200", got)
	}
	if got := r.Lookup(40001); got != 0 {
		t.Errorf("Lookup(40001) = %d, want 0", got)
	}
	if got := r.Lookup(0); got != 0 {
		t.Errorf("Lookup(0) = %d, want 0", got)
	}

	r.list = func(context.Context) ([]psnet.ConnectionStat, error) {
		return nil, errors.New("boom")
	}
	if err := r.Refresh(context.Background()); err == nil {
		t.Error("expected refresh error")
	}
	if got := r.Lookup(5053); got != 100 {
		t.Errorf("failed refresh should keep old table, got %d", got)
	}
}
