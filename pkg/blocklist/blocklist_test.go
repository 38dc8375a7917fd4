package blocklist

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestSetContains(t *testing.T) {
	s := New(0x0A000001, 0xC0A80101)
	if !s.Contains(0x0A000001) {
		t.Error("10.0.0.1 should be blocked")
	}
	if s.Contains(0x0A000002) {
		t.Error("10.0.0.2 should not be blocked")
	}
	if !s.ContainsAddr(netip.MustParseAddr("192.168.1.1")) {
		t.Error("192.168.1.1 should be blocked")
	}
	if s.ContainsAddr(netip.MustParseAddr("2001:db8::1")) {
		t.Error("IPv6 should never be blocked")
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}

	var nilSet *Set
	if nilSet.Contains(1) {
		t.Error("nil set should contain nothing")
	}
}

func TestSetContainsDoesNotAllocate(t *testing.T) {
	s := New(0x0A000001)
	allocs := testing.AllocsPerRun(100, func() {
		_ = s.Contains(0x0A000001)
		_ = s.Contains(0x0A000002)
	})
	if allocs != 0 {
		t.Errorf("Contains allocated %.1f times per run", allocs)
	}
}

func TestSetReplaceConcurrent(t *testing.T) {
	s := New(1, 2, 3)
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = s.Contains(2)
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		s.Replace([]uint32{uint32(i), uint32(i + 1)})
	}
	close(stop)
	wg.Wait()

	got := s.Addrs()
	if len(got) != 2 || got[0] != 99 || got[1] != 100 {
		t.Errorf("Addrs = %v, want [99 100]", got)
	}
}

func TestParseList(t *testing.T) {
	in := `
# blocked sources
10.0.0.1
  192.168.1.7   # trailing comment

172.16.0.9
`
	addrs, err := ParseList(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	want := []uint32{0x0A000001, 0xC0A80107, 0xAC100009}
	if len(addrs) != len(want) {
		t.Fatalf("got %d addrs, want %d", len(addrs), len(want))
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Errorf("addrs[%d] = %#x, want %#x", i, addrs[i], want[i])
		}
	}
}

func TestParseListErrors(t *testing.T) {
	if _, err := ParseList(strings.NewReader("10.0.0.1\nnot-an-ip\n")); err == nil {
		t.Error("expected error for invalid line")
	} else if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error %q should name line 2", err)
	}
	if _, err := ParseList(strings.NewReader("2001:db8::1\n")); err == nil {
		t.Error("expected error for IPv6 entry")
	}
}

func TestParseAddrs(t *testing.T) {
	addrs, err := ParseAddrs([]string{"10.0.0.1", "10.0.0.2"})
	if err != nil {
		t.Fatalf("ParseAddrs: %v", err)
	}
	if len(addrs) != 2 || addrs[1] != 0x0A000002 {
		t.Errorf("ParseAddrs = %v", addrs)
	}
	if _, err := ParseAddrs([]string{"bad"}); err == nil {
		t.Error("expected error")
	}
}

func TestFileSourceLoadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocklist.txt")
	if err := os.WriteFile(path, []byte("10.0.0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	set := New()
	fs := NewFileSource(path, set)
	reloaded := make(chan []uint32, 4)
	fs.OnReload = func(a []uint32) { reloaded <- a }

	if err := fs.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	<-reloaded
	if !set.Contains(0x0A000001) {
		t.Fatal("10.0.0.1 should be loaded")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- fs.Watch(ctx) }()

	// Give the watcher time to register before rewriting the file.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("10.0.0.2\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for !set.Contains(0x0A000002) {
		select {
		case <-reloaded:
		case <-deadline:
			t.Fatal("blocklist was not reloaded after write")
		}
	}
	if set.Contains(0x0A000001) {
		t.Error("10.0.0.1 should be gone after reload")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func TestFileSourceBadFileKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blocklist.txt")
	set := New(0x0A000001)
	fs := NewFileSource(path, set)

	if err := fs.Load(); err == nil {
		t.Error("expected error for missing file")
	}
	if err := os.WriteFile(path, []byte("garbage\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fs.Load(); err == nil {
		t.Error("expected parse error")
	}
	if !set.Contains(0x0A000001) {
		t.Error("previous contents should survive a failed load")
	}
}

func TestFileSourceKeepsBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.txt")
	if err := os.WriteFile(path, []byte("10.0.0.1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	set := New()
	fs := NewFileSource(path, set)
	fs.Base = []uint32{0xC0A80001}
	var got []uint32
	fs.OnReload = func(a []uint32) { got = a }

	if err := fs.Load(); err != nil {
		t.Fatal(err)
	}
	if !set.Contains(0x0A000001) || !set.Contains(0xC0A80001) {
		t.Errorf("set = %v, want file and base entries", set.Addrs())
	}
	if len(got) != 2 || got[0] != 0x0A000001 || got[1] != 0xC0A80001 {
		t.Errorf("OnReload got %v", got)
	}
}
