package blocklist

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf"
)

// KernelMap is the subset of *ebpf.Map used by MapMirror.
type KernelMap interface {
	Update(key, value interface{}, flags ebpf.MapUpdateFlags) error
	Delete(key interface{}) error
	Iterate() *ebpf.MapIterator
}

// MapMirror copies a Set into a BPF hash map (u32 address -> u8 flag) so a
// classifier hosted in the kernel consults the same addresses.
type MapMirror struct {
	m KernelMap
}

// NewMapMirror wraps an existing BPF map.
func NewMapMirror(m KernelMap) *MapMirror {
	return &MapMirror{m: m}
}

// NewBlocklistMapSpec returns the spec of a map suitable for MapMirror.
func NewBlocklistMapSpec(maxEntries uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       "mesh_blocklist",
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  1,
		MaxEntries: maxEntries,
	}
}

// Sync writes every address in addrs and removes keys no longer present.
func (mm *MapMirror) Sync(addrs []uint32) error {
	want := make(map[uint32]bool, len(addrs))
	var one uint8 = 1
	for _, a := range addrs {
		want[a] = true
		if err := mm.m.Update(a, one, ebpf.UpdateAny); err != nil {
			return fmt.Errorf("blocklist map update %08x: %w", a, err)
		}
	}

	var stale []uint32
	var key uint32
	var val uint8
	it := mm.m.Iterate()
	for it.Next(&key, &val) {
		if !want[key] {
			stale = append(stale, key)
		}
	}
	if err := it.Err(); err != nil {
		return fmt.Errorf("blocklist map iterate: %w", err)
	}
	for _, k := range stale {
		if err := mm.m.Delete(k); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			slog.Debug("blocklist map delete failed", "key", k, "err", err)
		}
	}
	return nil
}
