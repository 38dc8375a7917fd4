// Package resolver maps service names to live endpoints, caching each
// successful control-plane resolution.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/psaab/meshdp/pkg/controlplane"
	"github.com/psaab/meshdp/pkg/metrics"
)

const (
	// MaxKeyLen is the longest service name stored as a cache key. Longer
	// names are truncated on a UTF-8 boundary.
	MaxKeyLen = 64
	// DefaultCapacity bounds the cache when no capacity is configured.
	DefaultCapacity = 1024
	// DefaultNamespace is used when a lookup names no namespace.
	DefaultNamespace = "default"
)

// ErrResolution is returned when a service cannot be resolved to a pod.
var ErrResolution = errors.New("service resolution failed")

// Endpoint is a resolved pod address.
type Endpoint struct {
	IP   [4]byte
	Port uint32
}

// Addr returns the endpoint address.
func (e Endpoint) Addr() netip.Addr { return netip.AddrFrom4(e.IP) }

func (e Endpoint) String() string {
	return e.Addr().String() + ":" + strconv.FormatUint(uint64(e.Port), 10)
}

// Entry is one cached resolution.
type Entry struct {
	Service  string
	Endpoint Endpoint
}

// Options configures a Cache.
type Options struct {
	Capacity int
	// TTL expires entries after this long. Zero keeps entries until they
	// are evicted or invalidated.
	TTL     time.Duration
	Metrics *metrics.Metrics
}

// Cache is a bounded service name to endpoint cache backed by the control
// plane. The least recently used entry is evicted when the cache is full.
type Cache struct {
	cp    controlplane.ControlPlane
	store *expirable.LRU[string, Endpoint]
	group singleflight.Group
	m     *metrics.Metrics
}

// New creates a cache resolving misses through cp.
func New(cp controlplane.ControlPlane, opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	return &Cache{
		cp:    cp,
		store: expirable.NewLRU[string, Endpoint](opts.Capacity, nil, opts.TTL),
		m:     opts.Metrics,
	}
}

// Key returns the cache key for a service name.
func Key(name string) string {
	if len(name) <= MaxKeyLen {
		return name
	}
	i := MaxKeyLen
	for i > 0 && !utf8.RuneStart(name[i]) {
		i--
	}
	return name[:i]
}

// Resolve returns the endpoint for name, consulting the control plane on a
// cache miss. The second result is false when the service cannot be
// resolved; nothing is cached in that case.
func (c *Cache) Resolve(ctx context.Context, name, namespace string, port uint32) (Endpoint, bool) {
	ep, err := c.Lookup(ctx, name, namespace, port)
	return ep, err == nil
}

// Lookup is Resolve with the failure reason. Failures wrap ErrResolution.
func (c *Cache) Lookup(ctx context.Context, name, namespace string, port uint32) (Endpoint, error) {
	if name == "" {
		return Endpoint{}, fmt.Errorf("%w: empty service name", ErrResolution)
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	key := Key(name)
	if ep, ok := c.store.Get(key); ok {
		c.m.CacheLookup(metrics.LookupHit)
		return ep, nil
	}

	sfKey := key + "\x00" + namespace + "\x00" + strconv.FormatUint(uint64(port), 10)
	v, err, _ := c.group.Do(sfKey, func() (interface{}, error) {
		ep, err := c.resolve(ctx, name, namespace, port)
		if err != nil {
			return Endpoint{}, err
		}
		c.store.Add(key, ep)
		return ep, nil
	})
	if err != nil {
		if errors.Is(err, controlplane.ErrNotFound) || errors.Is(err, controlplane.ErrNoSelector) || errors.Is(err, errNoPod) {
			c.m.CacheLookup(metrics.LookupMiss)
		} else {
			c.m.CacheLookup(metrics.LookupError)
		}
		slog.Info("service resolution miss", "service", name, "namespace", namespace, "err", err)
		return Endpoint{}, fmt.Errorf("%w: %s.%s: %w", ErrResolution, name, namespace, err)
	}
	c.m.CacheLookup(metrics.LookupMiss)
	return v.(Endpoint), nil
}

var errNoPod = errors.New("no pod with an IPv4 address")

func (c *Cache) resolve(ctx context.Context, name, namespace string, port uint32) (Endpoint, error) {
	svc, err := c.cp.GetService(ctx, name, namespace)
	if err != nil {
		return Endpoint{}, err
	}
	if len(svc.Selector) == 0 {
		return Endpoint{}, controlplane.ErrNoSelector
	}
	pods, err := c.cp.ListPods(ctx, svc.Selector, namespace)
	if err != nil {
		return Endpoint{}, err
	}
	// First fit: no balancing across pods.
	for _, p := range pods {
		if p.IP == "" {
			continue
		}
		a, err := netip.ParseAddr(p.IP)
		if err != nil {
			continue
		}
		a = a.Unmap()
		if !a.Is4() {
			continue
		}
		ep := Endpoint{IP: a.As4(), Port: port}
		slog.Debug("service resolved", "service", name, "namespace", namespace, "pod", p.Name, "endpoint", ep)
		return ep, nil
	}
	return Endpoint{}, errNoPod
}

// Register stores an endpoint for name without consulting the control
// plane.
func (c *Cache) Register(name string, ip netip.Addr, port uint32) error {
	ip = ip.Unmap()
	if !ip.Is4() {
		return fmt.Errorf("register %s: %s is not IPv4", name, ip)
	}
	c.store.Add(Key(name), Endpoint{IP: ip.As4(), Port: port})
	return nil
}

// Get returns the cached endpoint for name.
func (c *Cache) Get(name string) (Endpoint, bool) {
	return c.store.Get(Key(name))
}

// Invalidate drops the entry for name. It reports whether one existed.
func (c *Cache) Invalidate(name string) bool {
	return c.store.Remove(Key(name))
}

// Purge empties the cache.
func (c *Cache) Purge() { c.store.Purge() }

// Len returns the number of cached entries.
func (c *Cache) Len() int { return c.store.Len() }

// Entries returns the cached resolutions sorted by service name.
func (c *Cache) Entries() []Entry {
	keys := c.store.Keys()
	out := make([]Entry, 0, len(keys))
	for _, k := range keys {
		if ep, ok := c.store.Peek(k); ok {
			out = append(out, Entry{Service: k, Endpoint: ep})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
