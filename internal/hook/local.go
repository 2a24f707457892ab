package hook

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/magicreboot/internal/log"
)

// Destinations decides whether a datagram's destination is delivered to this host.
type Destinations interface {
	Local(dst netip.Addr) bool
}

// minRefreshInterval bounds how often a miss re-reads the routing table.
const minRefreshInterval = time.Second

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// LocalTable answers Local from the kernel's local routing table: the host's own
// addresses and its subnet broadcast addresses. Multicast, loopback and the limited
// broadcast address are always local. A miss re-reads the table, at most once per
// minRefreshInterval, so addresses added after startup are picked up.
type LocalTable struct {
	load   func() ([]netip.Prefix, error)
	now    func() time.Time
	logger *slog.Logger

	prefixes atomic.Pointer[[]netip.Prefix]

	mu       sync.Mutex
	loadedAt time.Time
}

// NewLocalTable creates a table backed by the kernel routing table. Call Refresh before
// the first lookup.
func NewLocalTable(logger *slog.Logger) *LocalTable {
	return newLocalTable(localRoutes, logger)
}

func newLocalTable(load func() ([]netip.Prefix, error), logger *slog.Logger) *LocalTable {
	if logger == nil {
		logger = log.Get()
	}
	t := &LocalTable{load: load, now: time.Now, logger: logger}
	t.prefixes.Store(&[]netip.Prefix{})
	return t
}

// Refresh re-reads the local routing table.
func (t *LocalTable) Refresh() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refreshLocked()
}

func (t *LocalTable) refreshLocked() error {
	t.loadedAt = t.now()
	prefixes, err := t.load()
	if err != nil {
		return fmt.Errorf("failed to read local routing table: %w", err)
	}
	t.prefixes.Store(&prefixes)
	return nil
}

// Local reports whether dst is delivered locally.
func (t *LocalTable) Local(dst netip.Addr) bool {
	dst = dst.Unmap()
	if dst.IsMulticast() || dst.IsLoopback() || dst == limitedBroadcast {
		return true
	}
	if t.contains(dst) {
		return true
	}

	t.mu.Lock()
	stale := t.now().Sub(t.loadedAt) >= minRefreshInterval
	if stale {
		if err := t.refreshLocked(); err != nil {
			t.logger.Warn("local address refresh failed", "error", err)
		}
	}
	t.mu.Unlock()

	return stale && t.contains(dst)
}

func (t *LocalTable) contains(dst netip.Addr) bool {
	for _, p := range *t.prefixes.Load() {
		if p.Contains(dst) {
			return true
		}
	}
	return false
}

// StaticDestinations treats a fixed address list as local.
type StaticDestinations []netip.Addr

func (s StaticDestinations) Local(dst netip.Addr) bool {
	dst = dst.Unmap()
	for _, a := range s {
		if a == dst {
			return true
		}
	}
	return false
}
