// Package reversedns maps IP addresses back to the names they were resolved
// from.
//
// When you observe raw socket operations you only see IP:port pairs. The DNS
// responses the agent already correlates say which names resolved to which
// addresses; recording them lets lifecycle facts carry the peer's hostname
// instead of a bare address. Entries live for the record TTL, bounded by the
// resolver's configured TTL.
package reversedns

import (
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// maxNamesPerIP caps the names kept for one address (CDN addresses can be
// shared by thousands of names).
const maxNamesPerIP = 16

// MinTTL is the shortest lifetime of an entry. Records with a zero TTL are
// still useful for the connection that follows the lookup.
const MinTTL = 5 * time.Second

// Resolver is safe for concurrent use.
type Resolver struct {
	cache  *ttlcache.Cache[netip.Addr, []string]
	maxTTL time.Duration
}

// New creates a resolver holding at most size addresses for at most ttl each.
func New(size int, ttl time.Duration) *Resolver {
	//nolint:gosec // size is validated positive by config
	return &Resolver{
		cache: ttlcache.New[netip.Addr, []string](
			ttlcache.WithTTL[netip.Addr, []string](ttl),
			ttlcache.WithCapacity[netip.Addr, []string](uint64(size)),
			ttlcache.WithDisableTouchOnHit[netip.Addr, []string](),
		),
		maxTTL: ttl,
	}
}

// Start runs the expiration loop until Stop is called.
func (r *Resolver) Start() {
	go r.cache.Start()
}

// Stop ends the expiration loop.
func (r *Resolver) Stop() {
	r.cache.Stop()
}

// Add records that name resolved to addrs for ttl. Names are stored without
// the trailing dot.
func (r *Resolver) Add(name string, ttl time.Duration, addrs ...netip.Addr) {
	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if name == "" {
		return
	}
	ttl = r.clamp(ttl)
	for _, addr := range addrs {
		addr = addr.Unmap()
		var names []string
		if item := r.cache.Get(addr); item != nil {
			names = item.Value()
		}
		if slices.Contains(names, name) {
			// Refresh the expiration.
			r.cache.Set(addr, names, ttl)
			continue
		}
		if len(names) >= maxNamesPerIP {
			continue
		}
		merged := make([]string, 0, len(names)+1)
		merged = append(merged, names...)
		merged = append(merged, name)
		r.cache.Set(addr, merged, ttl)
	}
}

func (r *Resolver) clamp(ttl time.Duration) time.Duration {
	ttl = max(ttl, MinTTL)
	if r.maxTTL > 0 {
		ttl = min(ttl, r.maxTTL)
	}
	return ttl
}

// Lookup returns the names addr was resolved from, if any.
func (r *Resolver) Lookup(addr netip.Addr) []string {
	if !addr.IsValid() {
		return nil
	}
	item := r.cache.Get(addr.Unmap())
	if item == nil || item.IsExpired() {
		return nil
	}
	return item.Value()
}

// Len returns the number of addresses with at least one name.
func (r *Resolver) Len() int {
	return r.cache.Len()
}
