package procmeta

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Defaults for NewManager.
const (
	DefaultCacheSize = 4096
	DefaultTTL       = time.Minute
)

// Manager caches process metadata by PID. Safe for concurrent use.
type Manager struct {
	cache *ttlcache.Cache[uint32, *ProcessMetadata]
	read  func(pid uint32) (*ProcessMetadata, error)
}

// NewManager creates a Manager holding at most size processes for ttl each.
func NewManager(size int, ttl time.Duration) *Manager {
	return NewManagerFunc(size, ttl, Read)
}

// NewManagerFunc is NewManager with a custom metadata source.
func NewManagerFunc(size int, ttl time.Duration, read func(pid uint32) (*ProcessMetadata, error)) *Manager {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	//nolint:gosec // size is positive
	return &Manager{
		cache: ttlcache.New[uint32, *ProcessMetadata](
			ttlcache.WithTTL[uint32, *ProcessMetadata](ttl),
			ttlcache.WithCapacity[uint32, *ProcessMetadata](uint64(size)),
			ttlcache.WithDisableTouchOnHit[uint32, *ProcessMetadata](),
		),
		read: read,
	}
}

// Start runs the expiration loop until Stop is called.
func (m *Manager) Start() {
	go m.cache.Start()
}

// Stop ends the expiration loop.
func (m *Manager) Stop() {
	m.cache.Stop()
}

// Get returns the metadata of pid, or nil when it cannot be read. Nil
// managers and PID 0 always return nil.
func (m *Manager) Get(pid uint32) *ProcessMetadata {
	if m == nil || pid == 0 {
		return nil
	}
	if item := m.cache.Get(pid); item != nil {
		return item.Value()
	}
	md, err := m.read(pid)
	if err != nil {
		md = nil
	}
	m.cache.Set(pid, md, ttlcache.DefaultTTL)
	return md
}

// Delete forgets pid, e.g. once its process is known to have exited.
func (m *Manager) Delete(pid uint32) {
	m.cache.Delete(pid)
}

// Len returns the number of cached PIDs.
func (m *Manager) Len() int {
	return m.cache.Len()
}
