package mcp

import "time"

// MetadataPersister is the pluggable persistence boundary for cached
// metadata (spec §4.4: the cache survives process restarts). pkg/store
// implements this on top of the descriptor file.
type MetadataPersister interface {
	LoadMetadata(serverID string) (*MetadataCacheRecord, error)
	SaveMetadata(serverID string, rec *MetadataCacheRecord) error
}

// MetadataCache wraps a MetadataPersister with the TTL/invalidation policy
// of spec §4.4: a record is fresh for MetadataTTL after it was written, a
// tools/resources/prompts "list changed" notification invalidates it
// immediately, and a cache miss never blocks a connect — it just means the
// next successful round of list calls will populate it.
//
// Grounded on the teacher's runtime in-memory stack cache pattern (state
// kept alongside the thing it describes, refreshed on external signal)
// generalized to per-server TTL tracking with disk-backed persistence.
type MetadataCache struct {
	persister MetadataPersister
	now       func() time.Time
}

func NewMetadataCache(persister MetadataPersister) *MetadataCache {
	return &MetadataCache{persister: persister, now: time.Now}
}

// Get returns the persisted record for serverID, or nil if there is none or
// the persister errors (a cache miss is never fatal).
func (c *MetadataCache) Get(serverID string) *MetadataCacheRecord {
	if c.persister == nil {
		return nil
	}
	rec, err := c.persister.LoadMetadata(serverID)
	if err != nil {
		return nil
	}
	return rec
}

// NeedsRefresh reports whether serverID's cached metadata is missing, empty,
// or older than MetadataTTL, per spec §4.4's staleness-driven-refresh policy.
func (c *MetadataCache) NeedsRefresh(serverID string) bool {
	rec := c.Get(serverID)
	if rec.isEmpty() {
		return true
	}
	return !rec.isFresh(c.now())
}

// Put persists a freshly-fetched metadata snapshot, stamping CachedAt.
func (c *MetadataCache) Put(serverID string, rec *MetadataCacheRecord) error {
	rec.CachedAt = c.now()
	rec.SchemaVersion = metadataCacheSchemaVersion
	if c.persister == nil {
		return nil
	}
	return c.persister.SaveMetadata(serverID, rec)
}

// Invalidate forces the next NeedsRefresh check to report true, by writing
// back a zero-CachedAt copy of whatever is cached (spec §4.4: a
// notifications/tools/list_changed et al. invalidates without discarding the
// last-known tool list, so aggregation can keep serving stale-but-present
// data until the refresh completes).
func (c *MetadataCache) Invalidate(serverID string) error {
	rec := c.Get(serverID)
	if rec == nil {
		return nil
	}
	rec.CachedAt = time.Time{}
	if c.persister == nil {
		return nil
	}
	return c.persister.SaveMetadata(serverID, rec)
}
