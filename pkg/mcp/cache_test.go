package mcp

import (
	"errors"
	"testing"
	"time"
)

type fakePersister struct {
	records map[string]*MetadataCacheRecord
	loadErr error
	saved   map[string]*MetadataCacheRecord
}

func newFakePersister() *fakePersister {
	return &fakePersister{records: map[string]*MetadataCacheRecord{}, saved: map[string]*MetadataCacheRecord{}}
}

func (f *fakePersister) LoadMetadata(serverID string) (*MetadataCacheRecord, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.records[serverID], nil
}

func (f *fakePersister) SaveMetadata(serverID string, rec *MetadataCacheRecord) error {
	f.records[serverID] = rec
	f.saved[serverID] = rec
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMetadataCache_GetNilPersister(t *testing.T) {
	c := NewMetadataCache(nil)
	if got := c.Get("srv-1"); got != nil {
		t.Errorf("expected nil from a cache with no persister, got %+v", got)
	}
}

func TestMetadataCache_GetPersisterError(t *testing.T) {
	p := newFakePersister()
	p.loadErr = errors.New("disk exploded")
	c := NewMetadataCache(p)

	if got := c.Get("srv-1"); got != nil {
		t.Errorf("expected nil on persister error, got %+v", got)
	}
}

func TestMetadataCache_GetMiss(t *testing.T) {
	p := newFakePersister()
	c := NewMetadataCache(p)

	if got := c.Get("unknown"); got != nil {
		t.Errorf("expected nil for an unknown server id, got %+v", got)
	}
}

func TestMetadataCache_NeedsRefresh_EmptyRecord(t *testing.T) {
	c := NewMetadataCache(newFakePersister())
	if !c.NeedsRefresh("srv-1") {
		t.Error("expected refresh needed when nothing is cached")
	}
}

func TestMetadataCache_NeedsRefresh_Stale(t *testing.T) {
	p := newFakePersister()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.records["srv-1"] = &MetadataCacheRecord{
		CachedAt: now.Add(-MetadataTTL - time.Second),
		Tools:    []Tool{{Name: "get_weather"}},
	}
	c := NewMetadataCache(p)
	c.now = fixedClock(now)

	if !c.NeedsRefresh("srv-1") {
		t.Error("expected refresh needed for a record older than MetadataTTL")
	}
}

func TestMetadataCache_NeedsRefresh_Fresh(t *testing.T) {
	p := newFakePersister()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.records["srv-1"] = &MetadataCacheRecord{
		CachedAt: now.Add(-time.Second),
		Tools:    []Tool{{Name: "get_weather"}},
	}
	c := NewMetadataCache(p)
	c.now = fixedClock(now)

	if c.NeedsRefresh("srv-1") {
		t.Error("expected no refresh needed for a fresh record")
	}
}

func TestMetadataCache_Put(t *testing.T) {
	p := newFakePersister()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMetadataCache(p)
	c.now = fixedClock(now)

	rec := &MetadataCacheRecord{Tools: []Tool{{Name: "get_weather"}}}
	if err := c.Put("srv-1", rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved := p.saved["srv-1"]
	if saved == nil {
		t.Fatal("expected record to be persisted")
	}
	if !saved.CachedAt.Equal(now) {
		t.Errorf("expected CachedAt stamped to %v, got %v", now, saved.CachedAt)
	}
	if saved.SchemaVersion != metadataCacheSchemaVersion {
		t.Errorf("expected schema version %d, got %d", metadataCacheSchemaVersion, saved.SchemaVersion)
	}
}

func TestMetadataCache_Put_NilPersister(t *testing.T) {
	c := NewMetadataCache(nil)
	rec := &MetadataCacheRecord{Tools: []Tool{{Name: "get_weather"}}}
	if err := c.Put("srv-1", rec); err != nil {
		t.Errorf("expected no error with a nil persister, got %v", err)
	}
}

func TestMetadataCache_Invalidate_NoOpWhenNothingCached(t *testing.T) {
	p := newFakePersister()
	c := NewMetadataCache(p)

	if err := c.Invalidate("srv-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.saved["srv-1"]; ok {
		t.Error("expected no save when nothing was cached")
	}
}

func TestMetadataCache_Invalidate_ZeroesCachedAtPreservesRest(t *testing.T) {
	p := newFakePersister()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.records["srv-1"] = &MetadataCacheRecord{
		CachedAt: now,
		Tools:    []Tool{{Name: "get_weather"}},
	}
	c := NewMetadataCache(p)

	if err := c.Invalidate("srv-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	saved := p.saved["srv-1"]
	if saved == nil {
		t.Fatal("expected invalidate to persist the zeroed record")
	}
	if !saved.CachedAt.IsZero() {
		t.Errorf("expected CachedAt to be zeroed, got %v", saved.CachedAt)
	}
	if len(saved.Tools) != 1 || saved.Tools[0].Name != "get_weather" {
		t.Errorf("expected tool list preserved, got %+v", saved.Tools)
	}

	if !c.NeedsRefresh("srv-1") {
		t.Error("expected refresh needed immediately after invalidate")
	}
}
