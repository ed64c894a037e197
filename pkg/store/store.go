package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mcpmesh/mcpmesh/pkg/mcp"
)

// Store loads and saves the descriptor document backing one stack file. It
// implements mcp.MetadataPersister, so a single Store can be handed to
// mcp.NewMetadataCache and also serve as the descriptor source via Load. A
// Watcher does not take a Store; it watches the file path and calls onChange.
type Store struct {
	mu   sync.Mutex
	path string
}

// New creates a Store backed by path. The file need not exist yet; Load
// returns an empty descriptor set and Save creates it (and its parent
// directory) on first write.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) readLocked() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return newDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading descriptor store: %w", err)
	}
	return decodeDocument(s.path, data)
}

func (s *Store) writeLocked(doc *Document) error {
	data, err := encodeDocument(doc)
	if err != nil {
		return fmt.Errorf("encoding descriptor store: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating descriptor store directory: %w", err)
		}
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".store-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file into place: %w", err)
	}
	return nil
}

// Load reads every server descriptor from the backing file. A missing file
// is not an error; it yields an empty set.
func (s *Store) Load() ([]*mcp.ServerDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	return doc.descriptors(), nil
}

// Save replaces every descriptor in the backing file with descriptors,
// preserving each server's existing persisted metadata cache where its id
// survives.
func (s *Store) Save(descriptors []*mcp.ServerDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.readLocked()
	if err != nil {
		return err
	}

	doc := newDocument()
	for _, desc := range descriptors {
		rec := mcp.PersistedServerRecord{SchemaVersion: documentSchemaVersion, Descriptor: *desc}
		if old, ok := existing.recordFor(desc.ID); ok {
			rec.MetadataCache = old.MetadataCache
		}
		doc.Servers = append(doc.Servers, rec)
	}
	return s.writeLocked(doc)
}

// LoadMetadata implements mcp.MetadataPersister.
func (s *Store) LoadMetadata(serverID string) (*mcp.MetadataCacheRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	rec, ok := doc.recordFor(serverID)
	if !ok {
		return nil, nil
	}
	return rec.MetadataCache, nil
}

// SaveMetadata implements mcp.MetadataPersister. It is a no-op if serverID
// has no matching descriptor in the store yet (the cache only persists
// metadata for servers the store already knows about).
func (s *Store) SaveMetadata(serverID string, rec *mcp.MetadataCacheRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readLocked()
	if err != nil {
		return err
	}
	existing, ok := doc.recordFor(serverID)
	if !ok {
		return nil
	}
	existing.MetadataCache = rec
	return s.writeLocked(doc)
}
