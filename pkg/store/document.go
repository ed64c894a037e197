// Package store loads and saves the on-disk server descriptor set described
// in spec §10.1: a human-editable YAML (or commented JSONC) file holding one
// PersistedServerRecord per server, plus an fsnotify Watcher whose onChange
// callback can trigger mcp.Manager.ReloadDescriptors (the periodic tick lives
// in Manager.WatchDescriptors, not here).
package store

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"

	"github.com/mcpmesh/mcpmesh/pkg/mcp"
)

const documentSchemaVersion = 1

// Document is the top-level shape of the backing file:
//
//	version: 1
//	servers:
//	  - schemaVersion: 1
//	    descriptor: {id: ..., name: ..., transport: ...}
//	    metadataCache: {...}
type Document struct {
	Version int                         `yaml:"version"`
	Servers []mcp.PersistedServerRecord `yaml:"servers"`
}

func newDocument() *Document {
	return &Document{Version: documentSchemaVersion}
}

// decodeDocument parses file contents, tolerating a JSONC variant (comments,
// trailing commas) for .json/.jsonc paths and canonical YAML otherwise. JSON
// is a subset of YAML, so once hujson has standardized comments away,
// yaml.v3 parses the result directly.
func decodeDocument(path string, data []byte) (*Document, error) {
	if looksLikeJSON(path) {
		std, err := hujson.Standardize(data)
		if err != nil {
			return nil, fmt.Errorf("standardizing jsonc: %w", err)
		}
		data = std
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing descriptor document: %w", err)
	}
	if doc.Version == 0 {
		doc.Version = documentSchemaVersion
	}
	return &doc, nil
}

// encodeDocument always renders the canonical YAML form, regardless of the
// extension the document was originally read from.
func encodeDocument(doc *Document) ([]byte, error) {
	return yaml.Marshal(doc)
}

func looksLikeJSON(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return true
	default:
		return false
	}
}

func (d *Document) recordFor(serverID string) (*mcp.PersistedServerRecord, bool) {
	for i := range d.Servers {
		if d.Servers[i].Descriptor.ID == serverID {
			return &d.Servers[i], true
		}
	}
	return nil, false
}

func (d *Document) descriptors() []*mcp.ServerDescriptor {
	out := make([]*mcp.ServerDescriptor, 0, len(d.Servers))
	for i := range d.Servers {
		desc := d.Servers[i].Descriptor
		out = append(out, &desc)
	}
	return out
}
