package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/mcpmesh/mcpmesh/pkg/mcp"
)

// Signature computes a deterministic fingerprint of a descriptor set: each
// descriptor is marshaled to JSON (encoding/json sorts map keys, so this is
// stable across process restarts), sorted by id, and hashed in order. Two
// descriptor sets with the same signature are field-for-field identical.
func Signature(descriptors []*mcp.ServerDescriptor) string {
	sorted := append([]*mcp.ServerDescriptor(nil), descriptors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := sha256.New()
	for _, d := range sorted {
		b, err := json.Marshal(d)
		if err != nil {
			continue
		}
		h.Write(b)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
