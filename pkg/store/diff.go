package store

import "github.com/mcpmesh/mcpmesh/pkg/mcp"

// Diff reports which server ids were added, removed, or changed between two
// descriptor sets. Manager.ReloadDescriptors computes its own reconnect
// decisions internally; Diff exists for callers (the CLI, tests) that want
// to report what a reload actually changed.
type Diff struct {
	Added    []string
	Removed  []string
	Modified []string
}

// IsEmpty reports whether the diff contains no changes.
func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// ComputeDiff compares old and updated descriptor sets by id, then by
// signature for ids present in both.
func ComputeDiff(old, updated []*mcp.ServerDescriptor) Diff {
	oldByID := make(map[string]*mcp.ServerDescriptor, len(old))
	for _, d := range old {
		oldByID[d.ID] = d
	}
	updatedByID := make(map[string]*mcp.ServerDescriptor, len(updated))
	for _, d := range updated {
		updatedByID[d.ID] = d
	}

	var diff Diff
	for id, d := range updatedByID {
		prev, existed := oldByID[id]
		if !existed {
			diff.Added = append(diff.Added, id)
			continue
		}
		if Signature([]*mcp.ServerDescriptor{prev}) != Signature([]*mcp.ServerDescriptor{d}) {
			diff.Modified = append(diff.Modified, id)
		}
	}
	for id := range oldByID {
		if _, stillPresent := updatedByID[id]; !stillPresent {
			diff.Removed = append(diff.Removed, id)
		}
	}
	return diff
}
