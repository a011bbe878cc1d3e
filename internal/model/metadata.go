// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"maps"
)

// =============================================================================
// METADATA
// =============================================================================

// Metadata is the open structured payload attached to a message
// (for example an embedded tracker or checklist).
type Metadata map[string]any

// Clone returns a deep copy. Nested maps and slices are copied; scalar values
// are shared. A nil Metadata clones to nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case Metadata:
		return t.Clone()
	case map[string]any:
		return map[string]any(Metadata(t).Clone())
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// =============================================================================
// MERGE STRATEGY
// =============================================================================

// MergeStrategy governs how a metadata patch combines with existing metadata.
type MergeStrategy string

const (
	// MergeMerge shallow-merges the patch over the previous metadata.
	MergeMerge MergeStrategy = "merge"

	// MergeReplace discards the previous metadata.
	MergeReplace MergeStrategy = "replace"
)

// String returns the wire name of the strategy.
func (s MergeStrategy) String() string {
	return string(s)
}

// ParseMergeStrategy validates a wire value. An empty string means merge.
func ParseMergeStrategy(s string) (MergeStrategy, error) {
	switch MergeStrategy(s) {
	case "", MergeMerge:
		return MergeMerge, nil
	case MergeReplace:
		return MergeReplace, nil
	default:
		return "", fmt.Errorf("unknown merge strategy %q", s)
	}
}

// MergeMetadata combines previous and incoming without mutating either.
// Replace yields a deep clone of incoming; merge yields previous with
// incoming's top-level keys written over it.
func MergeMetadata(previous, incoming Metadata, strategy MergeStrategy) Metadata {
	if strategy == MergeReplace {
		return incoming.Clone()
	}

	out := previous.Clone()
	if out == nil {
		out = make(Metadata, len(incoming))
	}
	maps.Copy(out, incoming.Clone())
	return out
}
