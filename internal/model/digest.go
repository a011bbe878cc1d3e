// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// ComputeDigest fingerprints the mutable fields of m. Two messages with the
// same digest are interchangeable for caching derived data.
//
// Layout: id | timestamp | len:content | canonical JSON metadata.
// encoding/json sorts map keys, which keeps the metadata part stable.
func ComputeDigest(m Message) string {
	h := sha256.New()
	h.Write([]byte(m.ID.String()))
	h.Write([]byte{'|'})
	h.Write([]byte(m.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(len(m.Content))))
	h.Write([]byte{':'})
	h.Write([]byte(m.Content))
	h.Write([]byte{'|'})
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			// Unencodable values still need a stable fingerprint.
			b = []byte(strconv.Quote(err.Error()))
		}
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// =============================================================================
// DERIVED CACHE
// =============================================================================

type derivedEntry[V any] struct {
	digest string
	value  V
}

// DerivedCache holds values computed from a message, valid only while the
// message digest is unchanged. One cache per conversation engine.
type DerivedCache[V any] struct {
	mu      sync.Mutex
	entries map[string]derivedEntry[V]
	hits    int
	misses  int
}

// NewDerivedCache creates an empty cache.
func NewDerivedCache[V any]() *DerivedCache[V] {
	return &DerivedCache[V]{entries: make(map[string]derivedEntry[V])}
}

// Get returns the cached value for m if its digest still matches.
func (c *DerivedCache[V]) Get(m Message) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[m.ID.String()]
	if !ok || e.digest != m.Digest {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	return e.value, true
}

// Put stores v for m at m's current digest.
func (c *DerivedCache[V]) Put(m Message, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[m.ID.String()] = derivedEntry[V]{digest: m.Digest, value: v}
}

// GetOrCompute returns the cached value or computes and stores a new one.
func (c *DerivedCache[V]) GetOrCompute(m Message, compute func(Message) V) V {
	if v, ok := c.Get(m); ok {
		return v
	}
	v := compute(m)
	c.Put(m, v)
	return v
}

// Prune drops entries for messages that are no longer present or whose
// digest changed.
func (c *DerivedCache[V]) Prune(live []Message) int {
	keep := make(map[string]string, len(live))
	for _, m := range live {
		keep[m.ID.String()] = m.Digest
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		if d, ok := keep[id]; !ok || d != e.digest {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries.
func (c *DerivedCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns hit and miss counters.
func (c *DerivedCache[V]) Stats() (hits, misses int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
