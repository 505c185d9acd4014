// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package sparseindex implements the in-memory sparse offset cache
// described in spec §4.C: a lossy map from dense journal index to byte
// offset within the owning segment, populated every k-th successful
// append. It never lies: after Truncate it returns only entries that
// still correspond to live frames, and every lookup miss must be
// resolved by the caller falling back to a sequential scan.
package sparseindex

import "sort"

// Entry is one sparse-index record: the byte offset within the segment
// file at which the frame for Index begins.
type Entry struct {
	Index  uint64
	Offset uint32
}

// Index is a sorted, append-only (until truncated) list of Entry,
// density-sampled from the full sequence of appended records. It is not
// safe for concurrent use without external synchronization; callers
// (the segment writer) already serialize mutation behind the single-
// writer lock, and reads during lookups that race a concurrent append
// only ever observe a monotonically growing slice so a stale read is
// simply a slightly smaller, still-correct index.
type Index struct {
	density uint64
	entries []Entry
}

// New returns an Index that records one entry every density-th record
// whose Index aligns with density (i.e. Index % density == 0). A density
// of 0 or 1 disables sparseness and records every entry.
func New(density uint64) *Index {
	if density == 0 {
		density = 1
	}
	return &Index{density: density}
}

// Put records an entry for index at offset if index aligns on density.
// This is the "index(record, offset)" operation of spec §4.C.
func (x *Index) Put(index uint64, offset uint32) {
	if index%x.density != 0 {
		return
	}
	x.entries = append(x.entries, Entry{Index: index, Offset: offset})
}

// Lookup returns the entry with the greatest Index <= index, and true, or
// the zero Entry and false if the index predates every recorded entry
// (including when the index is empty).
func (x *Index) Lookup(index uint64) (Entry, bool) {
	// sort.Search finds the first entry with Index > index; the one
	// before it (if any) is our answer.
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].Index > index
	})
	if i == 0 {
		return Entry{}, false
	}
	return x.entries[i-1], true
}

// Truncate drops all entries with Index > afterIndex.
func (x *Index) Truncate(afterIndex uint64) {
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].Index > afterIndex
	})
	x.entries = x.entries[:i]
}

// Reset discards every entry, used when a writer rebuilds its index from
// a full rescan (spec §4.D "reset(upTo)").
func (x *Index) Reset() {
	x.entries = x.entries[:0]
}

// Len returns the number of entries currently recorded. Exposed for
// tests asserting index-soundness (spec §8).
func (x *Index) Len() int {
	return len(x.entries)
}

// Entries returns a copy of the recorded entries in ascending index
// order, for tests and diagnostics.
func (x *Index) Entries() []Entry {
	out := make([]Entry, len(x.entries))
	copy(out, x.entries)
	return out
}
