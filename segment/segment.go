// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/segjournal/segjournal/sparseindex"
	"github.com/segjournal/segjournal/types"
)

// Config bundles the tunables shared by a segment's writer and readers.
type Config struct {
	MaxEntrySize   uint64
	MaxSegmentSize uint64
	MaxEntries     uint64
	IndexDensity   uint64
	Codec          types.Codec
}

// Segment binds one segment file to its descriptor and, lazily, a
// single Writer and any number of Readers (spec §4.F). The writer is
// present only while this segment is the journal's active (writable)
// segment; once sealed, only readers are created against it.
type Segment struct {
	mu sync.Mutex

	dir        string
	name       string
	descriptor types.Descriptor
	cfg        Config

	writer  *Writer
	readers map[*Reader]struct{}
	// index is owned by the Segment (not the Writer) so it survives
	// sealing: readers of a sealed segment can keep consulting the same
	// sparse offsets that were recorded while it was active.
	index *sparseindex.Index

	// sealed is set once this segment is rotated out of the active
	// position. A sealed segment's writer is nil and its "committed
	// size" (the readers' boundary) is frozen at sealedSize.
	sealed          bool
	sealedSize      uint64
	sealedLastIndex uint64

	// createdAt is the time this segment became the active segment, used
	// only to report last_segment_age_seconds on rotation. Zero for a
	// segment opened directly as already-sealed, since its true creation
	// time isn't recorded on disk.
	createdAt time.Time
}

// CreatedAt returns the time this segment became active, or the zero
// Time if it was opened directly as an already-sealed segment.
func (s *Segment) CreatedAt() time.Time { return s.createdAt }

// Path returns the on-disk path of the segment file.
func (s *Segment) Path() string {
	return filepath.Join(s.dir, types.FileName(s.name, s.descriptor.SegmentID))
}

// Descriptor returns the segment's header.
func (s *Segment) Descriptor() types.Descriptor {
	return s.descriptor
}

// ID returns the segment's id.
func (s *Segment) ID() uint64 { return s.descriptor.SegmentID }

// FirstIndex returns the descriptor's first index.
func (s *Segment) FirstIndex() uint64 { return s.descriptor.FirstIndex }

// Create creates a brand-new, empty segment file and opens it for
// writing. name is the journal's file-naming prefix (spec §6).
func Create(dir, name string, d types.Descriptor, cfg Config) (*Segment, error) {
	s := &Segment{
		dir:        dir,
		name:       name,
		descriptor: d,
		cfg:        cfg,
		readers:    make(map[*Reader]struct{}),
		index:      sparseindex.New(cfg.IndexDensity),
		createdAt:  time.Now(),
	}
	w, err := createWriter(s.Path(), d, s.writerConfig())
	if err != nil {
		return nil, fmt.Errorf("journal: creating segment %d: %w", d.SegmentID, err)
	}
	s.writer = w
	return s, nil
}

// OpenTail opens an existing segment file as the journal's active
// (writable) tail, rescanning it to discard any torn tail (spec §4.D
// "reset(0)", invoked from the journal's open procedure).
func OpenTail(dir, name string, d types.Descriptor, cfg Config) (*Segment, error) {
	s := &Segment{
		dir:        dir,
		name:       name,
		descriptor: d,
		cfg:        cfg,
		readers:    make(map[*Reader]struct{}),
		index:      sparseindex.New(cfg.IndexDensity),
		createdAt:  time.Now(),
	}
	w, err := openWriterForRecovery(s.Path(), d, s.writerConfig())
	if err != nil {
		return nil, fmt.Errorf("journal: recovering tail segment %d: %w", d.SegmentID, err)
	}
	s.writer = w
	return s, nil
}

// OpenSealed opens an existing, already-sealed segment file for reading
// only. sealedSize and sealedLastIndex are the previously observed
// live-region size and last index (from the journal's metadata store, or
// from ScanSegment when that entry is missing or stale).
func OpenSealed(dir, name string, d types.Descriptor, sealedSize, sealedLastIndex uint64, cfg Config) *Segment {
	return &Segment{
		dir:             dir,
		name:            name,
		descriptor:      d,
		cfg:             cfg,
		readers:         make(map[*Reader]struct{}),
		index:           sparseindex.New(cfg.IndexDensity),
		sealed:          true,
		sealedSize:      sealedSize,
		sealedLastIndex: sealedLastIndex,
	}
}

func (s *Segment) writerConfig() WriterConfig {
	return WriterConfig{
		MaxEntrySize:   s.cfg.MaxEntrySize,
		MaxSegmentSize: s.cfg.MaxSegmentSize,
		MaxEntries:     s.cfg.MaxEntries,
		IndexDensity:   s.cfg.IndexDensity,
		Codec:          s.cfg.Codec,
		Index:          s.index,
	}
}

func (s *Segment) readerConfig() ReaderConfig {
	return ReaderConfig{MaxEntrySize: s.cfg.MaxEntrySize, Codec: s.cfg.Codec}
}

// Index returns the segment's sparse offset index (component C), shared
// between its writer (while active) and any readers that want to
// shortcut a seek. For a sealed segment opened directly from disk
// without having been active in this process, the index starts empty
// and readers transparently fall back to a full scan — it is rebuilt
// lazily on first read rather than eagerly at open time (spec §9).
func (s *Segment) Index() *sparseindex.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index
}

// RebuildIndex performs a one-time full scan of the segment to populate
// its sparse index, used the first time a sealed segment (opened fresh
// from disk, not recovered as the active tail) is read. Safe to call
// more than once; subsequent calls are no-ops once the index is
// non-empty.
func (s *Segment) RebuildIndex() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil || s.index.Len() > 0 {
		return nil
	}
	r, err := openReader(s.Path(), s.descriptor, s.readerConfig(), func() uint64 { return s.sealedSize })
	if err != nil {
		return err
	}
	defer r.Close()

	offset := uint64(types.DescriptorLen)
	for r.HasNext() {
		rec, err := r.Next()
		if err != nil {
			return err
		}
		s.index.Put(rec.Index, uint32(offset))
		offset = r.offset
	}
	return nil
}

// Writer returns the segment's writer, or nil if the segment is sealed.
func (s *Segment) Writer() *Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer
}

// Flush fsyncs the segment's writer, or is a no-op if it is sealed
// (sealing already fsyncs once, and a sealed segment never changes
// again).
func (s *Segment) Flush() error {
	w := s.Writer()
	if w == nil {
		return nil
	}
	return w.Flush()
}

// LastIndex returns the index of the last record in the segment,
// delegating to the writer while active, or the sealed snapshot
// otherwise (spec §4.F).
func (s *Segment) LastIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return s.writer.LastIndex()
	}
	return s.sealedLastIndex
}

// IsFull reports whether the active writer has reached its configured
// caps. Always false for a sealed segment (it's already been replaced).
func (s *Segment) IsFull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return false
	}
	return s.writer.IsFull()
}

// boundary returns the current live-region size: the writer's committed
// size for an active segment, or the frozen sealedSize otherwise. New
// Readers are constructed with a closure over *Segment so a concurrent
// Seal() is observed without re-creating the reader.
func (s *Segment) boundary() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return s.writer.Size()
	}
	return s.sealedSize
}

// Size returns the segment's current live-region byte size: the
// writer's committed size while active, or the frozen sealedSize
// otherwise. Exported so journal-level metadata persistence can record
// a sealed segment's size without reaching into its internals.
func (s *Segment) Size() uint64 {
	return s.boundary()
}

// Unseal reopens a sealed segment's file for writing, turning it back
// into an active segment (writer non-nil, sealed false). Used when a
// truncation or conflicting replicated record lands inside a segment
// that is not the current tail: that segment must become the new tail
// before its writer can truncate or append. The file is rescanned in
// full (spec §4.D "reset(0)") to rebuild the writer's in-memory state
// and sparse index exactly as they stood when the segment was sealed.
func (s *Segment) Unseal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		return nil
	}
	w, err := openWriterForRecovery(s.Path(), s.descriptor, s.writerConfig())
	if err != nil {
		return fmt.Errorf("journal: reopening segment %d for writing: %w", s.descriptor.SegmentID, err)
	}
	s.writer = w
	s.sealed = false
	return nil
}

// OpenReader returns a new independent Reader cursor over this segment,
// positioned at the start of its frames.
func (s *Segment) OpenReader() (*Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := openReader(s.Path(), s.descriptor, s.readerConfig(), s.boundary)
	if err != nil {
		return nil, err
	}
	s.readers[r] = struct{}{}
	return r, nil
}

// CloseReader closes and forgets r.
func (s *Segment) CloseReader(r *Reader) error {
	s.mu.Lock()
	delete(s.readers, r)
	s.mu.Unlock()
	return r.Close()
}

// Seal fsyncs and closes the segment's writer, freezing its size for any
// readers still open against it, and records its final last-index so
// LastIndex keeps working after the writer is gone (spec §4.G: "flush
// and seal the active segment ... stop accepting writes").
func (s *Segment) Seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer == nil {
		return nil
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("journal: sealing segment %d: %w", s.descriptor.SegmentID, err)
	}
	s.sealedSize = s.writer.Size()
	s.sealedLastIndex = s.writer.LastIndex()
	if err := s.writer.Close(); err != nil {
		return fmt.Errorf("journal: closing sealed segment %d: %w", s.descriptor.SegmentID, err)
	}
	s.writer = nil
	s.sealed = true
	return nil
}

// Sealed reports whether the segment has been sealed.
func (s *Segment) Sealed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

// Close closes the segment's writer (if active) and every registered
// reader (spec §4.F: "The segment closes its writer and all registered
// readers on close()").
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.writer != nil {
		if err := s.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.writer = nil
	}
	for r := range s.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.readers = make(map[*Reader]struct{})
	return firstErr
}

// Delete closes the segment (its writer and every registered reader) and
// removes its file from disk. The journal calls it from deleteAfter,
// deleteUntil and reset.
func (s *Segment) Delete() error {
	path := s.Path()
	if err := s.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("journal: deleting segment file %s: %w", path, err)
	}
	return nil
}
