// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"io"

	"github.com/coreos/etcd/pkg/fileutil"
	"github.com/segjournal/segjournal/sparseindex"
	"github.com/segjournal/segjournal/types"
)

// Writer appends frames to one segment file. Exactly one Writer may be
// open for a given segment at a time (spec §5's single-writer
// constraint); callers must not share a Writer across goroutines without
// external synchronization, mirroring the embedding model of a single
// consensus thread driving all appends.
type Writer struct {
	file       *fileutil.LockedFile
	descriptor types.Descriptor
	codec      types.Codec

	maxEntrySize   uint64
	maxSegmentSize uint64
	maxEntries     uint64

	nextIndex  uint64
	lastEntry  *types.Record
	entryCount uint64
	size       uint64

	index   *sparseindex.Index
	scratch []byte
	closed  bool
}

// WriterConfig bundles the tunables a Writer needs, mirroring the
// Journal-level options of spec §6.
type WriterConfig struct {
	MaxEntrySize   uint64
	MaxSegmentSize uint64
	MaxEntries     uint64
	IndexDensity   uint64
	Codec          types.Codec
	// Index, when non-nil, is used in place of a fresh sparseindex.Index
	// so the owning Segment can keep consulting it after the segment is
	// sealed and the Writer discarded.
	Index *sparseindex.Index
}

func (c WriterConfig) codecOrDefault() types.Codec {
	if c.Codec != nil {
		return c.Codec
	}
	return types.BinaryCodec{}
}

// createWriter creates a brand-new segment file at path with the given
// descriptor and returns a Writer positioned to append starting at
// descriptor.FirstIndex.
func createWriter(path string, d types.Descriptor, cfg WriterConfig) (*Writer, error) {
	lf, err := createFile(path, int64(d.MaxSegmentSize))
	if err != nil {
		return nil, err
	}
	var ok bool
	defer func() {
		if !ok {
			lf.Close()
		}
	}()

	hdr := make([]byte, types.DescriptorLen)
	d.Encode(hdr)
	if _, err := lf.Write(hdr); err != nil {
		return nil, fmt.Errorf("journal: writing segment descriptor: %w", err)
	}
	if err := lf.Sync(); err != nil {
		return nil, fmt.Errorf("journal: fsync new segment descriptor: %w", err)
	}

	w := newWriter(lf, d, cfg)
	w.size = types.DescriptorLen
	w.nextIndex = d.FirstIndex
	ok = true
	return w, nil
}

// openWriterForRecovery opens the tail segment of an existing journal
// for writing and rescans it (spec §4.D "reset(upTo)" with upTo=0,
// called from the journal's open procedure).
func openWriterForRecovery(path string, d types.Descriptor, cfg WriterConfig) (*Writer, error) {
	lf, err := openFileForWrite(path)
	if err != nil {
		return nil, err
	}
	var ok bool
	defer func() {
		if !ok {
			lf.Close()
		}
	}()

	w := newWriter(lf, d, cfg)
	if err := w.reset(0); err != nil {
		return nil, err
	}
	ok = true
	return w, nil
}

func newWriter(lf *fileutil.LockedFile, d types.Descriptor, cfg WriterConfig) *Writer {
	scratchLen := int(cfg.MaxEntrySize) + binaryCodecOverhead + types.FrameHeaderLen
	idx := cfg.Index
	if idx == nil {
		idx = sparseindex.New(cfg.IndexDensity)
	}
	return &Writer{
		file:           lf,
		descriptor:     d,
		codec:          cfg.codecOrDefault(),
		maxEntrySize:   cfg.MaxEntrySize,
		maxSegmentSize: cfg.MaxSegmentSize,
		maxEntries:     cfg.MaxEntries,
		nextIndex:      d.FirstIndex,
		index:          idx,
		scratch:        make([]byte, 0, scratchLen),
	}
}

// binaryCodecOverhead is the per-record header overhead of the default
// codec (index + asqn). A pluggable Codec with a larger header simply
// grows the scratch buffer lazily on first use past this estimate.
const binaryCodecOverhead = 16

// FirstIndex returns the descriptor's first index.
func (w *Writer) FirstIndex() uint64 { return w.descriptor.FirstIndex }

// LastIndex returns the index of the last appended record, or
// FirstIndex()-1 if the segment is empty.
func (w *Writer) LastIndex() uint64 {
	if w.lastEntry == nil {
		return w.descriptor.FirstIndex - 1
	}
	return w.lastEntry.Index
}

// NextIndex returns the index that the next plain Append will assign.
func (w *Writer) NextIndex() uint64 { return w.nextIndex }

// LastRecord returns the last appended record and true, or the zero
// Record and false if the segment is empty.
func (w *Writer) LastRecord() (types.Record, bool) {
	if w.lastEntry == nil {
		return types.Record{}, false
	}
	return *w.lastEntry, true
}

// Size returns the current size in bytes of the segment's live region
// (descriptor + frames), not counting the zero-filled tail.
func (w *Writer) Size() uint64 { return w.size }

// EntryCount returns the number of records currently in the segment.
func (w *Writer) EntryCount() uint64 { return w.entryCount }

// IsFull reports whether the segment has reached its configured size or
// entry-count cap and should no longer accept appends (spec §4.F).
func (w *Writer) IsFull() bool {
	if w.maxSegmentSize > 0 && w.size >= w.maxSegmentSize {
		return true
	}
	if w.maxEntries > 0 && w.entryCount >= w.maxEntries {
		return true
	}
	return false
}

// Index exposes the writer's sparse index for the reader that shares
// this still-active segment.
func (w *Writer) Index() *sparseindex.Index { return w.index }

// Append frames data as a new record with the next assigned index and
// the given asqn, writes it to the segment file, and returns the
// resulting record. It implements the normal-path steps of spec §4.D.
func (w *Writer) Append(data []byte, asqn uint64) (types.Record, error) {
	if w.closed {
		return types.Record{}, types.ErrClosed
	}
	if uint64(len(data)) > w.maxEntrySize {
		return types.Record{}, fmt.Errorf("journal: entry of %d bytes exceeds max %d: %w", len(data), w.maxEntrySize, types.ErrTooLarge)
	}

	rec := types.Record{Index: w.nextIndex, Asqn: asqn, Data: data}
	payload, err := w.codec.Encode(rec)
	if err != nil {
		return types.Record{}, fmt.Errorf("journal: encoding record %d: %w", rec.Index, err)
	}
	rec.Checksum = types.ChecksumData(payload)

	frameLen := uint64(types.FrameHeaderLen + len(payload))
	if w.maxSegmentSize > 0 && w.size+frameLen > w.maxSegmentSize {
		return types.Record{}, types.ErrOutOfSpace
	}

	offset := w.size
	if err := w.writeFrame(payload, rec.Checksum); err != nil {
		return types.Record{}, err
	}

	w.commitAppend(rec, uint32(offset), frameLen)
	return rec, nil
}

// AppendRecord appends a pre-framed record from the replication path
// (spec §4.D "append(existingRecord)"). The record's checksum is
// recomputed from its payload and compared to the supplied one; index
// gaps, duplicates of the tail, and divergent-duplicate overwrites are
// all handled per the table in §4.D.
func (w *Writer) AppendRecord(rec types.Record) error {
	if w.closed {
		return types.ErrClosed
	}

	payload, err := w.codec.Encode(rec)
	if err != nil {
		return fmt.Errorf("journal: encoding replicated record %d: %w", rec.Index, err)
	}
	crc := types.ChecksumData(payload)
	if crc != rec.Checksum {
		return fmt.Errorf("journal: record %d checksum %#x != computed %#x: %w", rec.Index, rec.Checksum, crc, types.ErrInvalidChecksum)
	}

	switch {
	case rec.Index == w.nextIndex:
		// Normal contiguous replication append.
		frameLen := uint64(types.FrameHeaderLen + len(payload))
		if w.maxSegmentSize > 0 && w.size+frameLen > w.maxSegmentSize {
			return types.ErrOutOfSpace
		}
		offset := w.size
		if err := w.writeFrame(payload, rec.Checksum); err != nil {
			return err
		}
		w.commitAppend(rec, uint32(offset), frameLen)
		return nil

	case rec.Index == w.LastIndex():
		// Cannot re-append the tail.
		return fmt.Errorf("journal: record %d duplicates current tail: %w", rec.Index, types.ErrInvalidIndex)

	case rec.Index < w.nextIndex:
		// An earlier index: if the stored record is identical there is
		// nothing to do; a divergent one truncates back to just before it
		// and is retried as a normal append.
		_, _, existing, err := w.scanUpTo(rec.Index)
		if err != nil {
			return err
		}
		if existing != nil && existing.Index == rec.Index && existing.Equal(rec) {
			return nil
		}
		if err := w.Truncate(rec.Index - 1); err != nil {
			return err
		}
		return w.AppendRecord(rec)

	default:
		// rec.Index > w.nextIndex: a gap.
		return fmt.Errorf("journal: record %d is ahead of next index %d: %w", rec.Index, w.nextIndex, types.ErrInvalidIndex)
	}
}

// writeFrame writes the length+CRC header and payload to the file at the
// writer's current logical end-of-live-region, without fsyncing. An
// encoded payload longer than maxEntrySize is rejected with ErrTooLarge,
// since readers and recovery scans treat such a frame as invalid.
func (w *Writer) writeFrame(payload []byte, crc uint32) error {
	if uint64(len(payload)) > w.maxEntrySize {
		return fmt.Errorf("journal: encoded entry of %d bytes exceeds max %d: %w", len(payload), w.maxEntrySize, types.ErrTooLarge)
	}
	w.scratch = w.scratch[:0]
	var hdr [types.FrameHeaderLen]byte
	types.PutFrameHeader(hdr[:], types.FrameHeader{Len: uint32(len(payload)), CRC: crc})
	w.scratch = append(w.scratch, hdr[:]...)
	w.scratch = append(w.scratch, payload...)

	if _, err := w.file.WriteAt(w.scratch, int64(w.size)); err != nil {
		return fmt.Errorf("journal: writing frame: %w", err)
	}
	return nil
}

func (w *Writer) commitAppend(rec types.Record, offset uint32, frameLen uint64) {
	w.size += frameLen
	w.entryCount++
	w.nextIndex = rec.Index + 1
	recCopy := rec
	w.lastEntry = &recCopy
	w.index.Put(rec.Index, offset)
}

// Truncate implements spec §4.D's tail truncation: frames strictly after
// index are zero-filled in place and the in-memory tail state is rolled
// back to index.
func (w *Writer) Truncate(index uint64) error {
	if w.closed {
		return types.ErrClosed
	}
	if w.lastEntry == nil || index >= w.lastEntry.Index {
		return nil
	}

	w.lastEntry = nil
	w.index.Truncate(index)

	if index < w.descriptor.FirstIndex {
		if err := w.zeroFillFrom(types.DescriptorLen); err != nil {
			return err
		}
		w.size = types.DescriptorLen
		w.nextIndex = w.descriptor.FirstIndex
		w.entryCount = 0
		return nil
	}

	// Re-scan from the descriptor until the frame whose index == index is
	// consumed, recording its end offset.
	endOffset, count, last, err := w.scanUpTo(index)
	if err != nil {
		return err
	}
	if err := w.zeroFillFrom(endOffset); err != nil {
		return err
	}
	w.size = endOffset
	w.entryCount = count
	if last != nil {
		w.lastEntry = last
		w.nextIndex = last.Index + 1
	} else {
		w.nextIndex = w.descriptor.FirstIndex
	}
	return nil
}

// zeroFillFrom zero-fills the file from offset to the end of the
// preallocated region, preserving the zero-length terminator invariant
// relied upon by recovery scans (spec §9).
func (w *Writer) zeroFillFrom(offset uint64) error {
	if _, err := w.file.Seek(int64(offset), io.SeekStart); err != nil {
		return fmt.Errorf("journal: seeking to zero-fill offset: %w", err)
	}
	if err := fileutil.ZeroToEnd(w.file.File); err != nil {
		return fmt.Errorf("journal: zero-filling truncated tail: %w", err)
	}
	if _, err := w.file.Seek(int64(offset), io.SeekStart); err != nil {
		return fmt.Errorf("journal: repositioning after zero-fill: %w", err)
	}
	return nil
}

// reset rescans frames starting just past the descriptor, validating
// each, stopping at the first invalid or zero-length frame or once upTo
// is reached (0 meaning "scan everything"). It rebuilds lastEntry and the
// sparse index from scratch and repositions the file so subsequent
// appends are contiguous. This is spec §4.D's "reset(upTo)", used by the
// journal's open procedure to discard a torn tail.
func (w *Writer) reset(upTo uint64) error {
	w.index.Reset()
	w.lastEntry = nil
	w.entryCount = 0
	w.nextIndex = w.descriptor.FirstIndex

	endOffset, count, last, err := w.scanUpTo(upTo)
	if err != nil {
		return err
	}
	if err := w.zeroFillFrom(endOffset); err != nil {
		return err
	}
	w.size = endOffset
	w.entryCount = count
	if last != nil {
		w.lastEntry = last
		w.nextIndex = last.Index + 1
	}
	// Rebuild the sparse index over the frames the scan validated; they
	// run contiguously from the descriptor, numbered from FirstIndex.
	var hdr [types.FrameHeaderLen]byte
	for off, index := uint64(types.DescriptorLen), w.descriptor.FirstIndex; off < endOffset; index++ {
		if _, err := w.file.ReadAt(hdr[:], int64(off)); err != nil {
			return fmt.Errorf("journal: rebuilding sparse index at %d: %w", off, err)
		}
		fh, _ := types.ReadFrameHeader(hdr[:])
		w.index.Put(index, uint32(off))
		off += uint64(types.FrameHeaderLen) + uint64(fh.Len)
	}
	return nil
}

// scanUpTo sequentially validates frames from just past the descriptor,
// stopping at the first invalid/zero-length frame, EOF, or the frame
// whose index == upTo (inclusive) if upTo != 0. It returns the byte
// offset just past the last valid frame consumed, the count of valid
// frames, and the last valid record (nil if none). Delegates to the
// shared scanFrames helper so the same validation logic backs both a
// writer's own tail rescans and ScanSegment's read-only recovery scan.
func (w *Writer) scanUpTo(upTo uint64) (endOffset uint64, count uint64, last *types.Record, err error) {
	return scanFrames(w.file, uint64(types.DescriptorLen), w.descriptor.FirstIndex, w.maxEntrySize, w.codec, upTo)
}

func uint64ToUint32Cap(v uint64) uint32 {
	if v > 0xffffffff {
		return 0xffffffff
	}
	return uint32(v)
}

// Flush fsyncs the segment file, the only operation that promises
// durability per spec §5.
func (w *Writer) Flush() error {
	if w.closed {
		return types.ErrClosed
	}
	return w.file.Sync()
}

// Close closes the underlying file handle, releasing its advisory lock.
// It does not fsync; Flush does.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
