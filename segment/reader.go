// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/segjournal/segjournal/sparseindex"
	"github.com/segjournal/segjournal/types"
)

// ErrEndOfSegment is returned by Next when the cursor has reached the
// writer's last known-good position: not corruption, just "nothing more
// here yet" (spec §4.E).
var ErrEndOfSegment = errors.New("segment: end of segment")

// Reader is a stateful cursor over one segment's frames, independent of
// any other Reader or the segment's Writer: it owns its own file handle
// and offset, so multiple Readers may coexist with the Writer and with
// each other without observing bytes past the writer's committed
// position (spec §5).
type Reader struct {
	file         *os.File
	descriptor   types.Descriptor
	codec        types.Codec
	maxEntrySize uint64
	// boundary returns the current end of the live region: the writer's
	// committed size for an active segment, or the size at seal time for
	// a sealed one. Reads never advance past it.
	boundary func() uint64

	offset uint64
	peeked *peekedFrame
}

type peekedFrame struct {
	rec  types.Record
	next uint64
	err  error
}

// ReaderConfig bundles what a Reader needs to decode frames, mirroring
// WriterConfig.
type ReaderConfig struct {
	MaxEntrySize uint64
	Codec        types.Codec
}

func (c ReaderConfig) codecOrDefault() types.Codec {
	if c.Codec != nil {
		return c.Codec
	}
	return types.BinaryCodec{}
}

// openReader opens an independent read-only handle on path and returns a
// Reader positioned at the start of the segment's frames (just past the
// descriptor).
func openReader(path string, d types.Descriptor, cfg ReaderConfig, boundary func() uint64) (*Reader, error) {
	f, err := openFileReadOnly(path)
	if err != nil {
		return nil, err
	}
	return &Reader{
		file:         f,
		descriptor:   d,
		codec:        cfg.codecOrDefault(),
		maxEntrySize: cfg.MaxEntrySize,
		boundary:     boundary,
		offset:       uint64(types.DescriptorLen),
	}, nil
}

// Close releases the reader's file handle.
func (r *Reader) Close() error {
	return r.file.Close()
}

// HasNext reports whether Next would return a record rather than
// ErrEndOfSegment. It peeks without consuming, so it is safe to call
// repeatedly.
func (r *Reader) HasNext() bool {
	if r.peeked == nil {
		r.peek()
	}
	return r.peeked.err == nil
}

// Next returns the next record and advances the cursor past it.
func (r *Reader) Next() (types.Record, error) {
	if r.peeked == nil {
		r.peek()
	}
	p := r.peeked
	r.peeked = nil
	if p.err != nil {
		return types.Record{}, p.err
	}
	r.offset = p.next
	return p.rec, nil
}

// peek reads and decodes the frame at the current offset without moving
// it, caching the result (or error) for HasNext/Next to share.
func (r *Reader) peek() {
	rec, next, err := r.readFrameAt(r.offset)
	r.peeked = &peekedFrame{rec: rec, next: next, err: err}
}

// readFrameAt validates and decodes the frame at offset, classifying
// failures per spec §4.E: past the writer's known-good position is
// ErrEndOfSegment, anything else invalid is ErrCorruptFrame.
func (r *Reader) readFrameAt(offset uint64) (types.Record, uint64, error) {
	limit := r.boundary()
	if offset >= limit {
		return types.Record{}, offset, ErrEndOfSegment
	}

	var hdrBuf [types.FrameHeaderLen]byte
	n, err := r.file.ReadAt(hdrBuf[:], int64(offset))
	if err != nil && err != io.EOF {
		return types.Record{}, offset, fmt.Errorf("journal: reading frame header at %d: %w", offset, err)
	}
	if n < types.FrameHeaderLen {
		return types.Record{}, offset, ErrEndOfSegment
	}
	fh, err := types.ReadFrameHeader(hdrBuf[:])
	if err != nil {
		return types.Record{}, offset, fmt.Errorf("journal: %w at offset %d: %w", types.ErrCorruptFrame, offset, err)
	}
	if fh.Len == 0 {
		// Zero length word: terminator.
		return types.Record{}, offset, ErrEndOfSegment
	}
	if !types.ValidFrameLen(fh.Len, uint64ToUint32Cap(r.maxEntrySize)) {
		return types.Record{}, offset, fmt.Errorf("journal: frame length %d out of bounds at offset %d: %w", fh.Len, offset, types.ErrCorruptFrame)
	}

	payload := make([]byte, fh.Len)
	n, err = r.file.ReadAt(payload, int64(offset)+types.FrameHeaderLen)
	if err != nil && err != io.EOF {
		return types.Record{}, offset, fmt.Errorf("journal: reading frame payload at %d: %w", offset, err)
	}
	if uint32(n) < fh.Len {
		return types.Record{}, offset, ErrEndOfSegment
	}
	if types.ChecksumData(payload) != fh.CRC {
		return types.Record{}, offset, fmt.Errorf("journal: checksum mismatch at offset %d: %w", offset, types.ErrCorruptFrame)
	}

	index, asqn, data, err := r.codec.Decode(payload)
	if err != nil {
		return types.Record{}, offset, fmt.Errorf("journal: %w decoding payload at offset %d: %w", types.ErrCorruptFrame, offset, err)
	}
	recData := make([]byte, len(data))
	copy(recData, data)

	rec := types.Record{Index: index, Asqn: asqn, Data: recData, Checksum: fh.CRC}
	next := offset + uint64(types.FrameHeaderLen) + uint64(fh.Len)
	return rec, next, nil
}

// Reset repositions the cursor so the next Next() call returns the
// record at index, consulting idx for a shortcut starting offset and
// otherwise scanning from the start of the segment (spec §4.C, §4.G).
func (r *Reader) Reset(index uint64, idx *sparseindex.Index) error {
	r.peeked = nil
	offset := uint64(types.DescriptorLen)
	if idx != nil {
		if e, ok := idx.Lookup(index); ok {
			offset = uint64(e.Offset)
		}
	}
	r.offset = offset

	for r.HasNext() {
		rec, err := r.peekFields()
		if err != nil {
			return err
		}
		if rec.Index >= index {
			return nil
		}
		if _, err := r.Next(); err != nil {
			return err
		}
	}
	return nil
}

// peekFields returns the currently peeked record without consuming it;
// callers must call this only after HasNext has populated r.peeked.
func (r *Reader) peekFields() (types.Record, error) {
	if r.peeked == nil {
		r.peek()
	}
	return r.peeked.rec, r.peeked.err
}

// SeekToLast scans forward from the cursor to the end of the segment's
// live region and returns the index of the last record it reads. If no
// record remains ahead of the cursor (an empty segment, or a cursor
// already at the end) it returns descriptor.FirstIndex-1. The cursor is
// left positioned past the last record.
func (r *Reader) SeekToLast() (uint64, error) {
	last := r.descriptor.FirstIndex - 1
	for r.HasNext() {
		rec, err := r.Next()
		if err != nil {
			return 0, err
		}
		last = rec.Index
	}
	return last, nil
}

// SeekToAsqn scans forward from the current cursor position, returning
// the index of the last record with asqn <= target. The cursor is left
// positioned just past that record. If no record in the remaining
// segment has asqn <= target, it returns types.ErrNotFound.
func (r *Reader) SeekToAsqn(target uint64) (uint64, error) {
	found := false
	var lastIndex uint64
	for r.HasNext() {
		rec, err := r.peekFields()
		if err != nil {
			return 0, err
		}
		if rec.Asqn != types.NoAsqn && rec.Asqn > target {
			break
		}
		if _, err := r.Next(); err != nil {
			return 0, err
		}
		lastIndex = rec.Index
		found = true
	}
	if !found {
		return 0, types.ErrNotFound
	}
	return lastIndex, nil
}
