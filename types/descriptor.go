// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import (
	"encoding/binary"
	"fmt"
)

// DescriptorMagic identifies a segment file as belonging to this journal
// format.
const DescriptorMagic uint32 = 0x4a524e4c // "JRNL"

// DescriptorVersion is the only format version this package understands.
const DescriptorVersion uint16 = 1

// DescriptorLen is the fixed byte budget of the segment header, stable
// across versions so a version bump never changes where frames begin.
const DescriptorLen = 64

// Descriptor is the fixed-size header written at the start of every
// segment file, before any frame (component B). It must be written and
// flushed before any frame is appended.
type Descriptor struct {
	Magic          uint32
	Version        uint16
	SegmentID      uint64
	FirstIndex     uint64
	MaxSegmentSize uint64
	MaxEntries     uint64
}

// NewDescriptor builds a descriptor for a fresh segment.
func NewDescriptor(segmentID, firstIndex, maxSegmentSize, maxEntries uint64) Descriptor {
	return Descriptor{
		Magic:          DescriptorMagic,
		Version:        DescriptorVersion,
		SegmentID:      segmentID,
		FirstIndex:     firstIndex,
		MaxSegmentSize: maxSegmentSize,
		MaxEntries:     maxEntries,
	}
}

// Encode writes d into buf, which must be at least DescriptorLen bytes.
// The tail of buf beyond the populated fields is left zeroed so the
// layout can grow in a later version without another magic byte shuffle.
func (d Descriptor) Encode(buf []byte) {
	for i := range buf[:DescriptorLen] {
		buf[i] = 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], d.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], d.Version)
	binary.LittleEndian.PutUint64(buf[8:16], d.SegmentID)
	binary.LittleEndian.PutUint64(buf[16:24], d.FirstIndex)
	binary.LittleEndian.PutUint64(buf[24:32], d.MaxSegmentSize)
	binary.LittleEndian.PutUint64(buf[32:40], d.MaxEntries)
}

// DecodeDescriptor validates and decodes a descriptor from buf, which
// must be at least DescriptorLen bytes. An unknown magic or unsupported
// version fails with a distinguished error per spec §4.B.
func DecodeDescriptor(buf []byte) (Descriptor, error) {
	if len(buf) < DescriptorLen {
		return Descriptor{}, fmt.Errorf("journal: short descriptor read (%d bytes): %w", len(buf), ErrCorruptJournal)
	}
	d := Descriptor{
		Magic:          binary.LittleEndian.Uint32(buf[0:4]),
		Version:        binary.LittleEndian.Uint16(buf[4:6]),
		SegmentID:      binary.LittleEndian.Uint64(buf[8:16]),
		FirstIndex:     binary.LittleEndian.Uint64(buf[16:24]),
		MaxSegmentSize: binary.LittleEndian.Uint64(buf[24:32]),
		MaxEntries:     binary.LittleEndian.Uint64(buf[32:40]),
	}
	if d.Magic != DescriptorMagic {
		return Descriptor{}, fmt.Errorf("journal: bad magic %#x: %w", d.Magic, ErrIncompatible)
	}
	if d.Version != DescriptorVersion {
		return Descriptor{}, fmt.Errorf("journal: descriptor version %d: %w", d.Version, ErrUnsupportedVersion)
	}
	return d, nil
}

// SegmentInfo is the durable, journal-level metadata record for one
// segment, the shape persisted by the meta store (§11 domain stack) and
// used to drive recovery and directory validation (component G).
type SegmentInfo struct {
	// ID is the monotonically increasing segment id, 1-based.
	ID uint64
	// FirstIndex is the index of the first record this segment may hold.
	FirstIndex uint64
	// MinIndex is the index of the first record still retained in this
	// segment. DeleteUntil retires only whole segments, so the journal
	// always records it equal to FirstIndex.
	MinIndex uint64
	// MaxIndex is the index of the last record written to this segment,
	// or FirstIndex-1 if empty. Only meaningful once the segment is
	// sealed; the active segment's MaxIndex is tracked live by its
	// writer.
	MaxIndex uint64
	// Sealed is true once the segment has been rotated out of the
	// active position and will accept no further writes.
	Sealed bool
	// Size is the live-region byte size (descriptor + frames, excluding
	// the zero-filled tail) captured at seal time. The file is
	// preallocated to MaxSegmentSize, so os.Stat cannot reveal this on
	// its own; a sealed segment reopened from disk relies on this field
	// to set its reader boundary without a rescan.
	Size uint64
}

// FileName returns the on-disk file name for a segment, per spec §6:
// "<name>-<segmentId>.log".
func FileName(journalName string, segmentID uint64) string {
	return fmt.Sprintf("%s-%020d.log", journalName, segmentID)
}
