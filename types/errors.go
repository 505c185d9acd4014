// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package types holds the on-disk and in-memory shapes shared by the
// segment, sparseindex, meta and journal packages: the record/frame
// format, the segment descriptor, and the sentinel errors the journal
// surfaces to callers.
package types

import "errors"

// Sentinel errors surfaced by the journal. Callers should match with
// errors.Is rather than comparing for equality, since every package wraps
// these with additional context.
var (
	// ErrNotFound is returned when a requested index has no corresponding
	// record, either because it was never written or was truncated away.
	ErrNotFound = errors.New("journal: record not found")

	// ErrCorrupt is returned when a read encounters bytes that cannot be a
	// valid frame in a context where that is not recoverable by truncation.
	ErrCorrupt = errors.New("journal: corrupt record")

	// ErrSealed names the sealed-segment condition. No package returns it:
	// sealing closes a segment's writer, and a closed writer returns
	// ErrClosed.
	ErrSealed = errors.New("journal: segment sealed")

	// ErrClosed is returned by any operation performed after Close.
	ErrClosed = errors.New("journal: closed")

	// ErrInvalidIndex is returned when a caller-supplied record's index
	// does not fit the writer's expected sequence (a gap ahead of the next
	// index, or a duplicate of the current tail's index).
	ErrInvalidIndex = errors.New("journal: invalid index")

	// ErrInvalidAsqn is returned when an asqn is not greater than the
	// asqn of the last record (when the last asqn is specified).
	ErrInvalidAsqn = errors.New("journal: invalid asqn")

	// ErrInvalidChecksum is returned by a replication append whose
	// supplied checksum does not match the recomputed CRC of its payload.
	ErrInvalidChecksum = errors.New("journal: invalid checksum")

	// ErrTooLarge is returned when a payload exceeds the configured
	// maxEntrySize.
	ErrTooLarge = errors.New("journal: entry too large")

	// ErrOutOfSpace is returned by a segment writer when an append would
	// exceed maxSegmentSize.
	ErrOutOfSpace = errors.New("journal: segment out of space")

	// ErrCorruptFrame is returned by a reader that encounters a frame
	// whose checksum fails ahead of the writer's last known-good
	// position.
	ErrCorruptFrame = errors.New("journal: corrupt frame")

	// ErrCorruptJournal is returned when the segment chain on disk has a
	// gap or overlap that recovery cannot explain by tail truncation
	// alone.
	ErrCorruptJournal = errors.New("journal: corrupt journal")

	// ErrIncompatible is returned when a segment descriptor's magic does
	// not match.
	ErrIncompatible = errors.New("journal: incompatible segment file")

	// ErrUnsupportedVersion is returned when a segment descriptor's
	// version differs from DescriptorVersion.
	ErrUnsupportedVersion = errors.New("journal: unsupported segment version")
)
