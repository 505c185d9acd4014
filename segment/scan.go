// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"fmt"
	"io"

	"github.com/segjournal/segjournal/types"
)

// scanFrames sequentially validates frames starting at startOffset,
// stopping at the first invalid/zero-length frame, EOF, or the frame
// whose index == upTo (inclusive) if upTo != 0. It returns the byte
// offset just past the last valid frame consumed, the count of valid
// frames, and the last valid record (nil if none). Shared by Writer's
// own tail rescans (spec §4.D "reset(upTo)") and a read-only recovery
// scan of a sealed segment whose metadata was lost to a crash.
func scanFrames(ra io.ReaderAt, startOffset uint64, firstIndex uint64, maxEntrySize uint64, codec types.Codec, upTo uint64) (endOffset uint64, count uint64, last *types.Record, err error) {
	offset := startOffset
	expected := firstIndex
	hdrBuf := make([]byte, types.FrameHeaderLen)

	for {
		n, rerr := ra.ReadAt(hdrBuf, int64(offset))
		if rerr != nil && rerr != io.EOF {
			return offset, count, last, fmt.Errorf("journal: reading frame header at %d: %w", offset, rerr)
		}
		if n < types.FrameHeaderLen {
			break
		}
		fh, herr := types.ReadFrameHeader(hdrBuf)
		if herr != nil || !types.ValidFrameLen(fh.Len, uint64ToUint32Cap(maxEntrySize)) {
			break
		}

		payload := make([]byte, fh.Len)
		n, rerr = ra.ReadAt(payload, int64(offset)+types.FrameHeaderLen)
		if rerr != nil && rerr != io.EOF {
			return offset, count, last, fmt.Errorf("journal: reading frame payload at %d: %w", offset, rerr)
		}
		if uint32(n) < fh.Len {
			break
		}
		if types.ChecksumData(payload) != fh.CRC {
			break
		}

		index, asqn, data, derr := codec.Decode(payload)
		if derr != nil {
			break
		}
		if index != expected {
			break
		}

		recData := make([]byte, len(data))
		copy(recData, data)
		rec := types.Record{Index: index, Asqn: asqn, Data: recData, Checksum: fh.CRC}
		last = &rec
		count++
		expected++
		offset += uint64(types.FrameHeaderLen) + uint64(fh.Len)

		if upTo != 0 && index >= upTo {
			break
		}
	}
	return offset, count, last, nil
}

// ScanSegment performs a read-only recovery scan of a sealed segment
// file, used when the journal's open procedure finds a segment on disk
// whose metadata entry is missing or stale (a crash after sealing or
// creating the file but before committing metadata, spec §4.G). It returns the
// live-region byte size and last index observed, as if the segment had
// been sealed at exactly that point.
func ScanSegment(path string, d types.Descriptor, cfg Config) (size uint64, lastIndex uint64, err error) {
	f, err := openFileReadOnly(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	codec := cfg.Codec
	if codec == nil {
		codec = types.BinaryCodec{}
	}
	endOffset, _, last, err := scanFrames(f, uint64(types.DescriptorLen), d.FirstIndex, cfg.MaxEntrySize, codec, 0)
	if err != nil {
		return 0, 0, err
	}
	if last == nil {
		return uint64(types.DescriptorLen), d.FirstIndex - 1, nil
	}
	return endOffset, last.Index, nil
}
