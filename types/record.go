// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package types

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

// NoAsqn is the sentinel asqn value meaning "unspecified". It is reserved
// and never assigned to a real record.
const NoAsqn = ^uint64(0)

// FrameHeaderLen is the size in bytes of the on-disk frame header: a
// little-endian uint32 payload length followed by a little-endian uint32
// CRC32 of the payload.
const FrameHeaderLen = 8

// Record is an immutable, decoded journal entry.
type Record struct {
	// Index is the dense, 1-based, gapless identifier assigned by the
	// journal.
	Index uint64
	// Asqn is the application sequence number: monotonically
	// non-decreasing, not required to be contiguous. NoAsqn means
	// unspecified.
	Asqn uint64
	// Data is the caller's opaque payload.
	Data []byte
	// Checksum is the CRC32 (IEEE) of the codec-encoded payload (index,
	// asqn and Data), the same value stored in the frame header; computed
	// at encode time and verified at decode time.
	Checksum uint32
}

// Equal reports whether two records carry the same index, asqn, data and
// checksum. Used by tests and by the replication-append duplicate check
// in §4.D.
func (r Record) Equal(o Record) bool {
	if r.Index != o.Index || r.Asqn != o.Asqn || r.Checksum != o.Checksum {
		return false
	}
	if len(r.Data) != len(o.Data) {
		return false
	}
	for i := range r.Data {
		if r.Data[i] != o.Data[i] {
			return false
		}
	}
	return true
}

// ChecksumData computes the frame checksum (component A: "CRC32 over the
// payload"). Used both when framing the wire payload for disk and when
// validating a caller-supplied record in a replication append.
func ChecksumData(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// FrameHeader is the decoded form of the 8-byte frame header that
// precedes every payload on disk.
type FrameHeader struct {
	Len uint32
	CRC uint32
}

// PutFrameHeader encodes h into buf, which must be at least
// FrameHeaderLen bytes.
func PutFrameHeader(buf []byte, h FrameHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Len)
	binary.LittleEndian.PutUint32(buf[4:8], h.CRC)
}

// ReadFrameHeader decodes a FrameHeader from the first FrameHeaderLen
// bytes of buf.
func ReadFrameHeader(buf []byte) (FrameHeader, error) {
	if len(buf) < FrameHeaderLen {
		return FrameHeader{}, fmt.Errorf("journal: short frame header read (%d bytes): %w", len(buf), ErrCorrupt)
	}
	return FrameHeader{
		Len: binary.LittleEndian.Uint32(buf[0:4]),
		CRC: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// ValidFrameLen reports whether a decoded length field could belong to a
// live (non-terminator) frame given maxEntrySize. A zero length is the
// terminator, never "valid" in this sense.
func ValidFrameLen(length uint32, maxEntrySize uint32) bool {
	return length > 0 && length <= maxEntrySize
}

// Codec encodes/decodes a Record's index, asqn and data to/from the
// opaque payload bytes carried inside a frame. The journal never
// interprets payload bytes itself except through this interface; it must
// be deterministic so CRCs reproduce identically on reopen.
type Codec interface {
	// Encode returns the wire payload for rec. It must not retain rec.Data.
	Encode(rec Record) ([]byte, error)
	// Decode parses a wire payload (minus frame header) back into index,
	// asqn and data. The returned Data aliases payload and must be copied
	// by the caller before the backing buffer is reused.
	Decode(payload []byte) (index uint64, asqn uint64, data []byte, err error)
}

// BinaryCodec is the default Codec: 8 bytes index, 8 bytes asqn, then the
// raw payload bytes, all little-endian. It is deterministic and
// allocation-light, matching the reference module's preference for a
// fixed binary layout over a generic serialization framework at this
// layer.
type BinaryCodec struct{}

const binaryCodecHeaderLen = 16

// Encode implements Codec.
func (BinaryCodec) Encode(rec Record) ([]byte, error) {
	buf := make([]byte, binaryCodecHeaderLen+len(rec.Data))
	binary.LittleEndian.PutUint64(buf[0:8], rec.Index)
	binary.LittleEndian.PutUint64(buf[8:16], rec.Asqn)
	copy(buf[binaryCodecHeaderLen:], rec.Data)
	return buf, nil
}

// Decode implements Codec.
func (BinaryCodec) Decode(payload []byte) (uint64, uint64, []byte, error) {
	if len(payload) < binaryCodecHeaderLen {
		return 0, 0, nil, fmt.Errorf("journal: payload too short for codec header: %w", ErrCorrupt)
	}
	index := binary.LittleEndian.Uint64(payload[0:8])
	asqn := binary.LittleEndian.Uint64(payload[8:16])
	return index, asqn, payload[binaryCodecHeaderLen:], nil
}
