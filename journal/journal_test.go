// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package journal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segjournal/segjournal/types"
)

func openTestJournal(t *testing.T, opts ...Option) *Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

// Scenario 1: append then read.
func TestAppendThenRead(t *testing.T) {
	j := openTestJournal(t)

	rec, err := j.Append([]byte("TestData"))
	require.NoError(t, err)
	require.Equal(t, uint64(1), rec.Index)

	r, err := j.OpenReader()
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Next()
	require.NoError(t, err)
	require.True(t, got.Equal(rec))
}

// Scenario 2: multiple records with explicit asqns.
func TestMultipleRecordsWithAsqn(t *testing.T) {
	j := openTestJournal(t)

	a, err := j.AppendWithAsqn([]byte("A"), 10)
	require.NoError(t, err)
	b, err := j.AppendWithAsqn([]byte("B"), 20)
	require.NoError(t, err)
	require.Equal(t, uint64(1), a.Index)
	require.Equal(t, uint64(2), b.Index)

	r, err := j.OpenReader()
	require.NoError(t, err)
	defer r.Close()

	got, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "A", string(got.Data))
	require.Equal(t, uint64(10), got.Asqn)

	got, err = r.Next()
	require.NoError(t, err)
	require.Equal(t, "B", string(got.Data))
	require.Equal(t, uint64(20), got.Asqn)
}

// Scenario 3: reset mid-journal.
func TestResetMidJournal(t *testing.T) {
	j := openTestJournal(t)

	for i := 0; i < 3; i++ {
		_, err := j.Append([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, j.Reset(2))
	require.True(t, j.IsEmpty())
	require.Equal(t, uint64(1), j.LastIndex())

	rec, err := j.Append([]byte("after-reset"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.Index)
}

// Scenario 4: tail truncation then reappend.
func TestTailTruncationThenReappend(t *testing.T) {
	j := openTestJournal(t)

	for i := 0; i < 3; i++ {
		_, err := j.Append([]byte("orig"))
		require.NoError(t, err)
	}
	require.NoError(t, j.DeleteAfter(1))

	rec, err := j.Append([]byte("X"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.Index)

	r, err := j.OpenReader()
	require.NoError(t, err)
	defer r.Close()

	first, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first.Index)

	second, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, "X", string(second.Data))

	require.False(t, r.HasNext())
}

// Scenario 5: replication append with a bad checksum leaves state
// unchanged.
func TestReplicationAppendBadChecksum(t *testing.T) {
	j := openTestJournal(t)

	rec := types.Record{Index: 1, Asqn: 1, Data: []byte("good")}
	payload, err := types.BinaryCodec{}.Encode(rec)
	require.NoError(t, err)
	rec.Checksum = types.ChecksumData(payload) ^ 0xff // flip it

	err = j.AppendRecord(rec)
	require.ErrorIs(t, err, types.ErrInvalidChecksum)
	require.True(t, j.IsEmpty())
	require.Equal(t, uint64(0), j.LastIndex())
}

// Scenario 6: crash-recover a corrupted tail.
func TestCrashRecoverCorruptedTail(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)

	_, err = j.Append([]byte("one"))
	require.NoError(t, err)
	_, err = j.Append([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, j.Flush())

	st := j.loadState()
	path := st.tail.Path()
	firstFrameLen := uint64(types.FrameHeaderLen) + 16 + uint64(len("one"))
	secondFramePayloadStart := uint64(types.DescriptorLen) + firstFrameLen + uint64(types.FrameHeaderLen)
	require.NoError(t, j.Close())

	// Flip a byte inside record 2's payload, simulating a torn write that
	// reached disk but wasn't fully committed: this corrupts the CRC
	// without disturbing the frame's length field.
	corruptByteInFile(t, path, int64(secondFramePayloadStart)+16)

	j2, err := Open(dir)
	require.NoError(t, err)
	defer j2.Close()
	require.Equal(t, uint64(1), j2.LastIndex())

	rec, err := j2.Append([]byte("replacement"))
	require.NoError(t, err)
	require.Equal(t, uint64(2), rec.Index)
}

func TestDeleteUntilRetiresSealedSegments(t *testing.T) {
	j := openTestJournal(t, WithSegmentSize(128), WithMaxEntrySize(64))

	var lastIdx uint64
	for i := 0; i < 40; i++ {
		rec, err := j.Append([]byte("0123456789"))
		require.NoError(t, err)
		lastIdx = rec.Index
	}
	require.Greater(t, len(j.loadState().order), 1, "small segment size should have forced at least one rotation")
	require.NoError(t, j.DeleteUntil(lastIdx))
	require.LessOrEqual(t, j.FirstIndex(), lastIdx)
}

func TestCloseRejectsFurtherOperations(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close(), "Close must be idempotent")

	_, err = j.Append([]byte("x"))
	require.ErrorIs(t, err, types.ErrClosed)
}

func corruptByteInFile(t *testing.T, path string, offset int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()
	buf := make([]byte, 1)
	_, err = f.ReadAt(buf, offset)
	require.NoError(t, err)
	buf[0] ^= 0xff
	_, err = f.WriteAt(buf, offset)
	require.NoError(t, err)
}
