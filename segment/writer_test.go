// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segjournal/segjournal/types"
)

// corruptTail writes a bogus, non-zero frame header just past offset,
// simulating a write that reached disk but was never fsynced before a
// crash. A recovery rescan must stop at offset and zero this back out.
func corruptTail(t *testing.T, path string, offset uint64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	require.NoError(t, err)
	defer f.Close()
	garbage := []byte{0xff, 0xff, 0xff, 0xff, 0xde, 0xad, 0xbe, 0xef}
	_, err = f.WriteAt(garbage, int64(offset))
	require.NoError(t, err)
}

func testConfig() Config {
	return Config{
		MaxEntrySize:   1024,
		MaxSegmentSize: 4096,
		IndexDensity:   2,
	}
}

func newTestSegment(t *testing.T, firstIndex uint64) (*Segment, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig()
	d := types.NewDescriptor(1, firstIndex, cfg.MaxSegmentSize, cfg.MaxEntries)
	seg, err := Create(dir, "journal", d, cfg)
	require.NoError(t, err)
	return seg, dir
}

func TestWriterAppendAssignsSequentialIndices(t *testing.T) {
	seg, _ := newTestSegment(t, 1)
	defer seg.Close()

	w := seg.Writer()
	for i := 0; i < 5; i++ {
		rec, err := w.Append([]byte("payload"), types.NoAsqn)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), rec.Index)
	}
	require.Equal(t, uint64(5), w.LastIndex())
	require.Equal(t, uint64(5), w.EntryCount())
}

func TestWriterRejectsOversizedEntry(t *testing.T) {
	seg, _ := newTestSegment(t, 1)
	defer seg.Close()

	big := make([]byte, 2048)
	_, err := seg.Writer().Append(big, types.NoAsqn)
	require.ErrorIs(t, err, types.ErrTooLarge)
}

func TestWriterReturnsOutOfSpaceWhenSegmentFull(t *testing.T) {
	seg, _ := newTestSegment(t, 1)
	defer seg.Close()

	w := seg.Writer()
	var err error
	for err == nil {
		_, err = w.Append([]byte("0123456789012345678901234567890"), types.NoAsqn)
	}
	require.ErrorIs(t, err, types.ErrOutOfSpace)
}

func TestWriterTruncateRollsBackTailAndAllowsReappend(t *testing.T) {
	seg, _ := newTestSegment(t, 1)
	defer seg.Close()

	w := seg.Writer()
	for i := 0; i < 4; i++ {
		_, err := w.Append([]byte("payload"), types.NoAsqn)
		require.NoError(t, err)
	}
	require.NoError(t, w.Truncate(2))
	require.Equal(t, uint64(2), w.LastIndex())
	require.Equal(t, uint64(2), w.EntryCount())

	rec, err := w.Append([]byte("replacement"), types.NoAsqn)
	require.NoError(t, err)
	require.Equal(t, uint64(3), rec.Index)
}

func TestWriterTruncateBeforeFirstIndexEmptiesSegment(t *testing.T) {
	seg, _ := newTestSegment(t, 10)
	defer seg.Close()

	w := seg.Writer()
	for i := 0; i < 3; i++ {
		_, err := w.Append([]byte("payload"), types.NoAsqn)
		require.NoError(t, err)
	}
	require.NoError(t, w.Truncate(5))
	require.Equal(t, uint64(9), w.LastIndex())
	require.Equal(t, uint64(0), w.EntryCount())
	require.Equal(t, uint64(10), w.NextIndex())
}

func TestWriterAppendRecordReplicatesAndDetectsDivergence(t *testing.T) {
	seg, _ := newTestSegment(t, 1)
	defer seg.Close()

	w := seg.Writer()
	first, err := w.Append([]byte("a"), 1)
	require.NoError(t, err)
	second, err := w.Append([]byte("b"), 2)
	require.NoError(t, err)

	// Re-appending the current tail is rejected.
	require.ErrorIs(t, w.AppendRecord(second), types.ErrInvalidIndex)

	// A gap ahead of nextIndex is rejected.
	gap := types.Record{Index: 10, Asqn: 10, Data: []byte("c")}
	payload, err := w.codec.Encode(gap)
	require.NoError(t, err)
	gap.Checksum = types.ChecksumData(payload)
	require.ErrorIs(t, w.AppendRecord(gap), types.ErrInvalidIndex)

	// A bad checksum is rejected outright.
	bad := second
	bad.Checksum = first.Checksum
	require.ErrorIs(t, w.AppendRecord(bad), types.ErrInvalidChecksum)

	// A record that diverges from index 1 onward (strictly before the
	// current tail) truncates back and replaces it.
	diverged := types.Record{Index: 1, Asqn: 1, Data: []byte("different")}
	dp, err := w.codec.Encode(diverged)
	require.NoError(t, err)
	diverged.Checksum = types.ChecksumData(dp)
	require.NoError(t, w.AppendRecord(diverged))
	require.Equal(t, uint64(1), w.LastIndex())
	rec, ok := w.LastRecord()
	require.True(t, ok)
	require.Equal(t, "different", string(rec.Data))
}

func TestOpenTailRecoversTornTail(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	d := types.NewDescriptor(1, 1, cfg.MaxSegmentSize, cfg.MaxEntries)

	seg, err := Create(dir, "journal", d, cfg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := seg.Writer().Append([]byte("payload"), types.NoAsqn)
		require.NoError(t, err)
	}
	require.NoError(t, seg.Writer().Flush())
	goodSize := seg.Writer().Size()
	require.NoError(t, seg.Close())

	// Simulate a crash mid-write: corrupt the header of a frame that was
	// never fsynced by mangling bytes past the last good frame boundary.
	path := filepath.Join(dir, types.FileName("journal", 1))
	corruptTail(t, path, goodSize)

	reopened, err := OpenTail(dir, "journal", d, cfg)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, uint64(3), reopened.LastIndex())
	require.Equal(t, goodSize, reopened.Writer().Size())
}
