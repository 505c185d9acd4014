// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package segment

import (
	"os"
	"testing"

	"github.com/google/gofuzz"
	"github.com/stretchr/testify/require"

	"github.com/segjournal/segjournal/types"
)

func appendN(t *testing.T, w *Writer, n int, asqnStep uint64) {
	t.Helper()
	var asqn uint64
	for i := 0; i < n; i++ {
		asqn += asqnStep
		_, err := w.Append([]byte("payload"), asqn)
		require.NoError(t, err)
	}
}

func TestReaderHasNextNextConsumesInOrder(t *testing.T) {
	seg, _ := newTestSegment(t, 1)
	defer seg.Close()
	appendN(t, seg.Writer(), 4, 1)

	r, err := seg.OpenReader()
	require.NoError(t, err)
	defer seg.CloseReader(r)

	for i := uint64(1); i <= 4; i++ {
		require.True(t, r.HasNext())
		rec, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, i, rec.Index)
	}
	require.False(t, r.HasNext())
	_, err = r.Next()
	require.ErrorIs(t, err, ErrEndOfSegment)
}

func TestReaderDoesNotSeePastWriterBoundary(t *testing.T) {
	seg, _ := newTestSegment(t, 1)
	defer seg.Close()
	w := seg.Writer()
	appendN(t, w, 2, 1)

	r, err := seg.OpenReader()
	require.NoError(t, err)
	defer seg.CloseReader(r)

	_, err = r.Next()
	require.NoError(t, err)
	_, err = r.Next()
	require.NoError(t, err)
	require.False(t, r.HasNext(), "reader must not observe frames beyond the writer's committed size")
}

func TestReaderResetUsesSparseIndexShortcut(t *testing.T) {
	seg, _ := newTestSegment(t, 1)
	defer seg.Close()
	appendN(t, seg.Writer(), 6, 1)

	r, err := seg.OpenReader()
	require.NoError(t, err)
	defer seg.CloseReader(r)

	require.NoError(t, r.Reset(4, seg.Index()))
	rec, err := r.Next()
	require.NoError(t, err)
	require.Equal(t, uint64(4), rec.Index)
}

func TestReaderSeekToLast(t *testing.T) {
	seg, _ := newTestSegment(t, 1)
	defer seg.Close()
	appendN(t, seg.Writer(), 5, 1)

	r, err := seg.OpenReader()
	require.NoError(t, err)
	defer seg.CloseReader(r)

	last, err := r.SeekToLast()
	require.NoError(t, err)
	require.Equal(t, uint64(5), last)
}

func TestReaderSeekToAsqn(t *testing.T) {
	seg, _ := newTestSegment(t, 1)
	defer seg.Close()
	w := seg.Writer()
	// asqns: 10, 20, 20, 30 at indices 1..4 (repeats are allowed, just
	// non-decreasing).
	for _, asqn := range []uint64{10, 20, 20, 30} {
		_, err := w.Append([]byte("payload"), asqn)
		require.NoError(t, err)
	}

	r, err := seg.OpenReader()
	require.NoError(t, err)
	defer seg.CloseReader(r)

	idx, err := r.SeekToAsqn(20)
	require.NoError(t, err)
	require.Equal(t, uint64(3), idx, "should land on the last record with asqn <= target")

	_, err = r.SeekToAsqn(0)
	require.ErrorIs(t, err, types.ErrNotFound, "nothing left with asqn <= 0 after the previous seek consumed it")
}

// TestReaderRejectsFuzzedPayloadCorruption uses gofuzz to mutate a
// well-formed frame's payload bytes on disk and checks that, after the
// tail is reopened, the segment either still yields the original record
// or has discarded the frame, never a silently wrong one.
func TestReaderRejectsFuzzedPayloadCorruption(t *testing.T) {
	fz := fuzz.New().NilChance(0).NumElements(1, 32)

	for trial := 0; trial < 20; trial++ {
		seg, dir := newTestSegment(t, 1)
		w := seg.Writer()
		_, err := w.Append([]byte("stable-prefix"), 1)
		require.NoError(t, err)
		require.NoError(t, w.Flush())
		frameEnd := w.Size()
		require.NoError(t, seg.Close())

		path := seg.Path()
		var mutation []byte
		fz.Fuzz(&mutation)

		f, err := os.OpenFile(path, os.O_RDWR, 0o600)
		require.NoError(t, err)
		// Mutate only within the payload region (after the 8-byte frame
		// header), never past frameEnd, so the terminator invariant past
		// the writer's last commit is untouched.
		payloadStart := int64(types.DescriptorLen) + types.FrameHeaderLen
		payloadLen := int64(frameEnd) - payloadStart
		if payloadLen > 0 && len(mutation) > 0 {
			n := int64(len(mutation))
			if n > payloadLen {
				n = payloadLen
			}
			_, err = f.WriteAt(mutation[:n], payloadStart)
			require.NoError(t, err)
		}
		require.NoError(t, f.Close())

		reopened, err := OpenTail(dir, "journal", seg.Descriptor(), testConfig())
		require.NoError(t, err)
		// A torn/corrupt non-terminator frame is discarded by recovery's
		// tail rescan, so the segment is simply empty after reopening;
		// it must never surface a wrongly-decoded record.
		if reopened.LastIndex() == seg.Descriptor().FirstIndex-1 {
			require.NoError(t, reopened.Close())
			continue
		}
		require.Equal(t, uint64(1), reopened.LastIndex())
		r, err := reopened.OpenReader()
		require.NoError(t, err)
		rec, err := r.Next()
		require.NoError(t, err)
		require.Equal(t, "stable-prefix", string(rec.Data))
		require.NoError(t, reopened.CloseReader(r))
		require.NoError(t, reopened.Close())
	}
}
