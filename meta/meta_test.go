// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package meta

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/segjournal/segjournal/types"
)

func TestLoadOnFreshStoreStartsAtOne(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	st, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.NextSegmentID)
	require.Empty(t, st.Segments)
}

func TestCommitStateRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	want := State{
		NextSegmentID: 3,
		Segments: []types.SegmentInfo{
			{ID: 1, FirstIndex: 1, MinIndex: 1, MaxIndex: 10, Sealed: true},
			{ID: 2, FirstIndex: 11, MinIndex: 11, MaxIndex: 0, Sealed: false},
		},
	}
	require.NoError(t, s.CommitState(want))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, want.NextSegmentID, got.NextSegmentID)
	require.ElementsMatch(t, want.Segments, got.Segments)
}

func TestCommitStateReplacesPreviousSegments(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.CommitState(State{
		NextSegmentID: 2,
		Segments:      []types.SegmentInfo{{ID: 1, FirstIndex: 1}},
	}))
	require.NoError(t, s.CommitState(State{
		NextSegmentID: 3,
		Segments:      []types.SegmentInfo{{ID: 2, FirstIndex: 1}},
	}))

	got, err := s.Load()
	require.NoError(t, err)
	require.Len(t, got.Segments, 1)
	require.Equal(t, uint64(2), got.Segments[0].ID)
}

func TestReopenPreservesState(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, s.CommitState(State{
		NextSegmentID: 5,
		Segments:      []types.SegmentInfo{{ID: 1, FirstIndex: 1, MaxIndex: 4, Sealed: true}},
	}))
	require.NoError(t, s.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.Load()
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.NextSegmentID)
	require.Len(t, got.Segments, 1)
}
