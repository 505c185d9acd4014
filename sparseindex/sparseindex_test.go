// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package sparseindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutOnlyRecordsAlignedIndices(t *testing.T) {
	x := New(5)
	for i := uint64(1); i <= 20; i++ {
		x.Put(i, uint32(i*10))
	}
	require.Equal(t, 4, x.Len())

	e, ok := x.Lookup(12)
	require.True(t, ok)
	require.Equal(t, uint64(10), e.Index)
	require.Equal(t, uint32(100), e.Offset)
}

func TestLookupBeforeFirstEntryMisses(t *testing.T) {
	x := New(5)
	x.Put(5, 50)
	_, ok := x.Lookup(4)
	require.False(t, ok)
}

func TestTruncateDropsNewerEntries(t *testing.T) {
	x := New(1)
	for i := uint64(1); i <= 10; i++ {
		x.Put(i, uint32(i))
	}
	x.Truncate(5)
	require.Equal(t, 5, x.Len())
	e, ok := x.Lookup(100)
	require.True(t, ok)
	require.Equal(t, uint64(5), e.Index)
}

func TestDensityZeroRecordsEveryEntry(t *testing.T) {
	x := New(0)
	x.Put(1, 1)
	x.Put(2, 2)
	require.Equal(t, 2, x.Len())
}

func TestResetClearsEntries(t *testing.T) {
	x := New(1)
	x.Put(1, 1)
	x.Reset()
	require.Equal(t, 0, x.Len())
	_, ok := x.Lookup(1)
	require.False(t, ok)
}
