// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package journal

import (
	"sort"

	"github.com/benbjohnson/immutable"

	"github.com/segjournal/segjournal/segment"
	"github.com/segjournal/segjournal/types"
)

// state is the journal's immutable snapshot of its segment chain: which
// segments exist, keyed by firstIndex, and which one is the active
// (writable) tail. A new state is built and atomically swapped in by
// every mutation that changes the segment list (rotation, truncation,
// reset); readers load a snapshot once when resolving their target
// segment and then proceed against that segment's own synchronization,
// per spec §5's locking discipline.
type state struct {
	segments *immutable.SortedMap[uint64, *segment.Segment]
	// order mirrors segments' keys, kept sorted ascending, so floor
	// lookups by index can use a plain binary search instead of walking
	// the map's own iterator.
	order         []uint64
	tail          *segment.Segment
	nextSegmentID uint64
}

func newState() state {
	return state{segments: immutable.NewSortedMap[uint64, *segment.Segment](nil)}
}

// withSegment returns a new state with seg registered under its
// firstIndex. Does not touch tail; callers set that separately.
func (s state) withSegment(seg *segment.Segment) state {
	ns := s
	ns.segments = s.segments.Set(seg.FirstIndex(), seg)
	ns.order = insertOrder(s.order, seg.FirstIndex())
	return ns
}

// withoutSegment returns a new state with the segment at firstIndex
// removed.
func (s state) withoutSegment(firstIndex uint64) state {
	ns := s
	ns.segments = s.segments.Delete(firstIndex)
	ns.order = removeOrder(s.order, firstIndex)
	return ns
}

func (s state) allSegments() []*segment.Segment {
	out := make([]*segment.Segment, 0, len(s.order))
	for _, fi := range s.order {
		if seg, ok := s.segments.Get(fi); ok {
			out = append(out, seg)
		}
	}
	return out
}

// segmentFor returns the segment with the greatest firstIndex <= index,
// which per the journal's contiguity invariant is the only segment that
// could contain index.
func (s state) segmentFor(index uint64) (*segment.Segment, bool) {
	i := sort.Search(len(s.order), func(i int) bool { return s.order[i] > index })
	if i == 0 {
		return nil, false
	}
	return s.segments.Get(s.order[i-1])
}

func (s state) firstIndex() uint64 {
	if len(s.order) == 0 {
		return 1
	}
	return s.order[0]
}

func (s state) lastIndex() uint64 {
	if s.tail == nil {
		return 0
	}
	return s.tail.LastIndex()
}

// persistentSegments builds the durable metadata view committed to the
// meta store: one types.SegmentInfo per segment, in ascending order.
func (s state) persistentSegments() []types.SegmentInfo {
	out := make([]types.SegmentInfo, 0, len(s.order))
	for _, seg := range s.allSegments() {
		sealed := seg.Sealed()
		info := types.SegmentInfo{
			ID:         seg.ID(),
			FirstIndex: seg.FirstIndex(),
			MinIndex:   seg.FirstIndex(),
			MaxIndex:   seg.LastIndex(),
			Sealed:     sealed,
		}
		if sealed {
			info.Size = seg.Size()
		}
		out = append(out, info)
	}
	return out
}

func insertOrder(order []uint64, key uint64) []uint64 {
	i := sort.Search(len(order), func(i int) bool { return order[i] >= key })
	if i < len(order) && order[i] == key {
		return order
	}
	out := make([]uint64, len(order)+1)
	copy(out, order[:i])
	out[i] = key
	copy(out[i+1:], order[i:])
	return out
}

func removeOrder(order []uint64, key uint64) []uint64 {
	i := sort.Search(len(order), func(i int) bool { return order[i] >= key })
	if i >= len(order) || order[i] != key {
		return order
	}
	out := make([]uint64, len(order)-1)
	copy(out, order[:i])
	copy(out[i:], order[i+1:])
	return out
}
