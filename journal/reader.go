// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package journal

import (
	"errors"
	"fmt"

	"github.com/segjournal/segjournal/segment"
	"github.com/segjournal/segjournal/types"
)

// Reader is a stateful cursor over the whole journal (spec §4.H),
// crossing segment boundaries transparently. It holds its own segment
// reader and re-resolves the owning segment from the journal's current
// state whenever it needs to move into a new one, so it keeps working
// across concurrent rotations of the tail it isn't currently reading.
type Reader struct {
	j *Journal

	cur  *segment.Segment
	curR *segment.Reader
}

// OpenReader returns a new Reader positioned at the journal's first
// index.
func (j *Journal) OpenReader() (*Reader, error) {
	if err := j.checkClosed(); err != nil {
		return nil, err
	}
	r := &Reader{j: j}
	if err := r.openSegmentFor(j.loadState().firstIndex()); err != nil {
		return nil, err
	}
	return r, nil
}

// openSegmentFor resolves and positions the cursor at index, closing
// any previously open segment reader.
func (r *Reader) openSegmentFor(index uint64) error {
	st := r.j.loadState()
	seg, ok := st.segmentFor(index)
	if !ok {
		return fmt.Errorf("journal: no segment for index %d: %w", index, types.ErrNotFound)
	}
	if seg.Sealed() {
		if err := seg.RebuildIndex(); err != nil {
			return err
		}
	}
	sr, err := seg.OpenReader()
	if err != nil {
		return err
	}
	if err := sr.Reset(index, seg.Index()); err != nil {
		seg.CloseReader(sr)
		return err
	}
	if r.cur != nil {
		r.cur.CloseReader(r.curR)
	}
	r.cur = seg
	r.curR = sr
	return nil
}

// HasNext reports whether Next would return a record. It transparently
// advances into the next segment if the current one is exhausted.
func (r *Reader) HasNext() bool {
	if r.curR.HasNext() {
		return true
	}
	next := r.cur.LastIndex() + 1
	if err := r.openSegmentFor(next); err != nil {
		return false
	}
	return r.curR.HasNext()
}

// Next returns the next record and advances the cursor past it, or
// ErrEndOfJournal if there is nothing more anywhere in the journal.
func (r *Reader) Next() (types.Record, error) {
	if err := r.j.checkClosed(); err != nil {
		return types.Record{}, err
	}
	if !r.HasNext() {
		return types.Record{}, ErrEndOfJournal
	}
	rec, err := r.curR.Next()
	if err != nil {
		return types.Record{}, err
	}
	r.j.metrics.entriesRead.Inc()
	r.j.metrics.entryBytesRead.Add(float64(len(rec.Data)))
	return rec, nil
}

// SeekToIndex repositions the cursor so the next Next() call returns
// the record at index.
func (r *Reader) SeekToIndex(index uint64) error {
	return r.openSegmentFor(index)
}

// SeekToLast positions the cursor past the journal's last record and
// returns its index, or firstIndex()-1 if the journal is empty.
func (r *Reader) SeekToLast() (uint64, error) {
	st := r.j.loadState()
	last := st.lastIndex()
	if last < st.firstIndex() {
		return last, nil
	}
	if err := r.openSegmentFor(last); err != nil {
		return 0, err
	}
	idx, err := r.curR.SeekToLast()
	if err != nil {
		return 0, err
	}
	return idx, nil
}

// SeekToAsqn scans the journal from its first record, returning the
// index of the last record with asqn <= target (spec §4.E/§6). Returns
// types.ErrNotFound if no record qualifies.
func (r *Reader) SeekToAsqn(target uint64) (uint64, error) {
	st := r.j.loadState()
	if err := r.openSegmentFor(st.firstIndex()); err != nil {
		return 0, err
	}

	var lastFound uint64
	found := false
	for {
		idx, err := r.curR.SeekToAsqn(target)
		if err == nil {
			lastFound = idx
			found = true
			next := r.cur.LastIndex() + 1
			if openErr := r.openSegmentFor(next); openErr != nil {
				break
			}
			continue
		}
		if errors.Is(err, types.ErrNotFound) {
			break
		}
		return 0, err
	}
	if !found {
		return 0, types.ErrNotFound
	}
	return lastFound, nil
}

// Close releases the reader's current segment reader, if any.
func (r *Reader) Close() error {
	if r.cur == nil {
		return nil
	}
	return r.cur.CloseReader(r.curR)
}
