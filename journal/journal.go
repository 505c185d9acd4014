// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/segjournal/segjournal/meta"
	"github.com/segjournal/segjournal/segment"
	"github.com/segjournal/segjournal/types"
)

// Journal is the top-level segmented journal (spec §4.G/§4.H): an
// ordered, gapless chain of segments with exactly one writable tail.
type Journal struct {
	closed uint32 // atomic; keep first for alignment

	dir  string
	name string

	metaStore *meta.Store
	cfg       segment.Config

	logger  log.Logger
	reg     prometheus.Registerer
	metrics *journalMetrics

	// s holds the current *state, swapped atomically by every mutation
	// that changes the segment list. writeMu serializes all mutations
	// (append, rotation, truncation, reset) per spec §5's single
	// exclusive lock; readers load s without taking writeMu.
	s       atomic.Value
	writeMu sync.Mutex
}

// ErrEndOfJournal is returned by a Reader's Next when there is no
// further record anywhere in the journal (as opposed to
// segment.ErrEndOfSegment, which a Reader absorbs internally by
// crossing into the next segment).
var ErrEndOfJournal = errors.New("journal: end of journal")

// Open opens the journal stored in dir, creating it if empty, and
// recovering a torn tail if one is found (spec §4.G's open procedure).
func Open(dir string, opts ...Option) (*Journal, error) {
	j := &Journal{dir: dir}
	for _, opt := range opts {
		opt(j)
	}
	j.applyDefaults()

	ms, err := meta.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("journal: opening meta store: %w", err)
	}
	j.metaStore = ms

	st, err := j.recover()
	if err != nil {
		ms.Close()
		return nil, err
	}
	j.s.Store(&st)

	level.Info(j.logger).Log("msg", "journal opened", "dir", dir, "firstIndex", st.firstIndex(), "lastIndex", st.lastIndex())
	return j, nil
}

// recover implements the open procedure of spec §4.G: scan the
// directory for segment files sorted by segment id, validate the
// descriptor chain has no gaps or overlaps, rescan the tail to discard
// any torn frames, and create a fresh segment if the journal is empty.
func (j *Journal) recover() (state, error) {
	persisted, err := j.metaStore.Load()
	if err != nil {
		return state{}, err
	}
	metaByID := make(map[uint64]types.SegmentInfo, len(persisted.Segments))
	for _, si := range persisted.Segments {
		metaByID[si.ID] = si
	}

	files, err := listSegmentFiles(j.dir, j.name)
	if err != nil {
		return state{}, err
	}
	sort.Slice(files, func(a, b int) bool { return files[a].id < files[b].id })

	st := newState()
	st.nextSegmentID = persisted.NextSegmentID
	if st.nextSegmentID == 0 {
		st.nextSegmentID = 1
	}

	var prevLast uint64
	havePrev := false
	for i, f := range files {
		d, err := readDescriptor(f.path)
		if err != nil {
			return state{}, fmt.Errorf("journal: reading descriptor for segment %d: %w", f.id, err)
		}
		if havePrev && d.FirstIndex != prevLast+1 {
			return state{}, fmt.Errorf("journal: segment %d firstIndex %d does not follow previous lastIndex %d: %w",
				d.SegmentID, d.FirstIndex, prevLast, types.ErrCorruptJournal)
		}

		isTail := i == len(files)-1
		if isTail {
			seg, err := segment.OpenTail(j.dir, j.name, d, j.cfg)
			if err != nil {
				return state{}, fmt.Errorf("journal: recovering tail segment %d: %w", d.SegmentID, err)
			}
			st = st.withSegment(seg)
			st.tail = seg
			prevLast = seg.LastIndex()
			havePrev = true
			continue
		}

		si, known := metaByID[d.SegmentID]
		var size, lastIndex uint64
		if known && si.Sealed {
			size, lastIndex = si.Size, si.MaxIndex
		} else {
			level.Warn(j.logger).Log("msg", "recovering sealed segment with missing or stale metadata", "segment", d.SegmentID)
			size, lastIndex, err = segment.ScanSegment(f.path, d, j.cfg)
			if err != nil {
				return state{}, fmt.Errorf("journal: scanning orphan segment %d: %w", d.SegmentID, err)
			}
		}
		seg := segment.OpenSealed(j.dir, j.name, d, size, lastIndex, j.cfg)
		st = st.withSegment(seg)
		prevLast = lastIndex
		havePrev = true
	}

	if len(files) == 0 {
		d := types.NewDescriptor(st.nextSegmentID, 1, j.cfg.MaxSegmentSize, j.cfg.MaxEntries)
		seg, err := segment.Create(j.dir, j.name, d, j.cfg)
		if err != nil {
			return state{}, fmt.Errorf("journal: creating initial segment: %w", err)
		}
		st.nextSegmentID++
		st = st.withSegment(seg)
		st.tail = seg
		if err := j.metaStore.CommitState(meta.State{NextSegmentID: st.nextSegmentID, Segments: st.persistentSegments()}); err != nil {
			seg.Delete()
			return state{}, fmt.Errorf("journal: committing initial metadata: %w", err)
		}
	}

	return st, nil
}

func (j *Journal) loadState() *state {
	return j.s.Load().(*state)
}

func (j *Journal) commitAndSwap(ns *state) error {
	ms := meta.State{NextSegmentID: ns.nextSegmentID, Segments: ns.persistentSegments()}
	if err := j.metaStore.CommitState(ms); err != nil {
		return fmt.Errorf("journal: committing metadata: %w", err)
	}
	j.s.Store(ns)
	return nil
}

func (j *Journal) checkClosed() error {
	if atomic.LoadUint32(&j.closed) != 0 {
		return types.ErrClosed
	}
	return nil
}

// FirstIndex returns the index of the first record retained by the
// journal.
func (j *Journal) FirstIndex() uint64 { return j.loadState().firstIndex() }

// LastIndex returns the index of the last appended record, or
// FirstIndex()-1 if empty.
func (j *Journal) LastIndex() uint64 { return j.loadState().lastIndex() }

// IsEmpty reports whether the journal holds no records.
func (j *Journal) IsEmpty() bool {
	st := j.loadState()
	return st.lastIndex() < st.firstIndex()
}

// IsOpen reports whether the journal has not been closed.
func (j *Journal) IsOpen() bool { return atomic.LoadUint32(&j.closed) == 0 }

// Flush fsyncs the active segment, the only operation that promises
// durability (spec §5).
func (j *Journal) Flush() error {
	if err := j.checkClosed(); err != nil {
		return err
	}
	return j.loadState().tail.Flush()
}

// Append frames data as a new record with an unspecified asqn and
// appends it to the active segment, rolling to a new segment first if
// necessary (spec §4.G's append procedure).
func (j *Journal) Append(data []byte) (types.Record, error) {
	return j.appendData(data, types.NoAsqn)
}

// AppendWithAsqn is Append but assigns the given asqn. The asqn is
// compared with the last record of the active segment: when that
// record's asqn is specified, asqn must exceed it, or ErrInvalidAsqn is
// returned. Right after a rollover the active segment is empty, and the
// asqn is not compared with the records of earlier segments.
func (j *Journal) AppendWithAsqn(data []byte, asqn uint64) (types.Record, error) {
	if asqn == types.NoAsqn {
		return types.Record{}, fmt.Errorf("journal: asqn must not equal the unspecified sentinel: %w", types.ErrInvalidAsqn)
	}
	return j.appendData(data, asqn)
}

func (j *Journal) appendData(data []byte, asqn uint64) (types.Record, error) {
	if err := j.checkClosed(); err != nil {
		return types.Record{}, err
	}
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	st := *j.loadState()

	if asqn != types.NoAsqn {
		if last, ok := st.tail.Writer().LastRecord(); ok && last.Asqn != types.NoAsqn && asqn <= last.Asqn {
			return types.Record{}, fmt.Errorf("journal: asqn %d does not exceed last asqn %d: %w", asqn, last.Asqn, types.ErrInvalidAsqn)
		}
	}

	rec, err := st.tail.Writer().Append(data, asqn)
	if errors.Is(err, types.ErrOutOfSpace) || (err == nil && st.tail.IsFull()) {
		if err := j.rotateLocked(&st); err != nil {
			return types.Record{}, err
		}
		if errors.Is(err, types.ErrOutOfSpace) {
			rec, err = st.tail.Writer().Append(data, asqn)
			if errors.Is(err, types.ErrOutOfSpace) {
				return types.Record{}, fmt.Errorf("journal: entry of %d bytes exceeds a fresh segment: %w", len(data), types.ErrTooLarge)
			}
		}
	}
	if err != nil {
		return types.Record{}, err
	}

	j.metrics.appends.Inc()
	j.metrics.entriesWritten.Inc()
	j.metrics.entryBytesWritten.Add(float64(len(data)))
	return rec, nil
}

// AppendRecord appends a pre-framed record from the replication path
// (spec §4.D's "append(existingRecord)", surfaced at the journal level
// per §12). A record identical to the one already stored at an index
// below the last index leaves the journal unchanged. If the record
// conflicts with what is currently on disk at an earlier, already-sealed
// segment, that segment and everything after it is truncated and
// reopened for writing first.
func (j *Journal) AppendRecord(rec types.Record) error {
	if err := j.checkClosed(); err != nil {
		return err
	}
	if rec.Index == 0 {
		return fmt.Errorf("journal: record index 0 is not valid: %w", types.ErrInvalidIndex)
	}

	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	st := *j.loadState()

	if rec.Index < st.lastIndex() {
		if seg, ok := st.segmentFor(rec.Index); ok {
			if sr, err := seg.OpenReader(); err == nil {
				rerr := sr.Reset(rec.Index, seg.Index())
				existing, nerr := sr.Next()
				seg.CloseReader(sr)
				if rerr == nil && nerr == nil && existing.Equal(rec) {
					return nil
				}
			}
		}
	}

	if rec.Index < st.tail.FirstIndex() {
		if err := j.deleteAfterLocked(&st, rec.Index-1); err != nil {
			return err
		}
	}

	err := st.tail.Writer().AppendRecord(rec)
	if errors.Is(err, types.ErrOutOfSpace) {
		if err := j.rotateLocked(&st); err != nil {
			return err
		}
		err = st.tail.Writer().AppendRecord(rec)
	}
	if err != nil {
		return err
	}

	j.metrics.appends.Inc()
	j.metrics.entriesWritten.Inc()
	j.metrics.entryBytesWritten.Add(float64(len(rec.Data)))
	return nil
}

// rotateLocked seals st.tail and creates a fresh active segment,
// committing the new segment list before updating *st. Must be called
// with writeMu held.
func (j *Journal) rotateLocked(st *state) error {
	old := st.tail
	if err := old.Seal(); err != nil {
		return fmt.Errorf("journal: sealing segment %d: %w", old.ID(), err)
	}

	newFirst := old.LastIndex() + 1
	d := types.NewDescriptor(st.nextSegmentID, newFirst, j.cfg.MaxSegmentSize, j.cfg.MaxEntries)
	seg, err := segment.Create(j.dir, j.name, d, j.cfg)
	if err != nil {
		return fmt.Errorf("journal: creating segment %d: %w", d.SegmentID, err)
	}

	ns := st.withSegment(seg)
	ns.nextSegmentID = st.nextSegmentID + 1
	ns.tail = seg

	if err := j.commitAndSwap(&ns); err != nil {
		seg.Delete()
		return err
	}
	*st = ns

	j.metrics.segmentRotations.Inc()
	if created := old.CreatedAt(); !created.IsZero() {
		j.metrics.lastSegmentAgeSeconds.Set(time.Since(created).Seconds())
	}
	level.Info(j.logger).Log("msg", "segment sealed", "segment", old.ID(), "lastIndex", old.LastIndex())
	return nil
}

// DeleteAfter truncates the journal's tail to index: frames after index
// are zero-filled and whole segments entirely after index are deleted
// (spec §4.G's deleteAfter).
func (j *Journal) DeleteAfter(index uint64) error {
	if err := j.checkClosed(); err != nil {
		return err
	}
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	st := *j.loadState()
	if index >= st.lastIndex() {
		return nil
	}
	err := j.deleteAfterLocked(&st, index)
	j.metrics.truncations.WithLabelValues("back", strconv.FormatBool(err == nil)).Inc()
	return err
}

// deleteAfterLocked does the work of DeleteAfter (and of AppendRecord's
// conflict resolution path). Must be called with writeMu held.
func (j *Journal) deleteAfterLocked(st *state, index uint64) error {
	var toDelete []*segment.Segment
	ns := *st
	for i := len(st.order) - 1; i >= 0; i-- {
		fi := st.order[i]
		if fi <= index {
			break
		}
		seg, ok := st.segments.Get(fi)
		if !ok {
			continue
		}
		toDelete = append(toDelete, seg)
		ns = ns.withoutSegment(fi)
	}

	target, ok := ns.segmentFor(index)
	if !ok {
		return fmt.Errorf("journal: no segment retains index %d: %w", index, types.ErrInvalidIndex)
	}
	if err := target.Unseal(); err != nil {
		return err
	}
	var truncatedCount uint64
	if last := target.LastIndex(); last > index {
		truncatedCount = last - index
	}
	if err := target.Writer().Truncate(index); err != nil {
		return fmt.Errorf("journal: truncating segment %d to index %d: %w", target.ID(), index, err)
	}
	ns.tail = target

	if err := j.commitAndSwap(&ns); err != nil {
		return err
	}
	*st = ns

	for _, seg := range toDelete {
		truncatedCount += seg.LastIndex() - seg.FirstIndex() + 1
		if err := seg.Delete(); err != nil {
			level.Warn(j.logger).Log("msg", "failed deleting truncated segment", "segment", seg.ID(), "err", err)
		}
	}
	j.metrics.entriesTruncated.WithLabelValues("back").Add(float64(truncatedCount))
	return nil
}

// DeleteUntil retires whole sealed segments whose lastIndex < index;
// the segment containing index is retained in full (spec §4.G's
// deleteUntil).
func (j *Journal) DeleteUntil(index uint64) error {
	if err := j.checkClosed(); err != nil {
		return err
	}
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	st := *j.loadState()
	ns := st
	var toDelete []*segment.Segment
	var truncatedCount uint64
	for _, fi := range st.order {
		seg, ok := st.segments.Get(fi)
		if !ok {
			continue
		}
		if !seg.Sealed() || seg.LastIndex() >= index {
			break
		}
		toDelete = append(toDelete, seg)
		truncatedCount += seg.LastIndex() - seg.FirstIndex() + 1
		ns = ns.withoutSegment(fi)
	}
	if len(toDelete) == 0 {
		return nil
	}

	if err := j.commitAndSwap(&ns); err != nil {
		j.metrics.truncations.WithLabelValues("front", "false").Inc()
		return err
	}

	for _, seg := range toDelete {
		if err := seg.Delete(); err != nil {
			level.Warn(j.logger).Log("msg", "failed deleting retired segment", "segment", seg.ID(), "err", err)
		}
	}
	j.metrics.entriesTruncated.WithLabelValues("front").Add(float64(truncatedCount))
	j.metrics.truncations.WithLabelValues("front", "true").Inc()
	return nil
}

// Reset atomically discards every segment and starts a fresh journal
// whose first record will be assigned newFirstIndex (spec §4.G's
// reset). Readers holding positions from before the reset must re-open.
func (j *Journal) Reset(newFirstIndex uint64) error {
	if err := j.checkClosed(); err != nil {
		return err
	}
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	old := *j.loadState()
	oldSegments := old.allSegments()

	ns := newState()
	ns.nextSegmentID = old.nextSegmentID
	d := types.NewDescriptor(ns.nextSegmentID, newFirstIndex, j.cfg.MaxSegmentSize, j.cfg.MaxEntries)
	seg, err := segment.Create(j.dir, j.name, d, j.cfg)
	if err != nil {
		return fmt.Errorf("journal: creating reset segment: %w", err)
	}
	ns.nextSegmentID++
	ns = ns.withSegment(seg)
	ns.tail = seg

	if err := j.commitAndSwap(&ns); err != nil {
		seg.Delete()
		return err
	}

	for _, old := range oldSegments {
		if err := old.Delete(); err != nil {
			level.Warn(j.logger).Log("msg", "failed deleting segment during reset", "segment", old.ID(), "err", err)
		}
	}
	level.Info(j.logger).Log("msg", "journal reset", "newFirstIndex", newFirstIndex)
	return nil
}

// Close closes every segment and the metadata store. The journal must
// not be used again afterward; it is safe to call more than once.
func (j *Journal) Close() error {
	if !atomic.CompareAndSwapUint32(&j.closed, 0, 1) {
		return nil
	}
	j.writeMu.Lock()
	defer j.writeMu.Unlock()

	st := j.loadState()
	var firstErr error
	for _, seg := range st.allSegments() {
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := j.metaStore.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

type segmentFile struct {
	id   uint64
	path string
}

func listSegmentFiles(dir, name string) ([]segmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("journal: reading directory %s: %w", dir, err)
	}
	prefix := name + "-"
	var files []segmentFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		nm := e.Name()
		if !strings.HasPrefix(nm, prefix) || !strings.HasSuffix(nm, ".log") {
			continue
		}
		idStr := strings.TrimSuffix(strings.TrimPrefix(nm, prefix), ".log")
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			continue
		}
		files = append(files, segmentFile{id: id, path: filepath.Join(dir, nm)})
	}
	return files, nil
}

func readDescriptor(path string) (types.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return types.Descriptor{}, err
	}
	defer f.Close()
	buf := make([]byte, types.DescriptorLen)
	if _, err := io.ReadFull(f, buf); err != nil {
		return types.Descriptor{}, fmt.Errorf("journal: reading descriptor: %w", err)
	}
	return types.DecodeDescriptor(buf)
}
