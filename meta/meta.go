// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package meta is the durable metadata store behind the segmented
// journal: the list of known segments and the next segment id to
// allocate, committed to a small embedded database (bbolt). The journal
// commits it after creating, sealing or truncating a segment file and
// before deleting any segment file. This gives the journal's open
// procedure (spec §4.G) a cross-check against what it finds scanning
// the directory, and lets it reconcile the rare case of a crash after a
// segment file was created or sealed but before the commit.
package meta

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/segjournal/segjournal/types"
)

var (
	bucketSegments = []byte("segments")
	bucketMeta     = []byte("meta")
	keyNextSegment = []byte("next_segment_id")
)

// State is the full persisted view of the journal's segment chain.
type State struct {
	NextSegmentID uint64
	Segments      []types.SegmentInfo
}

// Store is a durable key-value metadata store backed by bbolt.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the metadata database file
// "<dir>/meta.db".
func Open(dir string) (*Store, error) {
	db, err := bolt.Open(filepath.Join(dir, "meta.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("journal: opening meta store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSegments); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: initializing meta buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Load reads the persisted state. A never-before-used store returns a
// zero-value State with NextSegmentID 1.
func (s *Store) Load() (State, error) {
	var st State
	st.NextSegmentID = 1

	err := s.db.View(func(tx *bolt.Tx) error {
		mb := tx.Bucket(bucketMeta)
		if v := mb.Get(keyNextSegment); v != nil {
			st.NextSegmentID = binary.BigEndian.Uint64(v)
		}

		sb := tx.Bucket(bucketSegments)
		return sb.ForEach(func(k, v []byte) error {
			var si types.SegmentInfo
			if err := json.Unmarshal(v, &si); err != nil {
				return fmt.Errorf("journal: decoding segment meta for key %x: %w", k, err)
			}
			st.Segments = append(st.Segments, si)
			return nil
		})
	})
	if err != nil {
		return State{}, err
	}
	return st, nil
}

// CommitState persists the full segment list and next-segment-id
// atomically (a single bbolt transaction), replacing whatever was
// previously stored. The journal calls it after creating a segment file
// and before removing one, per the package doc's crash-safety ordering.
func (s *Store) CommitState(st State) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(bucketSegments)
		if err := deleteAllKeys(tx, bucketSegments); err != nil {
			return err
		}
		for _, si := range st.Segments {
			v, err := json.Marshal(si)
			if err != nil {
				return fmt.Errorf("journal: encoding segment meta for id %d: %w", si.ID, err)
			}
			if err := sb.Put(segmentKey(si.ID), v); err != nil {
				return err
			}
		}

		mb := tx.Bucket(bucketMeta)
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], st.NextSegmentID)
		return mb.Put(keyNextSegment, buf[:])
	})
}

func deleteAllKeys(tx *bolt.Tx, bucket []byte) error {
	b := tx.Bucket(bucket)
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.First() {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func segmentKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}
