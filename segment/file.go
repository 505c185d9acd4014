// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package segment implements the single-segment layer of the journal:
// the writer that frames and appends records (spec §4.D), the reader
// that validates and yields them (§4.E), and the Segment that binds a
// file to its writer/reader factories (§4.F).
package segment

import (
	"os"

	"github.com/coreos/etcd/pkg/fileutil"
)

// createFile creates a new segment file at path, preallocating
// maxSegmentSize bytes so the filesystem lays it out contiguously ahead
// of the append-heavy write pattern, and takes an advisory exclusive
// lock so a second process cannot also open it for writing.
func createFile(path string, maxSegmentSize int64) (*fileutil.LockedFile, error) {
	lf, err := fileutil.LockFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	if maxSegmentSize > 0 {
		if err := fileutil.Preallocate(lf.File, maxSegmentSize, true); err != nil {
			lf.Close()
			return nil, err
		}
	}
	return lf, nil
}

// openFileForWrite opens an existing segment file for read-write access
// and takes the same advisory lock createFile does, used when recovering
// the tail segment on journal open.
func openFileForWrite(path string) (*fileutil.LockedFile, error) {
	return fileutil.LockFile(path, os.O_RDWR, 0o600)
}

// openFileReadOnly opens an existing, sealed segment file for reads
// only. Sealed segments are never locked for writing since nothing
// appends to them again.
func openFileReadOnly(path string) (*os.File, error) {
	return os.Open(path)
}
