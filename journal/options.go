// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package journal

import (
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/segjournal/segjournal/types"
)

// Defaults per the external interface (spec §6).
const (
	DefaultIndexDensity   = 5
	DefaultMaxSegmentSize = 32 * 1024 * 1024
	DefaultMaxEntrySize   = 1024 * 1024
)

// Option configures a Journal at Open time.
type Option func(*Journal)

// WithName sets the file-naming prefix ("<name>-<segmentId>.log"). The
// default is "journal".
func WithName(name string) Option {
	return func(j *Journal) { j.name = name }
}

// WithSegmentSize sets the byte cap at which the active segment is
// sealed and rolled over.
func WithSegmentSize(n uint64) Option {
	return func(j *Journal) { j.cfg.MaxSegmentSize = n }
}

// WithMaxEntrySize sets the largest single record payload accepted.
func WithMaxEntrySize(n uint64) Option {
	return func(j *Journal) { j.cfg.MaxEntrySize = n }
}

// WithMaxEntries sets the entry-count cap at which the active segment
// is sealed and rolled over, in addition to WithSegmentSize. Zero (the
// default) means unbounded.
func WithMaxEntries(n uint64) Option {
	return func(j *Journal) { j.cfg.MaxEntries = n }
}

// WithIndexDensity sets how often (every k-th record) the sparse index
// records an offset.
func WithIndexDensity(n uint64) Option {
	return func(j *Journal) { j.cfg.IndexDensity = n }
}

// WithCodec overrides the wire codec used to encode/decode frame
// payloads. The default is types.BinaryCodec.
func WithCodec(c types.Codec) Option {
	return func(j *Journal) { j.cfg.Codec = c }
}

// WithLogger sets the structured logger used for recovery and lifecycle
// events. The default is a no-op logger.
func WithLogger(l log.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// WithMetricsRegisterer sets the Prometheus registerer metrics are
// registered against. The default is a private, unregistered registry
// so multiple journals can coexist in a process (or test) without
// colliding on metric names.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(j *Journal) { j.reg = r }
}

func (j *Journal) applyDefaults() {
	if j.name == "" {
		j.name = "journal"
	}
	if j.cfg.IndexDensity == 0 {
		j.cfg.IndexDensity = DefaultIndexDensity
	}
	if j.cfg.MaxSegmentSize == 0 {
		j.cfg.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if j.cfg.MaxEntrySize == 0 {
		j.cfg.MaxEntrySize = DefaultMaxEntrySize
	}
	if j.logger == nil {
		j.logger = log.NewNopLogger()
	}
	if j.reg == nil {
		j.reg = prometheus.NewRegistry()
	}
	j.metrics = newJournalMetrics(j.reg)
}
