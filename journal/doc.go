// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Package journal is the public facade over a segmented, append-only
// journal: an ordered sequence of segments (package segment), each a
// fixed-cap file of checksummed, monotonically indexed records. It
// assumes a single writer and arbitrarily many concurrent readers
// (spec §5), persists its segment list durably via the meta package
// after creating or truncating a segment file and before deleting any,
// and recovers a torn tail automatically on Open.
package journal
