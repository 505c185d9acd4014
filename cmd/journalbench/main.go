// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Command journalbench drives a configurable-rate append load against a
// journal directory and reports the resulting latency distribution,
// mirroring the load-generation half of the reference module's bench
// tooling (the other half, BenchmarkAppend/BenchmarkRead, lives under
// bench/ as ordinary Go benchmarks).
package main

import (
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/benmathews/bench"
	hdrhistogramwriter "github.com/benmathews/hdrhistogram-writer"

	"github.com/segjournal/segjournal/journal"
)

// appendRequester performs one synchronous append per Request call. A
// fresh one is handed to each concurrent worker so data buffers aren't
// shared across goroutines.
type appendRequester struct {
	j    *journal.Journal
	data []byte
}

func (r *appendRequester) Setup() error    { return nil }
func (r *appendRequester) Teardown() error { return nil }

func (r *appendRequester) Request() error {
	_, err := r.j.Append(r.data)
	return err
}

type appendFactory struct {
	j         *journal.Journal
	entrySize int
}

func (f *appendFactory) GetRequester(uint64) bench.Requester {
	return &appendRequester{j: f.j, data: make([]byte, f.entrySize)}
}

func main() {
	dir := flag.String("dir", "", "journal directory (required)")
	entrySize := flag.Int("entry-size", 256, "payload size in bytes")
	segmentSize := flag.Uint64("segment-size", journal.DefaultMaxSegmentSize, "segment rollover size in bytes")
	rate := flag.Uint64("rate", 1000, "target appends per second")
	workers := flag.Uint64("workers", 4, "concurrent appending workers")
	duration := flag.Duration("duration", 10*time.Second, "benchmark duration")
	reportPath := flag.String("report", "append-latency.hgrm", "latency histogram report path")
	flag.Parse()

	if *dir == "" {
		log.Fatal("journalbench: -dir is required")
	}

	j, err := journal.Open(*dir, journal.WithSegmentSize(*segmentSize))
	if err != nil {
		log.Fatalf("journalbench: opening journal: %s", err)
	}
	defer j.Close()

	b := bench.NewBenchmark(&appendFactory{j: j, entrySize: *entrySize}, *rate, *workers, time.Second, *duration)
	summary, err := b.Run()
	if err != nil {
		log.Fatalf("journalbench: running benchmark: %s", err)
	}

	fmt.Printf("journalbench: ran %s, %d successes, %d errors\n", summary.RunTime(), summary.SuccessTotal(), summary.ErrorTotal())

	percentiles := []float64{50, 90, 99, 99.9, 99.99}
	if err := hdrhistogramwriter.WriteDistributionFile(summary.Histogram, percentiles, 1.0, *reportPath); err != nil {
		log.Fatalf("journalbench: writing latency report: %s", err)
	}
	fmt.Printf("journalbench: wrote latency distribution to %s\n", *reportPath)
}
