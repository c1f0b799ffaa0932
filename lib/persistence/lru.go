// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persistence

import (
	"log/slog"
	"slices"
	"time"

	"github.com/bureau-foundation/docsync/lib/clock"
)

// CacheSizeUnlimited disables LRU collection.
const CacheSizeUnlimited = -1

// MinimumCacheSize is the smallest collection threshold a client may
// configure.
const MinimumCacheSize = 1 << 20

// LRUParams tunes the LRU garbage collector.
type LRUParams struct {
	// CacheSizeCollectionThreshold is the cache size in bytes above
	// which a collection runs. CacheSizeUnlimited disables collection.
	CacheSizeCollectionThreshold int64 `yaml:"cache_size_bytes"`

	// PercentileToCollect is the share of sequence numbers, in
	// percent, removed by one collection.
	PercentileToCollect int `yaml:"percentile_to_collect"`

	// MaximumSequenceNumbersToCollect caps a single collection.
	MaximumSequenceNumbersToCollect int `yaml:"maximum_sequence_numbers_to_collect"`
}

// DefaultLRUParams collects 10 percent of sequence numbers once the
// cache exceeds 40 MiB.
func DefaultLRUParams() LRUParams {
	return LRUParams{
		CacheSizeCollectionThreshold:    40 << 20,
		PercentileToCollect:             10,
		MaximumSequenceNumbersToCollect: 1000,
	}
}

// LRUResults summarises one collection.
type LRUResults struct {
	HasRun                   bool
	SequenceNumbersCollected int
	TargetsRemoved           int
	DocumentsRemoved         int
	Duration                 time.Duration
}

// LRUSource is what the collector needs from a persistence layer.
type LRUSource interface {
	SequenceNumberCount(txn *Transaction) (int, error)
	ForEachTarget(txn *Transaction, fn func(TargetData) error) error
	ForEachOrphanedDocumentSequenceNumber(txn *Transaction, fn func(SequenceNumber) error) error
	RemoveTargets(txn *Transaction, upperBound SequenceNumber, active map[int]bool) (int, error)
	RemoveOrphanedDocuments(txn *Transaction, upperBound SequenceNumber) (int, error)
	ByteSize(txn *Transaction) (int64, error)
}

// LRUGarbageCollector removes the least recently used targets and
// orphaned documents once the cache grows past a threshold.
type LRUGarbageCollector struct {
	source LRUSource
	params LRUParams
	clock  clock.Clock
	logger *slog.Logger
}

// NewLRUGarbageCollector returns a collector over source. A nil clock
// means the real clock.
func NewLRUGarbageCollector(source LRUSource, params LRUParams, clk clock.Clock, logger *slog.Logger) *LRUGarbageCollector {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LRUGarbageCollector{source: source, params: params, clock: clk, logger: logger}
}

// Params returns the collector's parameters.
func (g *LRUGarbageCollector) Params() LRUParams { return g.params }

// CalculateTargetCount returns how many sequence numbers make up
// percentile percent of those in use.
func (g *LRUGarbageCollector) CalculateTargetCount(txn *Transaction, percentile int) (int, error) {
	count, err := g.source.SequenceNumberCount(txn)
	if err != nil {
		return 0, err
	}
	return count * percentile / 100, nil
}

// NthSequenceNumber returns the nth lowest sequence number in use,
// counting from 1. It returns InvalidSequenceNumber when n is 0.
func (g *LRUGarbageCollector) NthSequenceNumber(txn *Transaction, n int) (SequenceNumber, error) {
	if n == 0 {
		return InvalidSequenceNumber, nil
	}
	var numbers []SequenceNumber
	err := g.source.ForEachTarget(txn, func(data TargetData) error {
		numbers = append(numbers, data.SequenceNumber)
		return nil
	})
	if err != nil {
		return 0, err
	}
	err = g.source.ForEachOrphanedDocumentSequenceNumber(txn, func(sequenceNumber SequenceNumber) error {
		numbers = append(numbers, sequenceNumber)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(numbers) == 0 {
		return InvalidSequenceNumber, nil
	}
	slices.Sort(numbers)
	return numbers[min(n, len(numbers))-1], nil
}

// RemoveTargets removes every target at or below upperBound that is
// not in active.
func (g *LRUGarbageCollector) RemoveTargets(txn *Transaction, upperBound SequenceNumber, active map[int]bool) (int, error) {
	return g.source.RemoveTargets(txn, upperBound, active)
}

// RemoveOrphanedDocuments removes unreferenced documents last used at
// or below upperBound.
func (g *LRUGarbageCollector) RemoveOrphanedDocuments(txn *Transaction, upperBound SequenceNumber) (int, error) {
	return g.source.RemoveOrphanedDocuments(txn, upperBound)
}

// Collect runs a collection if the cache is over its threshold.
// Targets in active are never removed.
func (g *LRUGarbageCollector) Collect(txn *Transaction, active map[int]bool) (LRUResults, error) {
	if g.params.CacheSizeCollectionThreshold == CacheSizeUnlimited {
		g.logger.Debug("lru collection disabled")
		return LRUResults{}, nil
	}
	size, err := g.source.ByteSize(txn)
	if err != nil {
		return LRUResults{}, err
	}
	if size < g.params.CacheSizeCollectionThreshold {
		g.logger.Debug("lru collection skipped",
			"cache_bytes", size,
			"threshold_bytes", g.params.CacheSizeCollectionThreshold,
		)
		return LRUResults{}, nil
	}
	return g.run(txn, active)
}

func (g *LRUGarbageCollector) run(txn *Transaction, active map[int]bool) (LRUResults, error) {
	start := g.clock.Now()
	count, err := g.CalculateTargetCount(txn, g.params.PercentileToCollect)
	if err != nil {
		return LRUResults{}, err
	}
	count = min(count, g.params.MaximumSequenceNumbersToCollect)
	upperBound, err := g.NthSequenceNumber(txn, count)
	if err != nil {
		return LRUResults{}, err
	}
	if upperBound == InvalidSequenceNumber {
		return LRUResults{HasRun: true, Duration: g.clock.Now().Sub(start)}, nil
	}
	targets, err := g.RemoveTargets(txn, upperBound, active)
	if err != nil {
		return LRUResults{}, err
	}
	documents, err := g.RemoveOrphanedDocuments(txn, upperBound)
	if err != nil {
		return LRUResults{}, err
	}
	results := LRUResults{
		HasRun:                   true,
		SequenceNumbersCollected: count,
		TargetsRemoved:           targets,
		DocumentsRemoved:         documents,
		Duration:                 g.clock.Now().Sub(start),
	}
	g.logger.Info("lru collection complete",
		"sequence_numbers", count,
		"upper_bound", int64(upperBound),
		"targets_removed", targets,
		"documents_removed", documents,
		"duration", results.Duration,
	)
	return results, nil
}
