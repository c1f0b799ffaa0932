// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/bureau-foundation/docsync/lib/asyncqueue"
	"github.com/bureau-foundation/docsync/lib/persistence"
)

// GCSchedule is when GCScheduler runs collections.
type GCSchedule struct {
	// InitialDelay is the wait before the first collection.
	InitialDelay time.Duration `yaml:"initial_delay"`

	// RegularDelay is the wait between collections.
	RegularDelay time.Duration `yaml:"regular_delay"`
}

// DefaultGCSchedule collects one minute after start and every five
// minutes after that.
func DefaultGCSchedule() GCSchedule {
	return GCSchedule{InitialDelay: time.Minute, RegularDelay: 5 * time.Minute}
}

// GCScheduler runs LRU garbage collection on the async queue.
type GCScheduler struct {
	queue     *asyncqueue.Queue
	store     *LocalStore
	collector *persistence.LRUGarbageCollector
	schedule  GCSchedule
	logger    *slog.Logger

	task *asyncqueue.DelayedOperation
}

// NewGCScheduler returns a scheduler for collector. A nil collector
// (eager garbage collection) makes Start a no-op.
func NewGCScheduler(queue *asyncqueue.Queue, store *LocalStore, collector *persistence.LRUGarbageCollector, schedule GCSchedule, logger *slog.Logger) *GCScheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &GCScheduler{
		queue:     queue,
		store:     store,
		collector: collector,
		schedule:  schedule,
		logger:    logger,
	}
}

// Start schedules the first collection. Must be called on the queue.
func (g *GCScheduler) Start() {
	if g.collector == nil || g.collector.Params().CacheSizeCollectionThreshold == persistence.CacheSizeUnlimited {
		return
	}
	g.scheduleCollection(g.schedule.InitialDelay)
}

// Stop cancels the pending collection. Must be called on the queue.
func (g *GCScheduler) Stop() {
	if g.task != nil {
		g.task.Cancel()
		g.task = nil
	}
}

// Started reports whether a collection is scheduled.
func (g *GCScheduler) Started() bool { return g.task != nil }

func (g *GCScheduler) scheduleCollection(delay time.Duration) {
	g.logger.Debug("garbage collection scheduled", "delay", delay)
	g.task = g.queue.EnqueueAfterDelay(asyncqueue.TimerGarbageCollection, delay, func() {
		g.task = nil
		results, err := g.store.CollectGarbage(context.Background(), g.collector)
		if err != nil {
			if !persistence.IsTransient(err) {
				g.logger.Error("garbage collection failed", "error", err)
			} else {
				g.logger.Warn("garbage collection deferred", "error", err)
			}
		} else if results.HasRun {
			g.logger.Debug("garbage collection ran",
				"targets_removed", results.TargetsRemoved,
				"documents_removed", results.DocumentsRemoved,
				"duration", results.Duration,
			)
		}
		g.scheduleCollection(g.schedule.RegularDelay)
	})
}
