// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/docsync/lib/asyncqueue"
	"github.com/bureau-foundation/docsync/lib/checkpoint"
	"github.com/bureau-foundation/docsync/lib/persistence"
)

// ErrCheckpointsDisabled is returned by Checkpoint when the client has
// no checkpoint path configured.
var ErrCheckpointsDisabled = errors.New("docsync: checkpoints are disabled")

// restoreCheckpoint loads the newest checkpoint of this client into the
// persistence before it starts. A missing or corrupt checkpoint leaves
// the cache empty.
func (c *Client) restoreCheckpoint(ctx context.Context) error {
	if c.checkpoints == nil {
		return nil
	}
	snapshot, info, err := c.checkpoints.Latest(ctx, c.clientID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		c.logger.Debug("no checkpoint to restore")
		return nil
	case errors.Is(err, checkpoint.ErrCorrupt):
		c.logger.Warn("ignoring corrupt checkpoint", "error", err)
		return nil
	case err != nil:
		return fmt.Errorf("reading checkpoint: %w", err)
	}
	if err := c.persistence.Restore(snapshot); err != nil {
		c.logger.Warn("ignoring unrestorable checkpoint", "checkpoint_id", info.ID, "error", err)
		return nil
	}
	c.logger.Info("restored checkpoint",
		"checkpoint_id", info.ID,
		"created_at", info.CreatedAt,
		"documents", len(snapshot.Documents),
		"targets", len(snapshot.Targets),
	)
	return nil
}

// Checkpoint saves the current cache, targets and pending writes. A
// client started later with the same ClientID resumes from it.
func (c *Client) Checkpoint(ctx context.Context) (checkpoint.Info, error) {
	if c.checkpoints == nil {
		return checkpoint.Info{}, ErrCheckpointsDisabled
	}
	var snapshot *persistence.Snapshot
	err := c.run(ctx, func(context.Context) error {
		var err error
		snapshot, err = c.persistence.Snapshot()
		return err
	})
	if err != nil {
		return checkpoint.Info{}, err
	}
	return c.saveCheckpoint(ctx, snapshot)
}

// saveCheckpoint writes snapshot off the queue. Saves are serialized so
// retention pruning sees them in order.
func (c *Client) saveCheckpoint(ctx context.Context, snapshot *persistence.Snapshot) (checkpoint.Info, error) {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	info, err := c.checkpoints.Save(ctx, c.clientID, snapshot)
	if err != nil {
		return checkpoint.Info{}, err
	}
	c.logger.Debug("checkpoint saved", "checkpoint_id", info.ID, "size", info.Size, "stored_size", info.StoredSize)
	return info, nil
}

// scheduleCheckpoint arms the periodic checkpoint. It runs on the
// queue.
func (c *Client) scheduleCheckpoint() {
	interval := c.config.Checkpoint.Interval
	if c.checkpoints == nil || interval <= 0 {
		return
	}
	c.checkpointTask = c.queue.EnqueueAfterDelay(asyncqueue.TimerCheckpoint, interval, func() {
		c.checkpointTask = nil
		snapshot, err := c.persistence.Snapshot()
		if err != nil {
			c.logger.Error("periodic checkpoint failed", "error", err)
		} else {
			c.saves.Add(1)
			go func() {
				defer c.saves.Done()
				if _, err := c.saveCheckpoint(context.Background(), snapshot); err != nil {
					c.logger.Error("periodic checkpoint failed", "error", err)
				}
			}()
		}
		c.scheduleCheckpoint()
	})
}
