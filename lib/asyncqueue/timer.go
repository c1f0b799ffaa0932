// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package asyncqueue

// TimerID names a class of delayed operation.
type TimerID string

const (
	// TimerAll matches every delayed operation in
	// RunAllDelayedOperationsUntil.
	TimerAll TimerID = "all"

	TimerListenStreamIdle              TimerID = "listen_stream_idle"
	TimerListenStreamConnectionBackoff TimerID = "listen_stream_connection_backoff"
	TimerWriteStreamIdle               TimerID = "write_stream_idle"
	TimerWriteStreamConnectionBackoff  TimerID = "write_stream_connection_backoff"
	TimerHealthCheckTimeout            TimerID = "health_check_timeout"
	TimerOnlineStateTimeout            TimerID = "online_state_timeout"
	TimerGarbageCollection             TimerID = "garbage_collection"
	TimerIndexBackfill                 TimerID = "index_backfill"
	TimerRetryTransaction              TimerID = "retry_transaction"
	TimerAsyncQueueRetry               TimerID = "async_queue_retry"
	TimerCheckpoint                    TimerID = "checkpoint"
)
