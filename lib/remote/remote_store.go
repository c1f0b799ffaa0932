// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/docsync/lib/asyncqueue"
	"github.com/bureau-foundation/docsync/lib/credentials"
	"github.com/bureau-foundation/docsync/lib/model"
	"github.com/bureau-foundation/docsync/lib/mutation"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/status"
)

// DefaultMaxPendingWrites is how many batches may be in flight on the
// write stream at once.
const DefaultMaxPendingWrites = 10

// LocalStore is the part of the local store the remote store reads.
type LocalStore interface {
	// NextMutationBatch returns the first queued batch with an id
	// greater than afterBatchID, or nil.
	NextMutationBatch(ctx context.Context, afterBatchID int) (*mutation.Batch, error)

	// LastRemoteSnapshotVersion is the version of the last applied
	// remote event.
	LastRemoteSnapshotVersion(ctx context.Context) (model.SnapshotVersion, error)

	// SetLastStreamToken records the write stream token.
	SetLastStreamToken(ctx context.Context, token []byte) error
}

// RemoteSyncer receives the results of remote activity. The sync
// engine implements it. Methods are called on the queue.
type RemoteSyncer interface {
	ApplyRemoteEvent(ctx context.Context, event RemoteEvent) error

	// RejectListen reports that the backend removed a target with an
	// error.
	RejectListen(ctx context.Context, targetID int, err error) error

	ApplySuccessfulWrite(ctx context.Context, result *mutation.BatchResult) error
	RejectFailedWrite(ctx context.Context, batchID int, err error) error

	// RemoteKeysForTarget returns the keys the backend last reported
	// as matching targetID, including limbo targets.
	RemoteKeysForTarget(targetID int) model.DocumentKeySet

	HandleCredentialChange(ctx context.Context, user credentials.User) error

	ApplyOnlineStateChange(state OnlineState)
}

// offlineCause is a reason the remote store must not use the network.
// The network is used only when there are none.
type offlineCause int

const (
	causeUserDisabled offlineCause = iota
	causePersistenceFailed
	causeConnectivityChange
	causeCredentialChange
	causeShutdown
)

// Config holds the remote store's tuning.
type Config struct {
	Database         DatabaseID        `yaml:"database"`
	MaxPendingWrites int               `yaml:"max_pending_writes"`
	Streams          StreamConfig      `yaml:"streams"`
	OnlineState      OnlineStateConfig `yaml:"online_state"`
	Logger           *slog.Logger      `yaml:"-"`
}

// DefaultConfig returns the default remote store configuration.
func DefaultConfig() Config {
	return Config{
		MaxPendingWrites: DefaultMaxPendingWrites,
		Streams:          DefaultStreamConfig(),
		OnlineState:      DefaultOnlineStateConfig(),
	}
}

// RemoteStore owns the watch and write streams. It keeps the set of
// active listen targets and re-sends them whenever the watch stream
// reconnects, folds watch changes into RemoteEvents for the syncer,
// and feeds queued mutation batches through the write stream in
// order. All methods must be called on the queue.
type RemoteStore struct {
	queue      *asyncqueue.Queue
	localStore LocalStore
	syncer     RemoteSyncer
	serializer *Serializer
	config     Config
	logger     *slog.Logger

	watchStream *WatchStream
	writeStream *WriteStream
	aggregator  *WatchChangeAggregator
	onlineState *OnlineStateTracker

	listenTargets map[int]persistence.TargetData
	writePipeline []*mutation.Batch
	offlineCauses map[offlineCause]bool
}

// NewRemoteStore returns a remote store with the network disabled
// until Start.
func NewRemoteStore(
	queue *asyncqueue.Queue,
	connection Connection,
	localStore LocalStore,
	syncer RemoteSyncer,
	provider credentials.Provider,
	appCheck credentials.AppCheck,
	config Config,
) *RemoteStore {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.MaxPendingWrites <= 0 {
		config.MaxPendingWrites = DefaultMaxPendingWrites
	}
	r := &RemoteStore{
		queue:         queue,
		localStore:    localStore,
		syncer:        syncer,
		serializer:    NewSerializer(config.Database),
		config:        config,
		logger:        logger,
		listenTargets: make(map[int]persistence.TargetData),
		offlineCauses: map[offlineCause]bool{causeShutdown: true},
	}
	r.watchStream = NewWatchStream(queue, connection, r.serializer, provider, appCheck, config.Streams, r, logger)
	r.writeStream = NewWriteStream(queue, connection, r.serializer, provider, appCheck, config.Streams, r, logger)
	r.onlineState = NewOnlineStateTracker(queue, config.OnlineState, syncer.ApplyOnlineStateChange, logger)
	return r
}

// Serializer returns the serializer for the store's database.
func (r *RemoteStore) Serializer() *Serializer { return r.serializer }

// OnlineState returns the current online state.
func (r *RemoteStore) OnlineState() OnlineState { return r.onlineState.State() }

// Start enables the network.
func (r *RemoteStore) Start(ctx context.Context) {
	delete(r.offlineCauses, causeShutdown)
	r.enableNetworkInternal(ctx)
}

// EnableNetwork re-enables the network after DisableNetwork.
func (r *RemoteStore) EnableNetwork(ctx context.Context) {
	delete(r.offlineCauses, causeUserDisabled)
	r.enableNetworkInternal(ctx)
}

// DisableNetwork stops both streams and reports Offline until
// EnableNetwork.
func (r *RemoteStore) DisableNetwork() {
	r.offlineCauses[causeUserDisabled] = true
	r.disableNetworkInternal()
	r.onlineState.Set(Offline)
}

// Shutdown stops both streams permanently.
func (r *RemoteStore) Shutdown() {
	r.logger.Debug("remote store shutting down")
	r.offlineCauses[causeShutdown] = true
	r.disableNetworkInternal()
	r.onlineState.Set(OnlineUnknown)
}

// HandleNetworkReachabilityChange restarts the streams after the
// host's network changed, skipping the reconnect backoff.
func (r *RemoteStore) HandleNetworkReachabilityChange(ctx context.Context, reachable bool) {
	if !r.canUseNetwork() {
		return
	}
	r.logger.Debug("restarting streams for network reachability change", "reachable", reachable)
	r.offlineCauses[causeConnectivityChange] = true
	r.disableNetworkInternal()
	r.onlineState.Set(OnlineUnknown)
	delete(r.offlineCauses, causeConnectivityChange)
	r.enableNetworkInternal(ctx)
}

// HandleCredentialChange restarts the streams under a new user. The
// syncer switches its local state while the network is down.
func (r *RemoteStore) HandleCredentialChange(ctx context.Context, user credentials.User) error {
	r.logger.Debug("restarting streams for credential change", "user", user.String())
	r.offlineCauses[causeCredentialChange] = true
	r.disableNetworkInternal()
	r.onlineState.Set(OnlineUnknown)
	if err := r.syncer.HandleCredentialChange(ctx, user); err != nil {
		return err
	}
	delete(r.offlineCauses, causeCredentialChange)
	r.enableNetworkInternal(ctx)
	return nil
}

func (r *RemoteStore) canUseNetwork() bool { return len(r.offlineCauses) == 0 }

func (r *RemoteStore) enableNetworkInternal(ctx context.Context) {
	if !r.canUseNetwork() {
		return
	}
	if r.shouldStartWatchStream() {
		r.startWatchStream()
	} else {
		r.onlineState.Set(OnlineUnknown)
	}
	r.fillWritePipeline(ctx)
}

func (r *RemoteStore) disableNetworkInternal() {
	r.writeStream.Stop()
	r.watchStream.Stop()
	if len(r.writePipeline) > 0 {
		r.logger.Debug("dropping write pipeline", "batches", len(r.writePipeline))
		r.writePipeline = nil
	}
	r.aggregator = nil
}

// Listen starts listening to a target. Listening to a target that is
// already being listened to does nothing.
func (r *RemoteStore) Listen(targetData persistence.TargetData) {
	if _, ok := r.listenTargets[targetData.TargetID]; ok {
		return
	}
	r.listenTargets[targetData.TargetID] = targetData
	if r.shouldStartWatchStream() {
		r.startWatchStream()
	} else if r.watchStream.IsOpen() {
		r.sendWatchRequest(targetData)
	}
}

// Unlisten stops listening to a target.
func (r *RemoteStore) Unlisten(targetID int) {
	_, ok := r.listenTargets[targetID]
	status.Assert(ok, "unlisten of unknown target %d", targetID)
	delete(r.listenTargets, targetID)
	if r.watchStream.IsOpen() {
		r.sendUnwatchRequest(targetID)
	}
	if len(r.listenTargets) == 0 {
		if r.watchStream.IsOpen() {
			r.watchStream.MarkIdle()
		} else if r.canUseNetwork() {
			// Nothing to wait for; stop claiming to be offline.
			r.onlineState.Set(OnlineUnknown)
		}
	}
}

// TargetDataForTarget implements TargetMetadataProvider.
func (r *RemoteStore) TargetDataForTarget(targetID int) (persistence.TargetData, bool) {
	targetData, ok := r.listenTargets[targetID]
	return targetData, ok
}

// RemoteKeysForTarget implements TargetMetadataProvider.
func (r *RemoteStore) RemoteKeysForTarget(targetID int) model.DocumentKeySet {
	return r.syncer.RemoteKeysForTarget(targetID)
}

func (r *RemoteStore) sendWatchRequest(targetData persistence.TargetData) {
	r.aggregator.RecordPendingTargetRequest(targetData.TargetID)
	if len(targetData.ResumeToken) > 0 || targetData.SnapshotVersion.After(model.MinVersion) {
		expected := r.syncer.RemoteKeysForTarget(targetData.TargetID).Len()
		targetData = targetData.WithExpectedCount(expected)
	}
	r.watchStream.Watch(targetData)
}

func (r *RemoteStore) sendUnwatchRequest(targetID int) {
	r.aggregator.RecordPendingTargetRequest(targetID)
	r.watchStream.Unwatch(targetID)
}

func (r *RemoteStore) shouldStartWatchStream() bool {
	return r.canUseNetwork() && !r.watchStream.IsStarted() && len(r.listenTargets) > 0
}

func (r *RemoteStore) startWatchStream() {
	status.Assert(r.shouldStartWatchStream(), "starting watch stream when it should not be")
	r.aggregator = NewWatchChangeAggregator(r, r.serializer, r.logger)
	r.watchStream.Start()
	r.onlineState.HandleWatchStreamStart()
}

// OnWatchStreamOpen implements WatchStreamListener.
func (r *RemoteStore) OnWatchStreamOpen() {
	for _, targetData := range r.listenTargets {
		r.sendWatchRequest(targetData)
	}
}

// OnWatchStreamClose implements WatchStreamListener.
func (r *RemoteStore) OnWatchStreamClose(err error) {
	if err == nil {
		status.Assert(!r.shouldStartWatchStream(), "watch stream closed cleanly with targets still listening")
	}
	r.aggregator = nil
	if r.shouldStartWatchStream() {
		r.onlineState.HandleWatchStreamFailure(err)
		r.startWatchStream()
	} else {
		r.onlineState.Set(OnlineUnknown)
	}
}

// OnWatchStreamChange implements WatchStreamListener.
func (r *RemoteStore) OnWatchStreamChange(change WatchChange, snapshotVersion model.SnapshotVersion) {
	ctx := context.Background()
	r.onlineState.Set(Online)

	if targetChange, ok := change.(*WatchTargetChange); ok && targetChange.State == TargetRemoved && targetChange.Cause != nil {
		if err := r.handleTargetError(ctx, targetChange); err != nil {
			r.disableNetworkUntilRecovery(ctx, err, func() error { return nil })
		}
		return
	}

	switch typed := change.(type) {
	case *DocumentWatchChange:
		r.aggregator.HandleDocumentChange(typed)
	case *ExistenceFilterChange:
		r.aggregator.HandleExistenceFilter(typed)
	case *WatchTargetChange:
		r.aggregator.HandleTargetChange(typed)
	}

	if snapshotVersion.IsMin() {
		return
	}
	if err := r.maybeRaiseSnapshot(ctx, snapshotVersion); err != nil {
		r.disableNetworkUntilRecovery(ctx, err, func() error {
			return r.maybeRaiseSnapshot(ctx, snapshotVersion)
		})
	}
}

func (r *RemoteStore) maybeRaiseSnapshot(ctx context.Context, snapshotVersion model.SnapshotVersion) error {
	lastRemote, err := r.localStore.LastRemoteSnapshotVersion(ctx)
	if err != nil {
		return err
	}
	// The watch stream can resend a snapshot older than one already
	// applied when it resumes from an older token.
	if snapshotVersion.Compare(lastRemote) >= 0 {
		return r.raiseWatchSnapshot(ctx, snapshotVersion)
	}
	return nil
}

// raiseWatchSnapshot hands the aggregated event to the syncer after
// recording new resume tokens and re-listening mismatched targets.
func (r *RemoteStore) raiseWatchSnapshot(ctx context.Context, snapshotVersion model.SnapshotVersion) error {
	status.Assert(!snapshotVersion.IsMin(), "raising snapshot at the minimum version")
	if r.aggregator == nil {
		return nil
	}
	event := r.aggregator.CreateRemoteEvent(snapshotVersion)

	for targetID, change := range event.TargetChanges {
		if len(change.ResumeToken) == 0 {
			continue
		}
		if targetData, ok := r.listenTargets[targetID]; ok {
			r.listenTargets[targetID] = targetData.WithResumeToken(change.ResumeToken, snapshotVersion)
		}
	}

	for targetID, purpose := range event.TargetMismatches {
		targetData, ok := r.listenTargets[targetID]
		if !ok {
			// Removed while the mismatch was being processed.
			continue
		}
		// Clear the token so the re-listen starts from scratch; keep
		// the version so the local store still sees progress.
		r.listenTargets[targetID] = targetData.WithResumeToken(nil, targetData.SnapshotVersion)

		// Remove and re-add the target so the backend resends every
		// matching document.
		r.sendUnwatchRequest(targetID)
		relisten := persistence.NewTargetData(targetData.Target, targetID, purpose, targetData.SequenceNumber)
		r.sendWatchRequest(relisten)
	}

	return r.syncer.ApplyRemoteEvent(ctx, event)
}

func (r *RemoteStore) handleTargetError(ctx context.Context, change *WatchTargetChange) error {
	for _, targetID := range change.TargetIDs {
		if _, ok := r.listenTargets[targetID]; !ok {
			continue
		}
		delete(r.listenTargets, targetID)
		r.aggregator.RemoveTarget(targetID)
		r.logger.Debug("backend rejected listen", "target_id", targetID, "error", change.Cause)
		if err := r.syncer.RejectListen(ctx, targetID, change.Cause); err != nil {
			return err
		}
	}
	return nil
}

// disableNetworkUntilRecovery takes the store offline after a
// persistence failure and retries op on the queue until it succeeds.
// Any other error is fatal to the queue.
func (r *RemoteStore) disableNetworkUntilRecovery(ctx context.Context, err error, op func() error) {
	if !persistence.IsTransient(err) {
		status.Fail("remote store: %v", err)
	}
	r.logger.Warn("persistence unavailable, disabling network until it recovers", "error", err)
	r.offlineCauses[causePersistenceFailed] = true
	r.disableNetworkInternal()
	r.onlineState.Set(Offline)
	r.queue.EnqueueRetryable(func() error {
		if err := op(); err != nil {
			return err
		}
		delete(r.offlineCauses, causePersistenceFailed)
		r.enableNetworkInternal(ctx)
		return nil
	})
}

// FillWritePipeline pulls queued batches from the local store into
// the write pipeline, starting the write stream if needed. The sync
// engine calls it after every local write.
func (r *RemoteStore) FillWritePipeline(ctx context.Context) {
	r.fillWritePipeline(ctx)
}

func (r *RemoteStore) fillWritePipeline(ctx context.Context) {
	lastBatchID := mutation.UnknownBatchID
	if n := len(r.writePipeline); n > 0 {
		lastBatchID = r.writePipeline[n-1].BatchID
	}
	for r.canAddToWritePipeline() {
		batch, err := r.localStore.NextMutationBatch(ctx, lastBatchID)
		if err != nil {
			r.disableNetworkUntilRecovery(ctx, err, func() error { return nil })
			return
		}
		if batch == nil {
			if len(r.writePipeline) == 0 {
				r.writeStream.MarkIdle()
			}
			break
		}
		r.addToWritePipeline(batch)
		lastBatchID = batch.BatchID
	}
	if r.shouldStartWriteStream() {
		r.writeStream.Start()
	}
}

func (r *RemoteStore) canAddToWritePipeline() bool {
	return r.canUseNetwork() && len(r.writePipeline) < r.config.MaxPendingWrites
}

// PendingWrites returns the number of batches sent or waiting to be
// sent on the write stream.
func (r *RemoteStore) PendingWrites() int { return len(r.writePipeline) }

func (r *RemoteStore) addToWritePipeline(batch *mutation.Batch) {
	r.writePipeline = append(r.writePipeline, batch)
	if r.writeStream.IsOpen() && r.writeStream.HandshakeComplete() {
		r.writeStream.WriteMutations(batch.Mutations)
	}
}

func (r *RemoteStore) shouldStartWriteStream() bool {
	return r.canUseNetwork() && !r.writeStream.IsStarted() && len(r.writePipeline) > 0
}

// OnWriteStreamOpen implements WriteStreamListener.
func (r *RemoteStore) OnWriteStreamOpen() {
	r.writeStream.WriteHandshake()
}

// OnWriteHandshakeComplete implements WriteStreamListener.
func (r *RemoteStore) OnWriteHandshakeComplete() {
	ctx := context.Background()
	if err := r.localStore.SetLastStreamToken(ctx, r.writeStream.LastStreamToken()); err != nil {
		r.disableNetworkUntilRecovery(ctx, err, func() error { return nil })
		return
	}
	for _, batch := range r.writePipeline {
		r.writeStream.WriteMutations(batch.Mutations)
	}
}

// OnMutationResult implements WriteStreamListener.
func (r *RemoteStore) OnMutationResult(commitVersion model.SnapshotVersion, results []mutation.Result) {
	ctx := context.Background()
	status.Assert(len(r.writePipeline) > 0, "mutation result with an empty write pipeline")
	batch := r.writePipeline[0]
	r.writePipeline = r.writePipeline[1:]

	result, err := mutation.NewBatchResult(batch, commitVersion, results, r.writeStream.LastStreamToken())
	if err != nil {
		status.Fail("write stream: %v", err)
	}
	if err := r.syncer.ApplySuccessfulWrite(ctx, result); err != nil {
		r.disableNetworkUntilRecovery(ctx, err, func() error {
			return r.syncer.ApplySuccessfulWrite(ctx, result)
		})
		return
	}
	r.fillWritePipeline(ctx)
}

// OnWriteStreamClose implements WriteStreamListener.
func (r *RemoteStore) OnWriteStreamClose(err error) {
	ctx := context.Background()
	if err == nil {
		status.Assert(!r.shouldStartWriteStream(), "write stream closed cleanly with writes pending")
	}
	if err != nil && len(r.writePipeline) > 0 {
		var handleErr error
		if r.writeStream.HandshakeComplete() {
			handleErr = r.handleWriteError(ctx, err)
		} else {
			handleErr = r.handleHandshakeError(ctx, err)
		}
		if handleErr != nil {
			r.disableNetworkUntilRecovery(ctx, handleErr, func() error { return nil })
			return
		}
	}
	if r.shouldStartWriteStream() {
		r.writeStream.Start()
	}
}

// handleHandshakeError resets the stream token after a permanent
// failure. A failed handshake never rejects a write.
func (r *RemoteStore) handleHandshakeError(ctx context.Context, err error) error {
	if !status.IsPermanentError(status.CodeOf(err)) {
		return nil
	}
	r.logger.Debug("resetting write stream token after permanent handshake error", "error", err)
	r.writeStream.SetLastStreamToken(nil)
	return r.localStore.SetLastStreamToken(ctx, nil)
}

// handleWriteError rejects the batch at the head of the pipeline when
// the backend refused it permanently. Transient errors leave the batch
// to be resent after the stream restarts.
func (r *RemoteStore) handleWriteError(ctx context.Context, err error) error {
	if !status.IsPermanentWriteError(status.CodeOf(err)) {
		return nil
	}
	batch := r.writePipeline[0]
	r.writePipeline = r.writePipeline[1:]
	// A rejected write is not a connection problem; retry at once.
	r.writeStream.InhibitBackoff()
	if rejectErr := r.syncer.RejectFailedWrite(ctx, batch.BatchID, err); rejectErr != nil {
		return fmt.Errorf("rejecting batch %d: %w", batch.BatchID, rejectErr)
	}
	r.fillWritePipeline(ctx)
	return nil
}
