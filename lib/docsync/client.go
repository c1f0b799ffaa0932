// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package docsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/bureau-foundation/docsync/lib/asyncqueue"
	"github.com/bureau-foundation/docsync/lib/checkpoint"
	"github.com/bureau-foundation/docsync/lib/clock"
	"github.com/bureau-foundation/docsync/lib/config"
	"github.com/bureau-foundation/docsync/lib/credentials"
	"github.com/bureau-foundation/docsync/lib/localstore"
	"github.com/bureau-foundation/docsync/lib/persistence"
	"github.com/bureau-foundation/docsync/lib/remote"
	"github.com/bureau-foundation/docsync/lib/remote/wsconn"
	"github.com/bureau-foundation/docsync/lib/syncengine"
)

// ErrClosed is returned by operations on a client after Shutdown.
var ErrClosed = errors.New("docsync: client is shut down")

// Options configure New. Only Config.Database is required; every
// other field has a default.
type Options struct {
	// Config holds the tuning of every component. Nil uses
	// config.Default, which names no database.
	Config *config.Config

	// Connection opens the watch and write streams. Nil dials
	// Config.Backend over websockets.
	Connection remote.Connection

	// Credentials supplies the signed-in user. Nil is an anonymous
	// client.
	Credentials credentials.Provider

	// AppCheck attests the application. Nil sends no attestation.
	AppCheck credentials.AppCheck

	// ClientID names this client's checkpoints. Empty generates one,
	// so nothing is restored.
	ClientID string

	Clock  clock.Clock
	Logger *slog.Logger
}

// Client is an offline-capable connection to one database. Reads are
// answered from the local cache and kept current by the watch stream;
// writes apply locally at once and are sent to the backend in order.
// A Client is safe for concurrent use.
type Client struct {
	clientID    string
	config      *config.Config
	queue       *asyncqueue.Queue
	connection  remote.Connection
	credentials credentials.Provider
	appCheck    credentials.AppCheck
	clock       clock.Clock
	logger      *slog.Logger

	// Built on the queue by initialize and only touched there.
	persistence    *persistence.Memory
	localStore     *localstore.LocalStore
	syncEngine     *syncengine.SyncEngine
	eventManager   *syncengine.EventManager
	remoteStore    *remote.RemoteStore
	gcScheduler    *localstore.GCScheduler
	checkpointTask *asyncqueue.DelayedOperation
	initialized    bool

	checkpoints *checkpoint.Store
	saves       sync.WaitGroup
	saveMu      sync.Mutex

	mu       sync.Mutex
	closed   bool
	shutdown chan struct{}
}

// New starts a client. It returns once the local store is loaded,
// restoring the client's latest checkpoint when one exists; the
// network connects in the background.
func New(ctx context.Context, options Options) (*Client, error) {
	cfg := options.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("docsync: %w", err)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	clientID := options.ClientID
	if clientID == "" {
		clientID = ulid.Make().String()
	}
	provider := options.Credentials
	if provider == nil {
		provider = credentials.Empty()
	}
	connection := options.Connection
	if connection == nil {
		if cfg.Backend == "" {
			return nil, errors.New("docsync: no connection and no backend URL configured")
		}
		connection = wsconn.NewClient(wsconn.DefaultClientConfig(cfg.Backend), logger.With("component", "wsconn"))
	}

	c := &Client{
		clientID:    clientID,
		config:      cfg,
		queue:       asyncqueue.New(clk, logger.With("component", "queue")),
		connection:  connection,
		credentials: provider,
		appCheck:    options.AppCheck,
		clock:       clk,
		logger:      logger.With("client_id", clientID),
		shutdown:    make(chan struct{}),
	}

	if cfg.Checkpoint.Path != "" {
		if err := cfg.EnsurePaths(); err != nil {
			c.queue.Shutdown(ctx, nil)
			return nil, fmt.Errorf("docsync: %w", err)
		}
		store, err := checkpoint.Open(checkpoint.Config{
			Path:        cfg.Checkpoint.Path,
			Compression: cfg.Checkpoint.Compression,
			Retain:      cfg.Checkpoint.Retain,
			Durable:     cfg.Checkpoint.Durable,
			Clock:       clk,
			Logger:      logger.With("component", "checkpoint"),
		})
		if err != nil {
			c.queue.Shutdown(ctx, nil)
			return nil, fmt.Errorf("docsync: %w", err)
		}
		c.checkpoints = store
	}

	// The provider reports the first user on the queue. The client is
	// built under that user; later reports switch users.
	ready := make(chan error, 1)
	provider.Start(c.queue, func(user credentials.User) {
		if !c.initialized {
			ready <- c.initialize(user)
			return
		}
		if c.remoteStore == nil {
			return
		}
		if err := c.remoteStore.HandleCredentialChange(context.Background(), user); err != nil {
			c.logger.Error("switching user failed", "user", user.String(), "error", err)
		}
	})

	select {
	case err := <-ready:
		if err != nil {
			c.abort()
			return nil, fmt.Errorf("docsync: starting client: %w", err)
		}
	case <-ctx.Done():
		c.abort()
		return nil, ctx.Err()
	}
	return c, nil
}

// initialize builds the component graph for user. It runs on the
// queue.
func (c *Client) initialize(user credentials.User) error {
	ctx := context.Background()
	c.initialized = true
	logger := c.logger

	c.persistence = persistence.NewMemory(persistence.MemoryConfig{
		LRU:    c.config.LRUParams(),
		Clock:  c.clock,
		Logger: logger.With("component", "persistence"),
	})
	if err := c.restoreCheckpoint(ctx); err != nil {
		return err
	}
	if err := c.persistence.Start(); err != nil {
		return err
	}

	c.localStore = localstore.New(c.persistence,
		localstore.NewQueryEngine(c.config.QueryEngine, logger.With("component", "query_engine")),
		user, localstore.Config{
			ResumeTokenMaxAge: c.config.Sync.ResumeTokenMaxAge,
			Clock:             c.clock,
			Logger:            logger.With("component", "local_store"),
		})
	if err := c.localStore.Start(ctx); err != nil {
		return err
	}

	engineConfig := c.config.SyncEngineConfig()
	engineConfig.Logger = logger.With("component", "sync_engine")
	c.syncEngine = syncengine.New(c.localStore, engineConfig)
	c.eventManager = syncengine.NewEventManager(c.syncEngine, logger.With("component", "event_manager"))

	remoteConfig := c.config.RemoteConfig()
	remoteConfig.Logger = logger.With("component", "remote_store")
	c.remoteStore = remote.NewRemoteStore(c.queue, c.connection, c.localStore, c.syncEngine,
		c.credentials, c.appCheck, remoteConfig)
	c.syncEngine.SetRemoteStore(c.remoteStore)
	c.remoteStore.Start(ctx)

	if collector := c.persistence.LRUGarbageCollector(); collector != nil {
		c.gcScheduler = localstore.NewGCScheduler(c.queue, c.localStore, collector,
			c.config.GCSchedule(), logger.With("component", "gc"))
		c.gcScheduler.Start()
	}
	c.scheduleCheckpoint()

	logger.Info("client started", "user", user.String(), "database", c.config.Database.Name())
	return nil
}

// abort tears down a client whose startup failed.
func (c *Client) abort() {
	c.queue.Shutdown(context.Background(), func() error {
		c.stopComponents()
		return nil
	})
	if c.checkpoints != nil {
		c.checkpoints.Close()
	}
}

func (c *Client) stopComponents() {
	if c.checkpointTask != nil {
		c.checkpointTask.Cancel()
		c.checkpointTask = nil
	}
	if c.gcScheduler != nil {
		c.gcScheduler.Stop()
	}
	if c.remoteStore != nil {
		c.remoteStore.Shutdown()
	}
	c.credentials.Shutdown()
}

// ClientID returns the id this client's checkpoints are stored under.
func (c *Client) ClientID() string { return c.clientID }

// run executes fn on the queue.
func (c *Client) run(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.isClosed() {
		return ErrClosed
	}
	err := c.queue.EnqueueAndWait(ctx, func() error {
		return fn(ctx)
	})
	if errors.Is(err, asyncqueue.ErrShutdown) {
		return ErrClosed
	}
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// EnableNetwork reconnects after DisableNetwork.
func (c *Client) EnableNetwork(ctx context.Context) error {
	return c.run(ctx, func(ctx context.Context) error {
		c.remoteStore.EnableNetwork(ctx)
		return nil
	})
}

// DisableNetwork closes the streams. Listeners keep receiving
// snapshots of local writes, marked as from cache.
func (c *Client) DisableNetwork(ctx context.Context) error {
	return c.run(ctx, func(ctx context.Context) error {
		c.remoteStore.DisableNetwork()
		return nil
	})
}

// OnlineState returns the client's current belief about its
// connection.
func (c *Client) OnlineState(ctx context.Context) (remote.OnlineState, error) {
	var state remote.OnlineState
	err := c.run(ctx, func(ctx context.Context) error {
		state = c.remoteStore.OnlineState()
		return nil
	})
	return state, err
}

// WaitForPendingWrites blocks until every write issued so far has been
// acknowledged or rejected. A user change ends the wait with a
// Cancelled error.
func (c *Client) WaitForPendingWrites(ctx context.Context) error {
	done := make(chan error, 1)
	err := c.run(ctx, func(ctx context.Context) error {
		return c.syncEngine.WaitForPendingWrites(ctx, func(err error) { done <- err })
	})
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.shutdown:
		return ErrClosed
	}
}

// Shutdown stops the streams, saves a final checkpoint and releases
// the client. Pending writes that were not acknowledged survive in the
// checkpoint. Later calls return nil.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.shutdown)
	c.mu.Unlock()

	var final *persistence.Snapshot
	err := c.queue.Shutdown(ctx, func() error {
		c.stopComponents()
		if c.checkpoints != nil && c.persistence != nil {
			snapshot, err := c.persistence.Snapshot()
			if err != nil {
				return fmt.Errorf("docsync: final snapshot: %w", err)
			}
			final = snapshot
		}
		if c.persistence != nil {
			return c.persistence.Shutdown()
		}
		return nil
	})

	c.saves.Wait()
	if c.checkpoints != nil {
		if final != nil {
			if _, saveErr := c.saveCheckpoint(ctx, final); saveErr != nil {
				err = errors.Join(err, saveErr)
			}
		}
		err = errors.Join(err, c.checkpoints.Close())
	}
	if err != nil {
		return err
	}
	c.logger.Info("client shut down")
	return nil
}
