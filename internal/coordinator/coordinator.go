// Package coordinator orchestrates the sync engine: it refreshes stale
// collection snapshots, drains the offline mutation queue, and recomputes
// derived badges, driven by connectivity edges, socket events, and a
// periodic timer.
//
// A pass never overlaps another: whoever fails to take the pass lock
// simply skips, because a sync is already doing the work. Step failures
// inside a pass are logged and contained; the remaining steps still run.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/taskfolk/syncline/internal/api"
	"github.com/taskfolk/syncline/internal/cache"
	"github.com/taskfolk/syncline/internal/errs"
	"github.com/taskfolk/syncline/internal/queue"
	"github.com/taskfolk/syncline/internal/retry"
	"github.com/taskfolk/syncline/internal/socket"
	"github.com/taskfolk/syncline/internal/store"
)

// badgeUnreadKey is where the last authoritative unread count persists, so
// badges survive a restart while offline.
const badgeUnreadKey = "badge/unread"

// SyncStatus says whether a pass is running right now.
type SyncStatus int

const (
	StatusIdle SyncStatus = iota
	StatusSyncing
)

func (s SyncStatus) String() string {
	if s == StatusSyncing {
		return "syncing"
	}

	return "idle"
}

// Badges are the derived counters surfaced to consumers.
type Badges struct {
	Unread int `json:"unread"`
}

// ConnectivitySource is the slice of the network monitor the coordinator
// consumes: current state plus edge notifications.
type ConnectivitySource interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// SocketEvents is the slice of the socket client the coordinator consumes:
// typed message subscriptions and lifecycle events.
type SocketEvents interface {
	Subscribe(kind socket.Kind, fn func(socket.Message)) func()
	OnStateChange(fn func(socket.StateEvent)) func()
}

// Config tunes one coordinator.
type Config struct {
	// SyncInterval is the periodic pass cadence while online.
	SyncInterval time.Duration

	// Retry applies to the remote calls a pass makes (collection fetches,
	// unread count). Queue mutations are not retried within a pass; their
	// attempt counter spans passes.
	Retry retry.Config

	// Catalog lists the collections to keep in sync. Zero value means the
	// built-in defaults.
	Catalog Catalog
}

// Coordinator drives sync passes over the cache, queue, and API.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger

	store   *store.Store
	api     *api.Client
	cache   *cache.Cache
	queue   *queue.Queue
	network ConnectivitySource
	socket  SocketEvents

	// passing is held for the duration of one sync pass. TryLock turns an
	// overlapping trigger into a skip.
	passing sync.Mutex

	// edges carries connectivity transitions into Run's loop; wake asks
	// Run for an extra pass without touching the ticker.
	edges chan bool
	wake  chan struct{}

	mu          sync.Mutex
	initialized bool
	status      SyncStatus
	lastSync    time.Time
	badges      Badges
}

// New wires a coordinator. Call Initialize before Run.
func New(cfg Config, st *store.Store, apiClient *api.Client, ch *cache.Cache, q *queue.Queue, network ConnectivitySource, sock SocketEvents, logger *slog.Logger) *Coordinator {
	if len(cfg.Catalog.Collections) == 0 {
		cfg.Catalog = DefaultCatalog()
	}

	return &Coordinator{
		cfg:     cfg,
		logger:  logger,
		store:   st,
		api:     apiClient,
		cache:   ch,
		queue:   q,
		network: network,
		socket:  sock,
		edges:   make(chan bool, 8),
		wake:    make(chan struct{}, 1),
	}
}

// Initialize restores durable state and binds the event sources: coming
// online or finishing the socket handshake triggers an immediate pass, and
// live update events flag their collection for refresh. Nothing syncs
// until this has run.
func (sc *Coordinator) Initialize(ctx context.Context) error {
	sc.mu.Lock()
	if sc.initialized {
		sc.mu.Unlock()
		return nil
	}
	sc.mu.Unlock()

	if err := sc.queue.Load(); err != nil {
		return fmt.Errorf("loading pending mutations: %w", err)
	}

	if raw, err := sc.store.Get(badgeUnreadKey); err == nil {
		if n, err := strconv.Atoi(raw); err == nil {
			sc.mu.Lock()
			sc.badges.Unread = n
			sc.mu.Unlock()
		}
	}

	if stale, err := sc.cache.StaleCollections(); err == nil && len(stale) > 0 {
		sc.logger.Info("collections awaiting refresh", slog.Any("collections", stale))
	}

	sc.network.Subscribe(func(online bool) {
		select {
		case sc.edges <- online:
		default:
		}
	})

	sc.socket.OnStateChange(func(ev socket.StateEvent) {
		if ev.New == socket.StateAuthenticated {
			sc.requestSync()
		}
	})

	// Live updates invalidate their collection so the next pass re-fetches
	// it, rather than patching snapshots from event payloads.
	invalidations := []struct {
		kind       socket.Kind
		collection string
	}{
		{socket.KindJobUpdate, "jobs"},
		{socket.KindBookingUpdate, "bookings"},
		{socket.KindDomainMessage, "messages"},
		{socket.KindNotification, "messages"},
	}
	for _, inv := range invalidations {
		sc.socket.Subscribe(inv.kind, func(socket.Message) {
			if err := sc.cache.MarkStale(inv.collection); err != nil {
				sc.logger.Warn("failed to flag collection stale",
					slog.String("collection", inv.collection),
					slog.String("error", err.Error()),
				)
			}
		})
	}

	sc.mu.Lock()
	sc.initialized = true
	sc.mu.Unlock()

	sc.logger.Info("coordinator initialized",
		slog.Int("pending_mutations", sc.queue.Size()),
		slog.Int("collections", len(sc.cfg.Catalog.Collections)),
	)

	return nil
}

// Run owns the periodic timer: while online, a pass every SyncInterval;
// while offline, the ticker rests. Connectivity edges and sync requests
// arrive between ticks. Blocks until ctx is cancelled.
func (sc *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(sc.cfg.SyncInterval)
	defer ticker.Stop()

	if !sc.network.Online() {
		ticker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case online := <-sc.edges:
			if online {
				ticker.Reset(sc.cfg.SyncInterval)
				sc.syncData(ctx)
			} else {
				ticker.Stop()
				sc.logger.Info("offline, periodic sync paused")
			}

		case <-sc.wake:
			sc.syncData(ctx)

		case <-ticker.C:
			sc.syncData(ctx)
		}
	}
}

// SyncNow runs a pass immediately on the caller's goroutine, with the same
// guards as a periodic pass.
func (sc *Coordinator) SyncNow(ctx context.Context) {
	sc.syncData(ctx)
}

// requestSync asks Run for a pass without blocking the caller.
func (sc *Coordinator) requestSync() {
	select {
	case sc.wake <- struct{}{}:
	default:
	}
}

// Status returns whether a pass is running and when the last one finished.
func (sc *Coordinator) Status() (SyncStatus, time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.status, sc.lastSync
}

// Badges returns the current derived counters.
func (sc *Coordinator) Badges() Badges {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.badges
}

// syncData is one full pass: refresh stale collections, drain the
// mutation queue, recompute badges. Skipped when uninitialized, offline,
// or already running. Step failures are logged, never propagated, and do
// not stop the later steps.
func (sc *Coordinator) syncData(ctx context.Context) {
	sc.mu.Lock()
	ready := sc.initialized
	sc.mu.Unlock()

	if !ready {
		sc.logger.Debug("sync skipped, not initialized")
		return
	}

	if !sc.network.Online() {
		sc.logger.Debug("sync skipped, offline")
		return
	}

	if !sc.passing.TryLock() {
		sc.logger.Debug("sync skipped, pass already running")
		return
	}
	defer sc.passing.Unlock()

	sc.mu.Lock()
	sc.status = StatusSyncing
	sc.mu.Unlock()

	started := time.Now()
	sc.logger.Info("sync pass started", slog.Int("pending_mutations", sc.queue.Size()))

	sc.refreshCollections(ctx)
	sc.drainQueue(ctx)
	sc.refreshBadges(ctx)

	sc.mu.Lock()
	sc.status = StatusIdle
	sc.lastSync = time.Now().UTC()
	sc.mu.Unlock()

	sc.logger.Info("sync pass finished", slog.Duration("took", time.Since(started)))
}

// refreshCollections re-fetches every catalog collection whose snapshot is
// absent, flagged, or past its freshness window.
func (sc *Coordinator) refreshCollections(ctx context.Context) {
	for _, col := range sc.cfg.Catalog.Collections {
		if !sc.cache.NeedsRefresh(col.Name, col.Freshness) {
			continue
		}

		data, err := retry.Do(ctx, sc.cfg.Retry, "refresh "+col.Name, func(ctx context.Context) ([]byte, error) {
			return sc.api.List(ctx, col.Path)
		})
		if err != nil {
			sc.logger.Warn("collection refresh failed",
				slog.String("collection", col.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		if err := sc.cache.Set(col.Name, data); err != nil {
			sc.logger.Warn("failed to store snapshot",
				slog.String("collection", col.Name),
				slog.String("error", err.Error()),
			)

			continue
		}

		sc.logger.Debug("collection refreshed",
			slog.String("collection", col.Name),
			slog.Int("bytes", len(data)),
		)
	}
}

// drainQueue replays pending mutations oldest first. A failure stops the
// drain there; the failed mutation keeps its place and its error.
func (sc *Coordinator) drainQueue(ctx context.Context) {
	if err := sc.queue.Drain(ctx, sc.applyMutation); err != nil {
		sc.logger.Warn("queue drain stopped",
			slog.String("error", err.Error()),
			slog.Int("pending_mutations", sc.queue.Size()),
		)
	}
}

// refreshBadges fetches the authoritative unread count and persists it.
func (sc *Coordinator) refreshBadges(ctx context.Context) {
	count, err := retry.Do(ctx, sc.cfg.Retry, "unread count", sc.api.UnreadCount)
	if err != nil {
		sc.logger.Warn("badge refresh failed", slog.String("error", err.Error()))
		return
	}

	if err := sc.store.Set(badgeUnreadKey, strconv.Itoa(count)); err != nil {
		sc.logger.Warn("failed to persist badge count", slog.String("error", err.Error()))
		return
	}

	sc.mu.Lock()
	changed := sc.badges.Unread != count
	sc.badges.Unread = count
	sc.mu.Unlock()

	if changed {
		sc.logger.Info("badges updated", slog.Int("unread", count))
	}
}

// applyMutation routes one mutation to the API. Also the drain callback.
func (sc *Coordinator) applyMutation(ctx context.Context, m queue.Mutation) error {
	path := sc.pathFor(collectionFor(m.EntityKind))

	switch m.Operation {
	case queue.OpCreate:
		_, err := sc.api.Create(ctx, path, m.Payload)
		return err

	case queue.OpUpdate:
		id := gjson.GetBytes(m.Payload, "id").String()
		if id == "" {
			return errs.New(errs.Validation, "apply mutation", "update payload missing id")
		}

		_, err := sc.api.Update(ctx, path, id, m.Payload)
		return err

	default:
		return errs.New(errs.Validation, "apply mutation", fmt.Sprintf("unknown operation %q", m.Operation))
	}
}

// CacheJob writes a job: straight to the API while online, into the
// mutation queue otherwise. A payload without an id is a create, with an
// id an update.
func (sc *Coordinator) CacheJob(ctx context.Context, payload json.RawMessage) error {
	return sc.writeEntity(ctx, queue.KindJob, payload)
}

// CacheMessage writes a message. See CacheJob for the online/offline
// contract.
func (sc *Coordinator) CacheMessage(ctx context.Context, payload json.RawMessage) error {
	return sc.writeEntity(ctx, queue.KindMessage, payload)
}

// CacheBooking writes a booking. See CacheJob for the online/offline
// contract.
func (sc *Coordinator) CacheBooking(ctx context.Context, payload json.RawMessage) error {
	return sc.writeEntity(ctx, queue.KindBooking, payload)
}

// CacheReview writes a review. See CacheJob for the online/offline
// contract.
func (sc *Coordinator) CacheReview(ctx context.Context, payload json.RawMessage) error {
	return sc.writeEntity(ctx, queue.KindReview, payload)
}

// writeEntity is the uniform fire-the-write path: try the remote write
// while online; on failure or while offline, capture the mutation in the
// durable queue for the next drain. The caller gets an error only when
// even capturing failed.
func (sc *Coordinator) writeEntity(ctx context.Context, entityKind string, payload json.RawMessage) error {
	m := queue.Mutation{
		EntityKind: entityKind,
		Operation:  queue.OpCreate,
		Payload:    payload,
	}
	if gjson.GetBytes(payload, "id").String() != "" {
		m.Operation = queue.OpUpdate
	}

	if sc.network.Online() {
		err := sc.applyMutation(ctx, m)
		if err == nil {
			// The server copy moved ahead of the snapshot.
			if err := sc.cache.MarkStale(collectionFor(entityKind)); err != nil {
				sc.logger.Warn("failed to flag collection stale",
					slog.String("collection", collectionFor(entityKind)),
					slog.String("error", err.Error()),
				)
			}

			return nil
		}

		sc.logger.Warn("remote write failed, capturing mutation",
			slog.String("entity_kind", entityKind),
			slog.String("operation", m.Operation),
			slog.String("error", err.Error()),
		)
	}

	queued, err := sc.queue.Enqueue(m)
	if err != nil {
		return fmt.Errorf("capturing %s %s: %w", entityKind, m.Operation, err)
	}

	sc.logger.Debug("mutation captured",
		slog.String("id", queued.ID),
		slog.String("entity_kind", entityKind),
		slog.String("operation", m.Operation),
	)

	return nil
}

// pathFor resolves a collection name to its REST path via the catalog.
func (sc *Coordinator) pathFor(name string) string {
	for _, col := range sc.cfg.Catalog.Collections {
		if col.Name == name && col.Path != "" {
			return col.Path
		}
	}

	return name
}

// collectionFor maps an entity kind to the collection its writes land in.
func collectionFor(entityKind string) string {
	switch entityKind {
	case queue.KindJob:
		return "jobs"
	case queue.KindMessage:
		return "messages"
	case queue.KindBooking:
		return "bookings"
	case queue.KindReview:
		return "reviews"
	default:
		return entityKind
	}
}
