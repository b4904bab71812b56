package service

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/events"
	"github.com/girosoft/giro-core/internal/protocol"
	"github.com/girosoft/giro-core/internal/sync/domain"
)

const (
	retryAttempts = 3
	retryBase     = 500 * time.Millisecond
)

type engine struct {
	log       *zap.Logger
	db        *gorm.DB
	pending   domain.PendingRepository
	cursors   domain.CursorRepository
	snapshots domain.SnapshotRepository
	remote    domain.Remote
	bus       *events.Bus
	clk       clock.Clock
	cfg       config.Config

	mu             sync.Mutex
	paused         bool
	lastSyncAt     time.Time
	lastKind       string
	totalSyncs     int64
	totalConflicts int64
}

// NewEngine builds the satellite-side sync engine. remote is the master as
// reached over the peer link.
func NewEngine(
	log *zap.Logger,
	db *gorm.DB,
	pending domain.PendingRepository,
	cursors domain.CursorRepository,
	snapshots domain.SnapshotRepository,
	remote domain.Remote,
	bus *events.Bus,
	clk clock.Clock,
	cfg config.Config,
) domain.Engine {
	return &engine{
		log:       log.Named("sync"),
		db:        db,
		pending:   pending,
		cursors:   cursors,
		snapshots: snapshots,
		remote:    remote,
		bus:       bus,
		clk:       clk,
		cfg:       cfg,
	}
}

func (e *engine) Enqueue(ctx context.Context, kind, entityID, op string, payload []byte, baseVersion int64) error {
	if !domain.ValidKind(kind) {
		return protocol.Errorf(protocol.CodeValidationError, "unknown entity kind %q", kind)
	}
	if !domain.ValidOp(op) {
		return protocol.Errorf(protocol.CodeValidationError, "unknown operation %q", op)
	}
	c := &domain.PendingChange{
		EntityKind:  kind,
		EntityID:    entityID,
		Operation:   op,
		Payload:     payload,
		BaseVersion: baseVersion,
		CreatedAt:   e.clk.Now(),
	}
	if err := e.pending.Enqueue(ctx, e.db, c); err != nil {
		return protocol.WrapError(protocol.CodeInternal, "enqueue change", err)
	}
	return nil
}

func (e *engine) PushPending(ctx context.Context) error {
	if e.isPaused() {
		return protocol.NewError(protocol.CodeUnavailable, "sync paused")
	}

	for {
		batch, err := e.pending.NextBatch(ctx, e.db, e.cfg.SyncBatchSize)
		if err != nil {
			return protocol.WrapError(protocol.CodeInternal, "load pending batch", err)
		}
		if len(batch) == 0 {
			return nil
		}

		results, err := e.withRetry(ctx, func() ([]domain.PushResult, error) {
			return e.remote.Push(ctx, batch)
		})
		if err != nil {
			return err
		}

		var done []int64
		var failed int
		ackedByKind := make(map[string]int64)
		for _, res := range results {
			switch res.Status {
			case domain.PushOK:
				done = append(done, res.ChangeID)
				// Stamp the local snapshot with the assigned version so the
				// next delta pull does not treat our own change as foreign.
				if res.ServerVersion > 0 {
					if c := changeByID(batch, res.ChangeID); c != nil {
						if res.ServerVersion > ackedByKind[c.EntityKind] {
							ackedByKind[c.EntityKind] = res.ServerVersion
						}
						snap := &domain.EntitySnapshot{
							EntityKind:    c.EntityKind,
							EntityID:      c.EntityID,
							Payload:       c.Payload,
							ServerVersion: res.ServerVersion,
							Deleted:       c.Operation == domain.OpDelete,
							Origin:        "local",
							UpdatedAt:     e.clk.Now(),
						}
						if err := e.snapshots.Apply(ctx, e.db, snap); err != nil {
							return protocol.WrapError(protocol.CodeInternal, "stamp snapshot", err)
						}
					}
				}
			case domain.PushConflict:
				// The authority won; drop the local change and tell the host.
				done = append(done, res.ChangeID)
				e.mu.Lock()
				e.totalConflicts++
				e.mu.Unlock()
				e.log.Warn("change rejected as conflict", zap.Int64("change_id", res.ChangeID))
				e.bus.Publish(events.Event{Kind: events.KindSyncCompleted, Payload: map[string]any{
					"conflict":  true,
					"change_id": res.ChangeID,
				}})
			default:
				failed++
				msg := "push failed"
				if res.Error != nil {
					msg = res.Error.Message
				}
				if err := e.pending.MarkFailed(ctx, e.db, res.ChangeID, msg); err != nil {
					return protocol.WrapError(protocol.CodeInternal, "mark change failed", err)
				}
			}
		}
		if err := e.pending.Delete(ctx, e.db, done); err != nil {
			return protocol.WrapError(protocol.CodeInternal, "remove pushed changes", err)
		}

		// Acked versions are confirmed applied at the authority, so the
		// cursor jumps to the highest one per kind. Advance never moves a
		// cursor backward.
		now := e.clk.Now()
		for kind, version := range ackedByKind {
			if err := e.cursors.Advance(ctx, e.db, kind, version, now); err != nil {
				return protocol.WrapError(protocol.CodeInternal, "advance cursor", err)
			}
		}

		// Failed items stay queued; stop instead of spinning on them.
		if failed > 0 || len(batch) < e.cfg.SyncBatchSize {
			return nil
		}
	}
}

func (e *engine) DeltaSync(ctx context.Context) error {
	if e.isPaused() {
		return protocol.NewError(protocol.CodeUnavailable, "sync paused")
	}

	for _, kind := range domain.Kinds() {
		if err := e.pullKind(ctx, kind, false); err != nil {
			if protocol.CodeOf(err) == protocol.CodeConflict {
				// Window no longer servable; start over from zero.
				e.log.Info("delta window lost, falling back to full sync", zap.String("kind", kind))
				return e.FullSync(ctx)
			}
			return err
		}
	}
	e.markSynced("delta")
	return nil
}

func (e *engine) FullSync(ctx context.Context) error {
	if e.isPaused() {
		return protocol.NewError(protocol.CodeUnavailable, "sync paused")
	}

	if err := e.cursors.ResetAll(ctx, e.db); err != nil {
		return protocol.WrapError(protocol.CodeInternal, "reset cursors", err)
	}
	for _, kind := range domain.Kinds() {
		if err := e.pullKind(ctx, kind, true); err != nil {
			return err
		}
	}
	e.markSynced("full")
	return nil
}

func (e *engine) pullKind(ctx context.Context, kind string, full bool) error {
	cursor, err := e.cursors.Get(ctx, e.db, kind)
	if err != nil {
		return protocol.WrapError(protocol.CodeInternal, "read cursor", err)
	}
	if full {
		cursor = 0
	}

	for {
		page, err := e.withRetryPage(ctx, func() (*domain.PullPage, error) {
			return e.remote.Pull(ctx, kind, cursor, e.cfg.SyncPullLimit)
		})
		if err != nil {
			return err
		}
		if page.FullSyncRequired && !full {
			return protocol.Errorf(protocol.CodeConflict, "authority requires full sync for %s", kind)
		}

		now := e.clk.Now()
		for _, item := range page.Items {
			snap := &domain.EntitySnapshot{
				EntityKind:    item.EntityKind,
				EntityID:      item.EntityID,
				Payload:       item.Payload,
				ServerVersion: item.Version,
				Deleted:       item.Deleted,
				Origin:        "remote",
				UpdatedAt:     now,
			}
			if err := e.snapshots.Apply(ctx, e.db, snap); err != nil {
				return protocol.WrapError(protocol.CodeInternal, "apply snapshot", err)
			}
		}
		if page.NextCursor > cursor {
			cursor = page.NextCursor
			if err := e.cursors.Advance(ctx, e.db, kind, cursor, now); err != nil {
				return protocol.WrapError(protocol.CodeInternal, "advance cursor", err)
			}
		}
		if !page.HasMore {
			return nil
		}
	}
}

func (e *engine) Status(ctx context.Context) (*domain.Status, error) {
	count, err := e.pending.Count(ctx, e.db)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "count pending", err)
	}
	byKind, err := e.pending.CountByKind(ctx, e.db)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "count pending by kind", err)
	}
	all, err := e.cursors.All(ctx, e.db)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "load cursors", err)
	}

	cursors := make(map[string]int64, len(all))
	for _, c := range all {
		cursors[c.EntityKind] = c.Version
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return &domain.Status{
		Pending:        count,
		PendingByKind:  byKind,
		Cursors:        cursors,
		LastSyncAt:     e.lastSyncAt,
		LastSyncKind:   e.lastKind,
		TotalSyncs:     e.totalSyncs,
		TotalConflicts: e.totalConflicts,
		Paused:         e.paused,
	}, nil
}

func (e *engine) Reset(ctx context.Context) error {
	// Cursors restart from zero; queued local changes are kept.
	if err := e.cursors.ResetAll(ctx, e.db); err != nil {
		return protocol.WrapError(protocol.CodeInternal, "reset cursors", err)
	}
	return nil
}

func (e *engine) SetPaused(paused bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = paused
}

func (e *engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *engine) markSynced(kind string) {
	e.mu.Lock()
	e.lastSyncAt = e.clk.Now()
	e.lastKind = kind
	e.totalSyncs++
	e.mu.Unlock()
	e.bus.Publish(events.Event{Kind: events.KindSyncCompleted, Payload: map[string]any{"mode": kind}})
}

func (e *engine) withRetry(ctx context.Context, fn func() ([]domain.PushResult, error)) ([]domain.PushResult, error) {
	var out []domain.PushResult
	err := retry(ctx, func() error {
		res, err := fn()
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

func (e *engine) withRetryPage(ctx context.Context, fn func() (*domain.PullPage, error)) (*domain.PullPage, error) {
	var out *domain.PullPage
	err := retry(ctx, func() error {
		res, err := fn()
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}

// retry runs fn up to retryAttempts times with exponential backoff.
// Terminal failure classes are not retried.
func retry(ctx context.Context, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryBase
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !protocol.Retryable(protocol.CodeOf(err)) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, retryAttempts-1), ctx))
}

func changeByID(batch []*domain.PendingChange, id int64) *domain.PendingChange {
	for _, c := range batch {
		if c.ID == id {
			return c
		}
	}
	return nil
}
