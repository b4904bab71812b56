package service

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/events"
	"github.com/girosoft/giro-core/internal/protocol"
	"github.com/girosoft/giro-core/internal/sync/domain"
)

// Authority is the master side of sync: it owns version assignment and
// serves pulls to satellites and mobile clients. origin identifies the
// terminal the changes came from; pushes from an identified origin are
// idempotent under redelivery.
type Authority interface {
	ApplyPush(ctx context.Context, origin string, changes []*domain.PendingChange) ([]domain.PushResult, error)
	ServePull(ctx context.Context, kind string, after int64, limit int) (*domain.PullPage, error)
}

type authority struct {
	log       *zap.Logger
	db        *gorm.DB
	snapshots domain.SnapshotRepository
	applied   domain.AppliedRepository
	bus       *events.Bus
	clk       clock.Clock
}

func NewAuthority(log *zap.Logger, db *gorm.DB, snapshots domain.SnapshotRepository, applied domain.AppliedRepository, bus *events.Bus, clk clock.Clock) Authority {
	return &authority{
		log:       log.Named("sync.authority"),
		db:        db,
		snapshots: snapshots,
		applied:   applied,
		bus:       bus,
		clk:       clk,
	}
}

func (a *authority) ApplyPush(ctx context.Context, origin string, changes []*domain.PendingChange) ([]domain.PushResult, error) {
	results := make([]domain.PushResult, 0, len(changes))

	for _, c := range changes {
		res := domain.PushResult{ChangeID: c.ID}

		if !domain.ValidKind(c.EntityKind) || !domain.ValidOp(c.Operation) {
			res.Status = domain.PushError
			res.Error = protocol.Errorf(protocol.CodeValidationError, "invalid change %s/%s", c.EntityKind, c.Operation)
			results = append(results, res)
			continue
		}

		// Changes without an origin or a local id come from this process
		// and are never redelivered, so they skip the ledger.
		ledgered := origin != "" && c.ID != 0

		err := a.db.Transaction(func(tx *gorm.DB) error {
			if ledgered {
				prior, err := a.applied.Find(ctx, tx, origin, c.EntityKind, c.EntityID, c.ID)
				if err != nil {
					return err
				}
				if prior != nil {
					res.Status = domain.PushOK
					res.ServerVersion = prior.ServerVersion
					return nil
				}
			}

			current, err := a.snapshots.Get(ctx, tx, c.EntityKind, c.EntityID)
			if err != nil {
				return err
			}
			if current != nil && current.ServerVersion > c.BaseVersion {
				// The entity moved on since the sender last saw it.
				res.Status = domain.PushConflict
				res.ServerVersion = current.ServerVersion
				return nil
			}

			version, err := a.snapshots.NextVersion(ctx, tx, c.EntityKind)
			if err != nil {
				return err
			}
			snap := &domain.EntitySnapshot{
				EntityKind:    c.EntityKind,
				EntityID:      c.EntityID,
				Payload:       c.Payload,
				ServerVersion: version,
				Deleted:       c.Operation == domain.OpDelete,
				Origin:        "peer",
				UpdatedAt:     a.clk.Now(),
			}
			if err := a.snapshots.Apply(ctx, tx, snap); err != nil {
				return err
			}
			if ledgered {
				if err := a.applied.Record(ctx, tx, &domain.AppliedChange{
					OriginTerminalID: origin,
					EntityKind:       c.EntityKind,
					EntityID:         c.EntityID,
					LocalVersion:     c.ID,
					ServerVersion:    version,
					AppliedAt:        a.clk.Now(),
				}); err != nil {
					return err
				}
			}
			res.Status = domain.PushOK
			res.ServerVersion = version
			return nil
		})
		if err != nil {
			a.log.Error("apply change failed", zap.Int64("change_id", c.ID), zap.Error(err))
			res.Status = domain.PushError
			res.Error = protocol.WrapError(protocol.CodeInternal, "apply change", err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (a *authority) ServePull(ctx context.Context, kind string, after int64, limit int) (*domain.PullPage, error) {
	if !domain.ValidKind(kind) {
		return nil, protocol.Errorf(protocol.CodeValidationError, "unknown entity kind %q", kind)
	}
	if limit <= 0 {
		limit = 100
	}

	max, err := a.snapshots.MaxVersion(ctx, a.db, kind)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "read max version", err)
	}
	if after > max {
		// The client's cursor is from a history we do not have.
		return &domain.PullPage{FullSyncRequired: true}, nil
	}

	snaps, err := a.snapshots.Since(ctx, a.db, kind, after, limit)
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "read snapshots", err)
	}

	page := &domain.PullPage{NextCursor: after}
	for _, s := range snaps {
		page.Items = append(page.Items, domain.RemoteItem{
			EntityKind: s.EntityKind,
			EntityID:   s.EntityID,
			Payload:    s.Payload,
			Version:    s.ServerVersion,
			Deleted:    s.Deleted,
		})
		if s.ServerVersion > page.NextCursor {
			page.NextCursor = s.ServerVersion
		}
	}
	page.HasMore = len(snaps) == limit && page.NextCursor < max
	return page, nil
}
