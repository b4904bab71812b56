package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/girosoft/giro-core/internal/sync/domain"
)

type pendingRepo struct{}

func ProvidePending() domain.PendingRepository {
	return &pendingRepo{}
}

func (r *pendingRepo) Enqueue(ctx context.Context, db *gorm.DB, c *domain.PendingChange) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO sync_pending (entity_kind, entity_id, operation, payload, base_version, attempts, last_error, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, '', ?)`,
		c.EntityKind,
		c.EntityID,
		c.Operation,
		c.Payload,
		c.BaseVersion,
		c.CreatedAt,
	).Error
}

func (r *pendingRepo) NextBatch(ctx context.Context, db *gorm.DB, limit int) ([]*domain.PendingChange, error) {
	var changes []*domain.PendingChange
	err := db.WithContext(ctx).
		Model(&domain.PendingChange{}).
		Order("id ASC").
		Limit(limit).
		Find(&changes).Error
	if err != nil {
		return nil, err
	}
	return changes, nil
}

func (r *pendingRepo) Delete(ctx context.Context, db *gorm.DB, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(`DELETE FROM sync_pending WHERE id IN ?`, ids).Error
}

func (r *pendingRepo) MarkFailed(ctx context.Context, db *gorm.DB, id int64, msg string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE sync_pending SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		msg,
		id,
	).Error
}

func (r *pendingRepo) Count(ctx context.Context, db *gorm.DB) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&domain.PendingChange{}).Count(&count).Error
	return count, err
}

func (r *pendingRepo) CountByKind(ctx context.Context, db *gorm.DB) (map[string]int64, error) {
	var rows []struct {
		EntityKind string
		N          int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT entity_kind, COUNT(*) AS n FROM sync_pending GROUP BY entity_kind`,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.EntityKind] = row.N
	}
	return counts, nil
}

type cursorRepo struct{}

func ProvideCursor() domain.CursorRepository {
	return &cursorRepo{}
}

func (r *cursorRepo) Get(ctx context.Context, db *gorm.DB, kind string) (int64, error) {
	var c domain.SyncCursor
	err := db.WithContext(ctx).Raw(
		`SELECT entity_kind, version, updated_at FROM sync_cursors WHERE entity_kind = ?`,
		kind,
	).Scan(&c).Error
	if err != nil {
		return 0, err
	}
	return c.Version, nil
}

func (r *cursorRepo) Advance(ctx context.Context, db *gorm.DB, kind string, version int64, now time.Time) error {
	// Cursors only move forward.
	return db.WithContext(ctx).Exec(
		`INSERT INTO sync_cursors (entity_kind, version, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(entity_kind) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at
		 WHERE excluded.version > sync_cursors.version`,
		kind,
		version,
		now,
	).Error
}

func (r *cursorRepo) ResetAll(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Exec(`UPDATE sync_cursors SET version = 0`).Error
}

func (r *cursorRepo) All(ctx context.Context, db *gorm.DB) ([]*domain.SyncCursor, error) {
	var cursors []*domain.SyncCursor
	err := db.WithContext(ctx).Model(&domain.SyncCursor{}).Find(&cursors).Error
	if err != nil {
		return nil, err
	}
	return cursors, nil
}

type snapshotRepo struct{}

func ProvideSnapshot() domain.SnapshotRepository {
	return &snapshotRepo{}
}

func (r *snapshotRepo) Apply(ctx context.Context, db *gorm.DB, s *domain.EntitySnapshot) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO entity_snapshots (entity_kind, entity_id, payload, server_version, deleted, origin, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_kind, entity_id) DO UPDATE SET
		   payload = excluded.payload,
		   server_version = excluded.server_version,
		   deleted = excluded.deleted,
		   origin = excluded.origin,
		   updated_at = excluded.updated_at`,
		s.EntityKind,
		s.EntityID,
		s.Payload,
		s.ServerVersion,
		s.Deleted,
		s.Origin,
		s.UpdatedAt,
	).Error
}

func (r *snapshotRepo) Get(ctx context.Context, db *gorm.DB, kind, id string) (*domain.EntitySnapshot, error) {
	var s domain.EntitySnapshot
	err := db.WithContext(ctx).Raw(
		`SELECT entity_kind, entity_id, payload, server_version, deleted, origin, updated_at
		 FROM entity_snapshots WHERE entity_kind = ? AND entity_id = ?`,
		kind,
		id,
	).Scan(&s).Error
	if err != nil {
		return nil, err
	}
	if s.EntityID == "" {
		return nil, nil
	}
	return &s, nil
}

func (r *snapshotRepo) Since(ctx context.Context, db *gorm.DB, kind string, after int64, limit int) ([]*domain.EntitySnapshot, error) {
	var snaps []*domain.EntitySnapshot
	err := db.WithContext(ctx).
		Model(&domain.EntitySnapshot{}).
		Where("entity_kind = ? AND server_version > ?", kind, after).
		Order("server_version ASC").
		Limit(limit).
		Find(&snaps).Error
	if err != nil {
		return nil, err
	}
	return snaps, nil
}

func (r *snapshotRepo) MaxVersion(ctx context.Context, db *gorm.DB, kind string) (int64, error) {
	var v int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MAX(server_version), 0) FROM entity_snapshots WHERE entity_kind = ?`,
		kind,
	).Scan(&v).Error
	return v, err
}

func (r *snapshotRepo) NextVersion(ctx context.Context, db *gorm.DB, kind string) (int64, error) {
	v, err := r.MaxVersion(ctx, db, kind)
	if err != nil {
		return 0, err
	}
	return v + 1, nil
}

func (r *snapshotRepo) MinVersion(ctx context.Context, db *gorm.DB, kind string) (int64, error) {
	var v int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(MIN(server_version), 0) FROM entity_snapshots WHERE entity_kind = ? AND deleted = false`,
		kind,
	).Scan(&v).Error
	return v, err
}

type appliedRepo struct{}

func ProvideApplied() domain.AppliedRepository {
	return &appliedRepo{}
}

func (r *appliedRepo) Find(ctx context.Context, db *gorm.DB, origin, kind, entityID string, localVersion int64) (*domain.AppliedChange, error) {
	var a domain.AppliedChange
	err := db.WithContext(ctx).Raw(
		`SELECT origin_terminal_id, entity_kind, entity_id, local_version, server_version, applied_at
		 FROM applied_changes
		 WHERE origin_terminal_id = ? AND entity_kind = ? AND entity_id = ? AND local_version = ?`,
		origin,
		kind,
		entityID,
		localVersion,
	).Scan(&a).Error
	if err != nil {
		return nil, err
	}
	if a.OriginTerminalID == "" {
		return nil, nil
	}
	return &a, nil
}

func (r *appliedRepo) Record(ctx context.Context, db *gorm.DB, a *domain.AppliedChange) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO applied_changes (origin_terminal_id, entity_kind, entity_id, local_version, server_version, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(origin_terminal_id, entity_kind, entity_id, local_version) DO NOTHING`,
		a.OriginTerminalID,
		a.EntityKind,
		a.EntityID,
		a.LocalVersion,
		a.ServerVersion,
		a.AppliedAt,
	).Error
}
