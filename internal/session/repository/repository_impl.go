package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/girosoft/giro-core/internal/session/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, s *domain.Session) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO sessions (id, principal, role, device_name, created_at, expires_at, renewed_at, last_activity_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.Principal,
		s.Role,
		s.DeviceName,
		s.CreatedAt,
		s.ExpiresAt,
		s.RenewedAt,
		s.LastActivityAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.Session, error) {
	var s domain.Session
	err := db.WithContext(ctx).Raw(
		`SELECT id, principal, role, device_name, created_at, expires_at, renewed_at, last_activity_at
		 FROM sessions WHERE id = ?`,
		id,
	).Scan(&s).Error
	if err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, nil
	}
	return &s, nil
}

func (r *repo) ListByPrincipal(ctx context.Context, db *gorm.DB, principal string) ([]*domain.Session, error) {
	var sessions []*domain.Session
	err := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("principal = ?", principal).
		Order("created_at ASC").
		Find(&sessions).Error
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *repo) Touch(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`,
		at,
		id,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id string) error {
	return db.WithContext(ctx).Exec(`DELETE FROM sessions WHERE id = ?`, id).Error
}

func (r *repo) DeleteByPrincipal(ctx context.Context, db *gorm.DB, principal string) (int64, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM sessions WHERE principal = ?`, principal)
	return res.RowsAffected, res.Error
}

func (r *repo) DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(`DELETE FROM sessions WHERE expires_at <= ?`, now)
	return res.RowsAffected, res.Error
}

func (r *repo) CountActive(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Session{}).
		Where("expires_at > ?", now).
		Count(&count).Error
	return count, err
}
