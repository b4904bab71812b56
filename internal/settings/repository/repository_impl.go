package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/girosoft/giro-core/internal/settings/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, key string) (*domain.Setting, error) {
	var s domain.Setting
	err := db.WithContext(ctx).Raw(
		`SELECT key, value, updated_at FROM settings WHERE key = ?`,
		key,
	).Scan(&s).Error
	if err != nil {
		return nil, err
	}
	if s.Key == "" {
		return nil, nil
	}
	return &s, nil
}

func (r *repo) Put(ctx context.Context, db *gorm.DB, key, value string) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO settings (key, value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value,
		   updated_at = excluded.updated_at`,
		key,
		value,
		time.Now().UTC(),
	).Error
}

func (r *repo) ListByPrefix(ctx context.Context, db *gorm.DB, prefix string) ([]*domain.Setting, error) {
	var settings []*domain.Setting
	err := db.WithContext(ctx).
		Model(&domain.Setting{}).
		Where("key LIKE ?", prefix+"%").
		Order("key ASC").
		Find(&settings).Error
	if err != nil {
		return nil, err
	}
	return settings, nil
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, key string) error {
	return db.WithContext(ctx).Exec(`DELETE FROM settings WHERE key = ?`, key).Error
}
