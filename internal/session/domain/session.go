package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Session is an authenticated principal on this terminal. Principal is the
// device or user the session belongs to; a principal holds at most a fixed
// number of live sessions and the oldest is evicted first.
type Session struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	Principal      string    `gorm:"not null;index" json:"principal"`
	Role           string    `gorm:"not null" json:"role"`
	DeviceName     string    `json:"device_name,omitempty"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
	ExpiresAt      time.Time `gorm:"not null;index" json:"expires_at"`
	RenewedAt      time.Time `json:"renewed_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (Session) TableName() string { return "sessions" }

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, s *Session) error
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Session, error)
	ListByPrincipal(ctx context.Context, db *gorm.DB, principal string) ([]*Session, error)
	Touch(ctx context.Context, db *gorm.DB, id string, at time.Time) error
	Delete(ctx context.Context, db *gorm.DB, id string) error
	DeleteByPrincipal(ctx context.Context, db *gorm.DB, principal string) (int64, error)
	DeleteExpired(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
	CountActive(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
}

// Manager issues, validates and renews session tokens. Renew rotates the
// session id, so the replaced token stops validating.
type Manager interface {
	Create(ctx context.Context, principal, role, deviceName string) (*Session, string, error)
	Validate(ctx context.Context, token string) (*Session, error)
	Renew(ctx context.Context, token string) (*Session, string, error)
	Revoke(ctx context.Context, sessionID string) error
	RevokeAllForPrincipal(ctx context.Context, principal string) (int64, error)
	Sweep(ctx context.Context) (int64, error)
	CountActive(ctx context.Context) (int64, error)
}
