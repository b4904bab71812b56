package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Well-known setting keys.
const (
	KeyNetworkMasterIP   = "network.master_ip"
	KeyNetworkMasterPort = "network.master_port"
	KeyNetworkSecret     = "network.secret"
	KeyNetworkAutoSync   = "network.auto_sync"
	KeyNetworkLastSync   = "network.last_sync"

	KeyTerminalName = "terminal.name"
	KeyTerminalRole = "terminal.role"

	KeyLicenseKey = "license.key"
)

// Setting is one persisted key/value pair. Values are stored as text;
// typed reads live in the service layer.
type Setting struct {
	Key       string    `gorm:"primaryKey;column:key" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Setting) TableName() string { return "settings" }

type Repository interface {
	Get(ctx context.Context, db *gorm.DB, key string) (*Setting, error)
	Put(ctx context.Context, db *gorm.DB, key, value string) error
	ListByPrefix(ctx context.Context, db *gorm.DB, prefix string) ([]*Setting, error)
	Delete(ctx context.Context, db *gorm.DB, key string) error
}
