package domain

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/girosoft/giro-core/internal/protocol"
)

// Entity kinds that replicate between terminals.
const (
	KindProduct  = "product"
	KindCategory = "category"
	KindSupplier = "supplier"
	KindCustomer = "customer"
	KindEmployee = "employee"
	KindSetting  = "setting"
)

// Kinds lists every replicated entity kind in pull order.
func Kinds() []string {
	return []string{KindCategory, KindSupplier, KindProduct, KindCustomer, KindEmployee, KindSetting}
}

func ValidKind(kind string) bool {
	for _, k := range Kinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// Change operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

func ValidOp(op string) bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// PendingChange is a local mutation queued for push. The auto-increment ID
// preserves per-entity order; BaseVersion is the server version the change
// was made against, used for conflict detection at the authority.
type PendingChange struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	EntityKind  string         `gorm:"not null;index:idx_pending_entity" json:"entity_kind"`
	EntityID    string         `gorm:"not null;index:idx_pending_entity" json:"entity_id"`
	Operation   string         `gorm:"not null" json:"operation"`
	Payload     datatypes.JSON `json:"payload,omitempty"`
	BaseVersion int64          `gorm:"not null;default:0" json:"base_version"`
	Attempts    int            `gorm:"not null;default:0" json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `gorm:"not null" json:"created_at"`
}

func (PendingChange) TableName() string { return "sync_pending" }

// SyncCursor tracks the highest server version applied per entity kind.
type SyncCursor struct {
	EntityKind string    `gorm:"primaryKey" json:"entity_kind"`
	Version    int64     `gorm:"not null;default:0" json:"version"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (SyncCursor) TableName() string { return "sync_cursors" }

// EntitySnapshot is the replicated state of one entity. ServerVersion is
// assigned by the authority; Origin records which side wrote last.
type EntitySnapshot struct {
	EntityKind    string         `gorm:"primaryKey" json:"entity_kind"`
	EntityID      string         `gorm:"primaryKey" json:"entity_id"`
	Payload       datatypes.JSON `json:"payload,omitempty"`
	ServerVersion int64          `gorm:"not null;default:0;index" json:"server_version"`
	Deleted       bool           `gorm:"not null;default:false" json:"deleted"`
	Origin        string         `gorm:"not null;default:''" json:"origin"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

func (EntitySnapshot) TableName() string { return "entity_snapshots" }

// AppliedChange is the authority's ledger of changes it has already
// applied, keyed by the origin terminal and the change identity on that
// terminal. A redelivered change gets its recorded outcome back instead
// of a second server version.
type AppliedChange struct {
	OriginTerminalID string    `gorm:"primaryKey" json:"origin_terminal_id"`
	EntityKind       string    `gorm:"primaryKey" json:"entity_kind"`
	EntityID         string    `gorm:"primaryKey" json:"entity_id"`
	LocalVersion     int64     `gorm:"primaryKey;autoIncrement:false" json:"local_version"`
	ServerVersion    int64     `gorm:"not null" json:"server_version"`
	AppliedAt        time.Time `json:"applied_at"`
}

func (AppliedChange) TableName() string { return "applied_changes" }

type PendingRepository interface {
	Enqueue(ctx context.Context, db *gorm.DB, c *PendingChange) error
	NextBatch(ctx context.Context, db *gorm.DB, limit int) ([]*PendingChange, error)
	Delete(ctx context.Context, db *gorm.DB, ids []int64) error
	MarkFailed(ctx context.Context, db *gorm.DB, id int64, msg string) error
	Count(ctx context.Context, db *gorm.DB) (int64, error)
	CountByKind(ctx context.Context, db *gorm.DB) (map[string]int64, error)
}

type CursorRepository interface {
	Get(ctx context.Context, db *gorm.DB, kind string) (int64, error)
	Advance(ctx context.Context, db *gorm.DB, kind string, version int64, now time.Time) error
	ResetAll(ctx context.Context, db *gorm.DB) error
	All(ctx context.Context, db *gorm.DB) ([]*SyncCursor, error)
}

type AppliedRepository interface {
	Find(ctx context.Context, db *gorm.DB, origin, kind, entityID string, localVersion int64) (*AppliedChange, error)
	Record(ctx context.Context, db *gorm.DB, a *AppliedChange) error
}

type SnapshotRepository interface {
	Apply(ctx context.Context, db *gorm.DB, s *EntitySnapshot) error
	Get(ctx context.Context, db *gorm.DB, kind, id string) (*EntitySnapshot, error)
	Since(ctx context.Context, db *gorm.DB, kind string, after int64, limit int) ([]*EntitySnapshot, error)
	MaxVersion(ctx context.Context, db *gorm.DB, kind string) (int64, error)
	NextVersion(ctx context.Context, db *gorm.DB, kind string) (int64, error)
	MinVersion(ctx context.Context, db *gorm.DB, kind string) (int64, error)
}

// Push result statuses reported by the authority per change.
const (
	PushOK       = "ok"
	PushConflict = "conflict"
	PushError    = "error"
)

type PushResult struct {
	ChangeID      int64           `json:"change_id"`
	Status        string          `json:"status"`
	ServerVersion int64           `json:"server_version,omitempty"`
	Error         *protocol.Error `json:"error,omitempty"`
}

type RemoteItem struct {
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    datatypes.JSON `json:"payload,omitempty"`
	Version    int64          `json:"version"`
	Deleted    bool           `json:"deleted"`
}

type PullPage struct {
	Items            []RemoteItem `json:"items"`
	NextCursor       int64        `json:"next_cursor"`
	HasMore          bool         `json:"has_more"`
	FullSyncRequired bool         `json:"full_sync_required,omitempty"`
}

// Remote is the sync authority as seen from a satellite.
type Remote interface {
	Push(ctx context.Context, changes []*PendingChange) ([]PushResult, error)
	Pull(ctx context.Context, kind string, after int64, limit int) (*PullPage, error)
}

// Status is the sync surface reported to the host application.
type Status struct {
	Pending        int64            `json:"pending"`
	PendingByKind  map[string]int64 `json:"pending_by_kind,omitempty"`
	Cursors        map[string]int64 `json:"cursors"`
	LastSyncAt     time.Time        `json:"last_sync_at"`
	LastSyncKind   string           `json:"last_sync_kind,omitempty"`
	TotalSyncs     int64            `json:"total_syncs"`
	TotalConflicts int64            `json:"total_conflicts"`
	Paused         bool             `json:"paused"`
}

// Engine replicates local changes to the authority and applies its state.
type Engine interface {
	Enqueue(ctx context.Context, kind, entityID, op string, payload []byte, baseVersion int64) error
	PushPending(ctx context.Context) error
	DeltaSync(ctx context.Context) error
	FullSync(ctx context.Context) error
	Status(ctx context.Context) (*Status, error)
	Reset(ctx context.Context) error
	SetPaused(paused bool)
}
