package license

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/identity"
	"github.com/girosoft/giro-core/internal/protocol"
)

// DailyUsage is one day of local usage, keyed by day so re-aggregation
// stays idempotent. SubmittedAt marks days already accepted upstream.
type DailyUsage struct {
	Day           string     `gorm:"primaryKey" json:"day"`
	SalesCount    int64      `gorm:"not null;default:0" json:"sales_count"`
	SalesTotal    float64    `gorm:"not null;default:0" json:"sales_total"`
	SyncedChanges int64      `gorm:"not null;default:0" json:"synced_changes"`
	ActiveDevices int        `gorm:"not null;default:0" json:"active_devices"`
	UpdatedAt     time.Time  `json:"updated_at"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
}

func (DailyUsage) TableName() string { return "license_usage_days" }

// Aggregator accumulates daily usage and submits pending days.
type Aggregator struct {
	log   *zap.Logger
	db    *gorm.DB
	clk   clock.Clock
	ident identity.Terminal
}

func NewAggregator(log *zap.Logger, db *gorm.DB, clk clock.Clock, ident identity.Terminal) *Aggregator {
	return &Aggregator{log: log.Named("license.metrics"), db: db, clk: clk, ident: ident}
}

func (a *Aggregator) day() string {
	return a.clk.Now().Format("2006-01-02")
}

func (a *Aggregator) RecordSale(ctx context.Context, total float64) error {
	now := a.clk.Now()
	return a.db.WithContext(ctx).Exec(
		`INSERT INTO license_usage_days (day, sales_count, sales_total, synced_changes, active_devices, updated_at)
		 VALUES (?, 1, ?, 0, 0, ?)
		 ON CONFLICT(day) DO UPDATE SET
		   sales_count = license_usage_days.sales_count + 1,
		   sales_total = license_usage_days.sales_total + excluded.sales_total,
		   updated_at = excluded.updated_at,
		   submitted_at = NULL`,
		a.day(),
		total,
		now,
	).Error
}

func (a *Aggregator) RecordSyncedChanges(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	now := a.clk.Now()
	return a.db.WithContext(ctx).Exec(
		`INSERT INTO license_usage_days (day, sales_count, sales_total, synced_changes, active_devices, updated_at)
		 VALUES (?, 0, 0, ?, 0, ?)
		 ON CONFLICT(day) DO UPDATE SET
		   synced_changes = license_usage_days.synced_changes + excluded.synced_changes,
		   updated_at = excluded.updated_at,
		   submitted_at = NULL`,
		a.day(),
		n,
		now,
	).Error
}

// NoteActiveDevices records the high-water mark of connected devices.
func (a *Aggregator) NoteActiveDevices(ctx context.Context, n int) error {
	now := a.clk.Now()
	return a.db.WithContext(ctx).Exec(
		`INSERT INTO license_usage_days (day, sales_count, sales_total, synced_changes, active_devices, updated_at)
		 VALUES (?, 0, 0, 0, ?, ?)
		 ON CONFLICT(day) DO UPDATE SET
		   active_devices = MAX(license_usage_days.active_devices, excluded.active_devices),
		   updated_at = excluded.updated_at`,
		a.day(),
		n,
		now,
	).Error
}

// PendingReports returns the days not yet accepted by the server, oldest
// first, never including the current (still accumulating) day.
func (a *Aggregator) PendingReports(ctx context.Context) ([]MetricsReport, error) {
	var rows []DailyUsage
	err := a.db.WithContext(ctx).
		Model(&DailyUsage{}).
		Where("submitted_at IS NULL AND day < ?", a.day()).
		Order("day ASC").
		Find(&rows).Error
	if err != nil {
		return nil, protocol.WrapError(protocol.CodeInternal, "load usage days", err)
	}

	reports := make([]MetricsReport, 0, len(rows))
	for _, row := range rows {
		reports = append(reports, MetricsReport{
			Day:           row.Day,
			SalesCount:    row.SalesCount,
			SalesTotal:    row.SalesTotal,
			SyncedChanges: row.SyncedChanges,
			ActiveDevices: row.ActiveDevices,
			TerminalID:    a.ident.ID,
			AppVersion:    a.ident.Version,
		})
	}
	return reports, nil
}

// MarkSubmitted stamps the given days as accepted.
func (a *Aggregator) MarkSubmitted(ctx context.Context, days []string) error {
	if len(days) == 0 {
		return nil
	}
	now := a.clk.Now()
	err := a.db.WithContext(ctx).Exec(
		`UPDATE license_usage_days SET submitted_at = ? WHERE day IN ?`,
		now,
		days,
	).Error
	if err != nil {
		return protocol.WrapError(protocol.CodeInternal, "mark usage submitted", err)
	}
	return nil
}

// Submit pushes all pending days through the client and marks them.
func (a *Aggregator) Submit(ctx context.Context, client *Client) error {
	reports, err := a.PendingReports(ctx)
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		return nil
	}

	if err := client.SyncMetrics(ctx, reports); err != nil {
		return err
	}

	days := make([]string, len(reports))
	for i, r := range reports {
		days[i] = r.Day
	}
	if err := a.MarkSubmitted(ctx, days); err != nil {
		return err
	}
	a.log.Info("usage reports submitted", zap.Int("days", len(days)))
	return nil
}
