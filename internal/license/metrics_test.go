package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/girosoft/giro-core/internal/clock"
	"github.com/girosoft/giro-core/internal/config"
	"github.com/girosoft/giro-core/internal/identity"
	"github.com/girosoft/giro-core/pkg/db"
)

func newTestAggregator(t *testing.T) (*Aggregator, *clock.FakeClock) {
	t.Helper()

	dbConn, err := db.NewTest()
	require.NoError(t, err)
	require.NoError(t, dbConn.AutoMigrate(&DailyUsage{}))
	t.Cleanup(func() {
		dbConn.Exec("DELETE FROM license_usage_days")
	})

	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	ident := identity.Terminal{ID: "term-1", Version: "1.2.0"}
	return NewAggregator(zaptest.NewLogger(t), dbConn, clk, ident), clk
}

func TestAggregatorAccumulatesOneRowPerDay(t *testing.T) {
	agg, clk := newTestAggregator(t)
	ctx := context.Background()

	require.NoError(t, agg.RecordSale(ctx, 10.50))
	require.NoError(t, agg.RecordSale(ctx, 4.25))
	require.NoError(t, agg.RecordSyncedChanges(ctx, 12))
	require.NoError(t, agg.NoteActiveDevices(ctx, 3))
	require.NoError(t, agg.NoteActiveDevices(ctx, 2))

	clk.Advance(24 * time.Hour)

	reports, err := agg.PendingReports(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.Equal(t, "2025-06-01", reports[0].Day)
	require.EqualValues(t, 2, reports[0].SalesCount)
	require.InDelta(t, 14.75, reports[0].SalesTotal, 0.001)
	require.EqualValues(t, 12, reports[0].SyncedChanges)
	require.Equal(t, 3, reports[0].ActiveDevices)
	require.Equal(t, "term-1", reports[0].TerminalID)
}

func TestPendingExcludesCurrentDay(t *testing.T) {
	agg, _ := newTestAggregator(t)
	ctx := context.Background()

	require.NoError(t, agg.RecordSale(ctx, 5))

	reports, err := agg.PendingReports(ctx)
	require.NoError(t, err)
	require.Empty(t, reports)
}

func TestSubmitIsIdempotentPerDay(t *testing.T) {
	agg, clk := newTestAggregator(t)
	ctx := context.Background()

	require.NoError(t, agg.RecordSale(ctx, 5))
	clk.Advance(24 * time.Hour)

	var submissions int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Reports []MetricsReport `json:"reports"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		submissions += len(body.Reports)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := config.Config{LicenseServerURL: srv.URL, LicenseKey: "k"}
	client := NewClient(zaptest.NewLogger(t), cfg, identity.Terminal{ID: "term-1"}, clk)

	require.NoError(t, agg.Submit(ctx, client))
	require.NoError(t, agg.Submit(ctx, client))
	require.Equal(t, 1, submissions)
}

func TestNewSaleReopensSubmittedDay(t *testing.T) {
	agg, clk := newTestAggregator(t)
	ctx := context.Background()

	require.NoError(t, agg.RecordSale(ctx, 5))
	require.NoError(t, agg.MarkSubmitted(ctx, []string{"2025-06-01"}))

	// A late sale on the same day reopens it for resubmission.
	require.NoError(t, agg.RecordSale(ctx, 2))
	clk.Advance(24 * time.Hour)

	reports, err := agg.PendingReports(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	require.EqualValues(t, 2, reports[0].SalesCount)
}
