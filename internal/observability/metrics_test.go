package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/girosoft/giro-core/internal/events"
)

func newCollector(t *testing.T) (*Collector, *events.Bus) {
	t.Helper()
	bus := events.NewBus(zaptest.NewLogger(t))
	return NewCollector(zaptest.NewLogger(t), bus, prometheus.NewRegistry()), bus
}

func TestObserveCountsSyncOutcomes(t *testing.T) {
	c, _ := newCollector(t)

	c.observe(events.Event{Kind: events.KindSyncCompleted, Payload: map[string]any{"mode": "delta"}})
	c.observe(events.Event{Kind: events.KindSyncCompleted, Payload: map[string]any{"conflict": true, "change_id": int64(4)}})
	c.observe(events.Event{Kind: events.KindSyncCompleted, Payload: map[string]any{"mode": "full"}})

	require.Equal(t, float64(2), testutil.ToFloat64(c.syncCompleted))
	require.Equal(t, float64(1), testutil.ToFloat64(c.syncConflicts))
}

func TestObserveCountsLinkActivity(t *testing.T) {
	c, _ := newCollector(t)

	c.observe(events.Event{Kind: events.KindStockUpdated, Payload: map[string]any{"entity_id": "p1"}})
	c.observe(events.Event{Kind: events.KindError, Payload: "boom"})
	c.observe(events.Event{Kind: events.KindReconnecting, Payload: map[string]any{"attempt": 1}})
	c.observe(events.Event{Kind: events.KindStateChanged, Payload: "connected"})
	c.observe(events.Event{Kind: events.KindStateChanged, Payload: map[string]any{"degraded": true, "reason": "revoked"}})

	require.Equal(t, float64(1), testutil.ToFloat64(c.stockUpdates))
	require.Equal(t, float64(1), testutil.ToFloat64(c.linkErrors))
	require.Equal(t, float64(1), testutil.ToFloat64(c.reconnects))
	require.Equal(t, float64(1), testutil.ToFloat64(c.stateTransitions.WithLabelValues("connected")))
}

func TestGauges(t *testing.T) {
	c, _ := newCollector(t)

	c.SetConnectedPeers(3)
	c.SetPendingChanges(12)
	c.SetLicenseDegraded(true)

	require.Equal(t, float64(3), testutil.ToFloat64(c.connectedPeers))
	require.Equal(t, float64(12), testutil.ToFloat64(c.pendingChanges))
	require.Equal(t, float64(1), testutil.ToFloat64(c.licenseDegraded))

	c.SetLicenseDegraded(false)
	require.Equal(t, float64(0), testutil.ToFloat64(c.licenseDegraded))
}
