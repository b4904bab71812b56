package observability

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/girosoft/giro-core/internal/events"
)

// Collector turns coordination events into prometheus series. The series
// are registered on the default registry, which the peer server exposes
// on /metrics.
type Collector struct {
	log *zap.Logger
	bus *events.Bus

	syncCompleted    prometheus.Counter
	syncConflicts    prometheus.Counter
	stockUpdates     prometheus.Counter
	linkErrors       prometheus.Counter
	stateTransitions *prometheus.CounterVec
	reconnects       prometheus.Counter

	connectedPeers  prometheus.Gauge
	pendingChanges  prometheus.Gauge
	licenseDegraded prometheus.Gauge
}

func NewCollector(log *zap.Logger, bus *events.Bus, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		log: log.Named("observability"),
		bus: bus,

		syncCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "giro_sync_completed_total",
			Help: "Completed sync passes.",
		}),
		syncConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "giro_sync_conflicts_total",
			Help: "Pushed changes dropped because the master already held a newer version.",
		}),
		stockUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "giro_stock_updates_total",
			Help: "Stock mutations observed locally or from peers.",
		}),
		linkErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "giro_link_errors_total",
			Help: "Errors surfaced on the coordination event bus.",
		}),
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "giro_link_state_transitions_total",
			Help: "Master link state transitions by target state.",
		}, []string{"state"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "giro_link_reconnect_attempts_total",
			Help: "Reconnect attempts against the master.",
		}),

		connectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "giro_connected_peers",
			Help: "Peers currently connected to this master.",
		}),
		pendingChanges: factory.NewGauge(prometheus.GaugeOpts{
			Name: "giro_sync_pending_changes",
			Help: "Local changes queued for push.",
		}),
		licenseDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "giro_license_degraded",
			Help: "1 while the terminal runs in degraded licensing mode.",
		}),
	}
}

// Watch consumes the event bus until ctx is cancelled.
func (c *Collector) Watch(ctx context.Context) {
	ch, cancel := c.bus.Subscribe()
	defer cancel()

	c.log.Debug("watching coordination events")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.observe(ev)
		}
	}
}

func (c *Collector) observe(ev events.Event) {
	switch ev.Kind {
	case events.KindSyncCompleted:
		if payload, ok := ev.Payload.(map[string]any); ok {
			if conflict, _ := payload["conflict"].(bool); conflict {
				c.syncConflicts.Inc()
				return
			}
		}
		c.syncCompleted.Inc()
	case events.KindStockUpdated:
		c.stockUpdates.Inc()
	case events.KindError:
		c.linkErrors.Inc()
	case events.KindReconnecting:
		c.reconnects.Inc()
	case events.KindStateChanged:
		switch payload := ev.Payload.(type) {
		case string:
			c.stateTransitions.WithLabelValues(payload).Inc()
		case map[string]any:
			if state, _ := payload["state"].(string); state != "" {
				c.stateTransitions.WithLabelValues(state).Inc()
			}
		}
	}
}

func (c *Collector) SetConnectedPeers(n int) { c.connectedPeers.Set(float64(n)) }

func (c *Collector) SetPendingChanges(n int64) { c.pendingChanges.Set(float64(n)) }

func (c *Collector) SetLicenseDegraded(degraded bool) {
	if degraded {
		c.licenseDegraded.Set(1)
	} else {
		c.licenseDegraded.Set(0)
	}
}
