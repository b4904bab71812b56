package license

import (
	"sync"

	"go.uber.org/zap"

	"github.com/girosoft/giro-core/internal/events"
	"github.com/girosoft/giro-core/internal/protocol"
)

// Tracker holds the last known license state. Revocation and fingerprint
// mismatch flip the terminal into degraded mode; network failures do not,
// a terminal that cannot reach the server keeps its last verdict.
type Tracker struct {
	log *zap.Logger
	bus *events.Bus

	mu       sync.Mutex
	current  *Activation
	degraded bool
}

func NewTracker(log *zap.Logger, bus *events.Bus) *Tracker {
	return &Tracker{log: log.Named("license.state"), bus: bus}
}

func (t *Tracker) Degraded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.degraded
}

func (t *Tracker) Current() *Activation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Update applies a validation outcome.
func (t *Tracker) Update(a *Activation, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case err == nil && a != nil:
		wasDegraded := t.degraded
		t.current = a
		t.degraded = !a.Valid()
		if wasDegraded && !t.degraded {
			t.log.Info("license restored", zap.String("status", a.Status))
		}
		if !wasDegraded && t.degraded {
			t.log.Warn("license no longer valid", zap.String("status", a.Status))
			t.publishDegraded(a.Status)
		}
	case err != nil:
		code := protocol.CodeOf(err)
		if code == protocol.CodePermissionDenied || code == protocol.CodeUnauthenticated {
			if !t.degraded {
				t.log.Warn("license rejected by server", zap.Error(err))
				t.publishDegraded(string(code))
			}
			t.degraded = true
		} else {
			// Unreachable server, keep the last verdict.
			t.log.Debug("license check failed transiently", zap.Error(err))
		}
	}
}

func (t *Tracker) publishDegraded(reason string) {
	t.bus.Publish(events.Event{Kind: events.KindStateChanged, Payload: map[string]any{
		"degraded": true,
		"reason":   reason,
	}})
}
