package events

import (
	"sync"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Kind enumerates coordination events surfaced to the host application.
type Kind string

const (
	KindStateChanged  Kind = "state_changed"
	KindMasterFound   Kind = "master_found"
	KindSyncCompleted Kind = "sync_completed"
	KindStockUpdated  Kind = "stock_updated"
	KindReconnecting  Kind = "reconnecting"
	KindError         Kind = "error"
)

// Event is a coordination event with a kind-specific payload.
type Event struct {
	Kind    Kind
	Payload any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that stops draining loses events rather than stalling the publisher.
type Bus struct {
	log  *zap.Logger
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

func NewBus(log *zap.Logger) *Bus {
	return &Bus{
		log:  log.Named("events"),
		subs: make(map[int]chan Event),
	}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// func unregisters and closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, 64)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn("subscriber lagging, event dropped",
				zap.Int("subscriber", id),
				zap.String("kind", string(ev.Kind)))
		}
	}
}

func (b *Bus) PublishError(err error) {
	b.Publish(Event{Kind: KindError, Payload: err.Error()})
}

var Module = fx.Module("events",
	fx.Provide(NewBus),
)
