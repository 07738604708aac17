// Package eventbus is Hydra's single append-only, monotonically-id'd event
// log with fan-out to subscribers and reconnection backfill, using a pure
// in-memory ring rather than a database-backed LISTEN/NOTIFY fan-out, since
// the orchestrator is a single process.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hydraorch/hydra/pkg/models"
)

// MaxEvents is the ring's retention capacity.
const MaxEvents = 2000

// subscriberBuffer is the bounded channel capacity each subscriber owns.
// Publishers never block on a slow subscriber; once this fills the
// subscriber is dropped rather than back-pressuring the bus.
const subscriberBuffer = 256

// Bus is the Event Bus component. It exclusively owns the log and id
// counter. All access is guarded by a single mutex; publish is
// O(subscribers) and never blocks on a consumer.
type Bus struct {
	mu        sync.Mutex
	nextID    uint64
	ring      []models.Event // retained tail, oldest first, capacity MaxEvents
	subs      map[uint64]*subscriber
	nextSubID uint64
	logger    *slog.Logger
}

type subscriber struct {
	ch     chan models.Event
	closed bool
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subs:   make(map[uint64]*subscriber),
		logger: slog.Default().With("component", "eventbus"),
	}
}

// Publish assigns the next monotonic id, stamps the timestamp, appends to the
// ring and pushes to every live subscriber. It never blocks: a subscriber
// whose buffer is full is dropped and the drop is logged.
func (b *Bus) Publish(kind models.EventKind, data any) models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	ev := models.Event{ID: b.nextID, Type: kind, Timestamp: time.Now().UTC(), Data: data}

	b.ring = append(b.ring, ev)
	if len(b.ring) > MaxEvents {
		b.ring = b.ring[len(b.ring)-MaxEvents:]
	}

	for id, sub := range b.subs {
		if sub.closed {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("dropping slow subscriber", "subscriber", id, "event_id", ev.ID)
			b.dropLocked(id)
		}
	}
	return ev
}

// dropLocked closes and removes a subscriber. Caller must hold b.mu.
func (b *Bus) dropLocked(id uint64) {
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	delete(b.subs, id)
}

// Subscription is a live handle returned by Subscribe.
type Subscription struct {
	Events <-chan models.Event
	// Gap is true when sinceId predated the ring's oldest retained event; a
	// GapPayload event has already been pushed as the first item on Events.
	Gap bool

	bus *Bus
	id  uint64
}

// Unsubscribe removes the subscription and releases its buffer. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.dropLocked(s.id)
}

// Subscribe returns an ordered lazy sequence of events with id > sinceId:
// first a replay of retained events in id order, then live events as they
// are published. If sinceId is older than the ring's oldest retained id, a
// gap sentinel is pushed first so the caller knows to reconcile via REST.
//
// The subscriber is only added to b.subs once replay has been pushed onto
// its channel, all under the same lock Publish uses to fan out — so a
// concurrent Publish can never hand the channel a live event ahead of the
// replay tail, which would otherwise deliver a higher id before lower ones
// and break strictly-increasing ids within one subscription.
func (b *Bus) Subscribe(sinceID uint64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSubID++
	id := b.nextSubID
	ch := make(chan models.Event, subscriberBuffer)

	replay := b.snapshotSinceLocked(sinceID)

	// A gap applies when the caller's sinceId predates the oldest id the ring
	// still retains, i.e. events it is asking to replay have already aged out.
	oldestRetained := uint64(0)
	if len(b.ring) > 0 {
		oldestRetained = b.ring[0].ID
	}
	gap := sinceID > 0 && oldestRetained > 1 && sinceID < oldestRetained-1

	// push is non-blocking like Publish's own fan-out: a subscriber whose
	// buffer can't hold its own replay is dropped rather than stalling
	// Subscribe (and, since this all runs under b.mu, every other caller of
	// the bus) until a reader shows up.
	dropped := false
	push := func(ev models.Event) {
		if dropped {
			return
		}
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping slow subscriber during replay", "subscriber", id)
			dropped = true
		}
	}

	if gap {
		push(models.Event{
			ID:        0,
			Type:      models.EventGap,
			Timestamp: time.Now().UTC(),
			Data:      models.GapPayload{RequestedSince: sinceID, OldestRetained: oldestRetained},
		})
	}
	for _, ev := range replay {
		push(ev)
	}

	if dropped {
		close(ch)
		return &Subscription{Events: ch, Gap: gap, bus: b, id: id}
	}

	b.subs[id] = &subscriber{ch: ch}

	return &Subscription{Events: ch, Gap: gap, bus: b, id: id}
}

// SnapshotSince is pull-mode backfill for reconnection: returns retained
// events with id > sinceId, in id order.
func (b *Bus) SnapshotSince(sinceID uint64) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotSinceLocked(sinceID)
}

func (b *Bus) snapshotSinceLocked(sinceID uint64) []models.Event {
	out := make([]models.Event, 0, len(b.ring))
	for _, ev := range b.ring {
		if ev.ID > sinceID {
			out = append(out, ev)
		}
	}
	return out
}

// LastID returns the most recently assigned event id, or 0 if none has been
// published yet.
func (b *Bus) LastID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextID
}

// SubscriberCount reports the number of currently live subscribers, used by
// the Metrics component and for tests.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
