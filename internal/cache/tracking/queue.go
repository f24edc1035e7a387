// Package tracking implements the durable telemetry queue. Events are
// persisted on enqueue and removed only after the server acknowledges them,
// giving at-least-once delivery across connectivity loss and restarts.
package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"offercast/internal/eventbus"
	"offercast/internal/offer"
	"offercast/internal/storage"
	logx "offercast/pkg/logx"
)

const stateKey = "tracking.queue"

// Queue is the durable tracking-event queue. Pending order is insertion
// order; acknowledgment is idempotent (removing an absent ID is a no-op).
type Queue struct {
	mu    sync.Mutex
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	events []offer.TrackingEvent
}

func New(ctx context.Context, store storage.Store, bus eventbus.Bus, log logx.Logger) (*Queue, error) {
	if store == nil {
		return nil, errors.New("tracking queue requires storage")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{store: store, bus: bus, log: log}

	raw, ok, err := store.Get(ctx, stateKey)
	if err != nil {
		return nil, fmt.Errorf("load tracking queue: %w", err)
	}
	if ok {
		if err := json.Unmarshal(raw, &q.events); err != nil {
			log.Warn("tracking queue corrupt; starting empty", logx.Any("err", err))
			q.events = nil
		}
	}
	return q, nil
}

// Enqueue appends an event and persists it before returning. It never waits
// on network availability. A missing ID or timestamp is filled in.
func (q *Queue) Enqueue(ctx context.Context, ev offer.TrackingEvent) (offer.TrackingEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.TimestampMS == 0 {
		ev.TimestampMS = offer.NowMS()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	next := append(append([]offer.TrackingEvent(nil), q.events...), ev)
	if err := q.persistLocked(ctx, next); err != nil {
		return offer.TrackingEvent{}, err
	}
	q.events = next
	if q.bus != nil {
		q.bus.Publish(eventbus.Event{Type: eventbus.TopicTrackingEnqueued, Data: string(ev.Type)})
	}
	return ev, nil
}

// Pending returns a snapshot of all unacknowledged events in insertion order.
func (q *Queue) Pending() []offer.TrackingEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]offer.TrackingEvent(nil), q.events...)
}

// Len reports the number of unacknowledged events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Acknowledge removes the given events after the server confirmed receipt.
// Unknown IDs are ignored.
func (q *Queue) Acknowledge(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	next := make([]offer.TrackingEvent, 0, len(q.events))
	for _, ev := range q.events {
		if _, gone := drop[ev.ID]; !gone {
			next = append(next, ev)
		}
	}
	if len(next) == len(q.events) {
		return nil
	}
	if err := q.persistLocked(ctx, next); err != nil {
		return err
	}
	q.events = next
	return nil
}

func (q *Queue) persistLocked(ctx context.Context, next []offer.TrackingEvent) error {
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return q.store.Put(ctx, stateKey, b)
}
