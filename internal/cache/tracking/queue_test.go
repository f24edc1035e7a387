package tracking

import (
	"context"
	"path/filepath"
	"testing"

	"offercast/internal/eventbus"
	"offercast/internal/offer"
	"offercast/internal/storage"
	logx "offercast/pkg/logx"
)

func newTestQueue(t *testing.T, dir string) (*Queue, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	q, err := New(context.Background(), st, eventbus.New(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q, st
}

func TestEnqueueAssignsIDAndTimestamp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t, t.TempDir())

	ev, err := q.Enqueue(ctx, offer.TrackingEvent{Type: offer.EventGeofenceEntry, ScheduleID: 1})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ev.ID == "" || ev.TimestampMS == 0 {
		t.Fatalf("missing ID/timestamp: %+v", ev)
	}
}

func TestPendingInsertionOrder(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t, t.TempDir())

	types := []offer.EventType{offer.EventGeofenceEntry, offer.EventCouponOpened, offer.EventGeofenceExit}
	for _, ty := range types {
		if _, err := q.Enqueue(ctx, offer.TrackingEvent{Type: ty}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	pending := q.Pending()
	if len(pending) != len(types) {
		t.Fatalf("pending len = %d", len(pending))
	}
	for i, ty := range types {
		if pending[i].Type != ty {
			t.Fatalf("pending[%d].Type = %s, want %s", i, pending[i].Type, ty)
		}
	}
}

func TestAtLeastOnceAcrossRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	q, st := newTestQueue(t, dir)

	const n = 5
	for i := 0; i < n; i++ {
		if _, err := q.Enqueue(ctx, offer.TrackingEvent{Type: offer.EventGeofenceEntry, ScheduleID: int64(i)}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	// Simulated restart before any acknowledgment: a fresh queue over the
	// same store must see all N events.
	q2, err := New(ctx, st, eventbus.New(), logx.Nop())
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	if got := q2.Len(); got != n {
		t.Fatalf("pending after restart = %d, want %d", got, n)
	}
}

func TestAcknowledgeRemovesAndIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, _ := newTestQueue(t, t.TempDir())

	ev1, _ := q.Enqueue(ctx, offer.TrackingEvent{Type: offer.EventGeofenceEntry})
	ev2, _ := q.Enqueue(ctx, offer.TrackingEvent{Type: offer.EventGeofenceExit})

	if err := q.Acknowledge(ctx, []string{ev1.ID}); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if pending := q.Pending(); len(pending) != 1 || pending[0].ID != ev2.ID {
		t.Fatalf("pending after ack = %+v", pending)
	}

	// Acking an already-removed ID (or garbage) is a no-op.
	if err := q.Acknowledge(ctx, []string{ev1.ID, "no-such-id"}); err != nil {
		t.Fatalf("idempotent Acknowledge: %v", err)
	}
	if got := q.Len(); got != 1 {
		t.Fatalf("pending after repeat ack = %d, want 1", got)
	}
}

func TestAcknowledgePersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q, st := newTestQueue(t, t.TempDir())

	ev, _ := q.Enqueue(ctx, offer.TrackingEvent{Type: offer.EventCouponOpened})
	if err := q.Acknowledge(ctx, []string{ev.ID}); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	q2, err := New(ctx, st, eventbus.New(), logx.Nop())
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	if got := q2.Len(); got != 0 {
		t.Fatalf("acked event resurrected after restart: %d pending", got)
	}
}
