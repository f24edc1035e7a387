package offers

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"offercast/internal/eventbus"
	"offercast/internal/offer"
	"offercast/internal/storage"
	logx "offercast/pkg/logx"
)

func newTestCache(t *testing.T, dir string) (*Cache, storage.Store) {
	t.Helper()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	c, err := New(context.Background(), st, eventbus.New(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, st
}

func TestMarkDeliveredIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCache(t, t.TempDir())

	if err := c.Upsert(ctx, offer.Offer{ScheduleID: 7, ClientCouponHash: "h7"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	at := time.UnixMilli(1724400000000)
	first, err := c.MarkDelivered(ctx, 7, "h7", at)
	if err != nil || !first {
		t.Fatalf("first MarkDelivered = (%v, %v), want (true, nil)", first, err)
	}
	second, err := c.MarkDelivered(ctx, 7, "h7", at.Add(time.Minute))
	if err != nil || second {
		t.Fatalf("second MarkDelivered = (%v, %v), want (false, nil)", second, err)
	}

	got := c.AlreadyDelivered()
	if len(got) != 1 {
		t.Fatalf("AlreadyDelivered len = %d, want 1", len(got))
	}
	if got[0].ScheduleID != 7 || got[0].ClientCouponHash != "h7" || got[0].DeliveredAtMS != at.UnixMilli() {
		t.Fatalf("AlreadyDelivered[0] = %+v", got[0])
	}
}

func TestMarkDeliveredWithoutPriorOffer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCache(t, t.TempDir())

	if _, err := c.MarkDelivered(ctx, 3, "h3", time.Now()); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if got := c.AlreadyDelivered(); len(got) != 1 || got[0].ScheduleID != 3 {
		t.Fatalf("AlreadyDelivered = %+v", got)
	}
}

func TestUpsertPreservesDeliveredState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCache(t, t.TempDir())

	if err := c.Upsert(ctx, offer.Offer{ScheduleID: 1, ClientCouponHash: "h1"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := c.MarkDelivered(ctx, 1, "h1", time.Now()); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	// Server re-sends the offer with a fresh payload.
	if err := c.Upsert(ctx, offer.Offer{ScheduleID: 1, Payload: json.RawMessage(`{"v":2}`)}); err != nil {
		t.Fatalf("Upsert update: %v", err)
	}
	o, ok := c.Offer(1)
	if !ok || !o.Delivered {
		t.Fatalf("delivered flag lost on upsert: %+v", o)
	}
	if o.ClientCouponHash != "h1" {
		t.Fatalf("coupon hash lost on upsert: %+v", o)
	}
	if string(o.Payload) != `{"v":2}` {
		t.Fatalf("payload not updated: %s", o.Payload)
	}
}

func TestOffersSurviveRestart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	c, st := newTestCache(t, dir)

	if err := c.Upsert(ctx, offer.Offer{ScheduleID: 9, ClientCouponHash: "h9"}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := c.MarkDelivered(ctx, 9, "h9", time.Now()); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	// New cache over the same store simulates a process restart.
	c2, err := New(ctx, st, eventbus.New(), logx.Nop())
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}
	o, ok := c2.Offer(9)
	if !ok || !o.Delivered {
		t.Fatalf("offer not recovered after restart: %+v (ok=%v)", o, ok)
	}
}

func TestCountdowns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c, _ := newTestCache(t, t.TempDir())

	if err := c.Upsert(ctx, offer.Offer{ScheduleID: 5}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := c.StartCountdown(ctx, 5, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("StartCountdown: %v", err)
	}
	if err := c.StartCountdown(ctx, 404, time.Now().Add(time.Hour)); !errors.Is(err, ErrUnknownOffer) {
		t.Fatalf("StartCountdown unknown = %v, want ErrUnknownOffer", err)
	}

	active := c.ActiveCountdowns()
	if len(active) != 1 || active[0].ScheduleID != 5 {
		t.Fatalf("ActiveCountdowns = %+v", active)
	}

	// Expired countdowns are not active.
	if err := c.Upsert(ctx, offer.Offer{ScheduleID: 6}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := c.StartCountdown(ctx, 6, time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("StartCountdown past: %v", err)
	}
	if active := c.ActiveCountdowns(); len(active) != 1 {
		t.Fatalf("expired countdown listed as active: %+v", active)
	}
}

// failingStore wraps a Store and fails every Put.
type failingStore struct{ storage.Store }

func (f failingStore) Put(ctx context.Context, key string, value []byte) error {
	return storage.ErrUnwritable
}

func TestStorageFailureLeavesMemoryUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "state.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	defer st.Close()

	c, err := New(ctx, failingStore{st}, eventbus.New(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Upsert(ctx, offer.Offer{ScheduleID: 1}); !errors.Is(err, storage.ErrUnwritable) {
		t.Fatalf("Upsert err = %v, want ErrUnwritable", err)
	}
	if _, ok := c.Offer(1); ok {
		t.Fatal("offer visible in memory despite failed persist")
	}
}
