// Package offers caches known offers by schedule ID and owns the
// delivered/countdown bookkeeping that keeps notifications idempotent.
package offers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"offercast/internal/eventbus"
	"offercast/internal/offer"
	"offercast/internal/storage"
	logx "offercast/pkg/logx"
)

const stateKey = "offers.state"

var ErrUnknownOffer = errors.New("unknown offer")

// Cache is the durable offer set. Every mutating call persists the full
// offer document before returning; on storage failure the in-memory view is
// left untouched so memory and disk never diverge.
type Cache struct {
	mu    sync.Mutex
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	byID map[int64]offer.Offer
}

func New(ctx context.Context, store storage.Store, bus eventbus.Bus, log logx.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("offers cache requires storage")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Cache{store: store, bus: bus, log: log, byID: map[int64]offer.Offer{}}

	raw, ok, err := store.Get(ctx, stateKey)
	if err != nil {
		return nil, fmt.Errorf("load offers state: %w", err)
	}
	if ok {
		if err := json.Unmarshal(raw, &c.byID); err != nil {
			// A corrupt document is unrecoverable; start empty rather than
			// refuse to boot. Delivery dedup degrades to the server-side copy.
			log.Warn("offers state corrupt; starting empty", logx.Any("err", err))
			c.byID = map[int64]offer.Offer{}
		}
	}
	return c, nil
}

// Upsert inserts or replaces an offer by schedule ID. Delivery and countdown
// state of an existing entry survives the update.
func (c *Cache) Upsert(ctx context.Context, o offer.Offer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.byID[o.ScheduleID]; ok {
		o.Delivered = prev.Delivered
		o.DeliveredAtMS = prev.DeliveredAtMS
		if o.ClientCouponHash == "" {
			o.ClientCouponHash = prev.ClientCouponHash
		}
		if o.CountdownExpiresAtMS == 0 {
			o.CountdownExpiresAtMS = prev.CountdownExpiresAtMS
		}
	}

	next := c.cloneLocked()
	next[o.ScheduleID] = o
	if err := c.persistLocked(ctx, next); err != nil {
		return err
	}
	c.byID = next
	c.publish()
	return nil
}

// MarkDelivered records that the (scheduleID, clientCouponHash) pair was
// shown to the user. It is idempotent: the second call for the same pair is
// a no-op and reports delivered=false.
func (c *Cache) MarkDelivered(ctx context.Context, scheduleID int64, clientCouponHash string, deliveredAt time.Time) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.byID[scheduleID]
	if ok && o.Delivered {
		return false, nil
	}
	if !ok {
		// Delivery can race ahead of the listing write; keep a stub so the
		// dedup payload still reports the pair.
		o = offer.Offer{ScheduleID: scheduleID}
	}
	o.Delivered = true
	o.DeliveredAtMS = deliveredAt.UnixMilli()
	o.ClientCouponHash = clientCouponHash

	next := c.cloneLocked()
	next[scheduleID] = o
	if err := c.persistLocked(ctx, next); err != nil {
		return false, err
	}
	c.byID = next
	c.publish()
	return true, nil
}

// Offer returns the cached offer for a schedule ID.
func (c *Cache) Offer(scheduleID int64) (offer.Offer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.byID[scheduleID]
	return o, ok
}

// All returns every cached offer, ordered by schedule ID.
func (c *Cache) All() []offer.Offer {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]offer.Offer, 0, len(c.byID))
	for _, o := range c.byID {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleID < out[j].ScheduleID })
	return out
}

// AlreadyDelivered returns one entry per delivered (scheduleID, hash) pair,
// ordered by schedule ID. Sent with listing requests so the server skips
// offers the device has already shown.
func (c *Cache) AlreadyDelivered() []offer.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]offer.Delivery, 0, len(c.byID))
	for _, o := range c.byID {
		if !o.Delivered {
			continue
		}
		out = append(out, offer.Delivery{
			ScheduleID:       o.ScheduleID,
			ClientCouponHash: o.ClientCouponHash,
			DeliveredAtMS:    o.DeliveredAtMS,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduleID < out[j].ScheduleID })
	return out
}

// StartCountdown records a running countdown for an offer.
func (c *Cache) StartCountdown(ctx context.Context, scheduleID int64, expiresAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	o, ok := c.byID[scheduleID]
	if !ok {
		return fmt.Errorf("%w: schedule %d", ErrUnknownOffer, scheduleID)
	}
	if o.CountdownExpiresAtMS == expiresAt.UnixMilli() {
		return nil
	}
	o.CountdownExpiresAtMS = expiresAt.UnixMilli()

	next := c.cloneLocked()
	next[scheduleID] = o
	if err := c.persistLocked(ctx, next); err != nil {
		return err
	}
	c.byID = next
	c.publish()
	return nil
}

// ActiveCountdowns returns offers whose countdown has not yet expired,
// ordered by expiry.
func (c *Cache) ActiveCountdowns() []offer.Offer {
	now := time.Now().UnixMilli()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]offer.Offer, 0, 4)
	for _, o := range c.byID {
		if o.CountdownExpiresAtMS > now {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CountdownExpiresAtMS < out[j].CountdownExpiresAtMS })
	return out
}

// Remove drops an offer from the cache. Removing an absent offer is a no-op.
func (c *Cache) Remove(ctx context.Context, scheduleID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byID[scheduleID]; !ok {
		return nil
	}
	next := c.cloneLocked()
	delete(next, scheduleID)
	if err := c.persistLocked(ctx, next); err != nil {
		return err
	}
	c.byID = next
	c.publish()
	return nil
}

func (c *Cache) cloneLocked() map[int64]offer.Offer {
	next := make(map[int64]offer.Offer, len(c.byID)+1)
	for k, v := range c.byID {
		next[k] = v
	}
	return next
}

func (c *Cache) persistLocked(ctx context.Context, next map[int64]offer.Offer) error {
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, stateKey, b)
}

func (c *Cache) publish() {
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TopicOffersUpdated})
	}
}
