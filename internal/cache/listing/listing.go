// Package listing caches the most recent server listing (offers grouped by
// geofence region) and builds the JSON documents the web view and the
// transport consume.
package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"offercast/internal/cache/offers"
	"offercast/internal/eventbus"
	"offercast/internal/geo"
	"offercast/internal/offer"
	"offercast/internal/storage"
	logx "offercast/pkg/logx"
)

const stateKey = "listing.current"

// DefaultMinMovementMeters applies until the server supplies a threshold
// with a listing.
const DefaultMinMovementMeters = 200.0

type Config struct {
	// MinMovementMeters overrides the built-in default threshold.
	MinMovementMeters float64
}

// state is the persisted snapshot of the active listing. Offer bodies live
// in the offers cache; the listing only remembers which schedule IDs are
// currently active.
type state struct {
	ScheduleIDs       []int64      `json:"schedule_ids"`
	Regions           []geo.Region `json:"regions"`
	MinMovementMeters float64      `json:"min_movement_meters,omitempty"`
	FetchedAtMS       int64        `json:"fetched_at_ms"`
}

type Cache struct {
	mu     sync.Mutex
	store  storage.Store
	offers *offers.Cache
	bus    eventbus.Bus
	log    logx.Logger

	defMin float64
	cur    *state // nil until the first successful fetch
}

func New(ctx context.Context, cfg Config, store storage.Store, oc *offers.Cache, bus eventbus.Bus, log logx.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("listing cache requires storage")
	}
	if oc == nil {
		return nil, errors.New("listing cache requires the offers cache")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	defMin := cfg.MinMovementMeters
	if defMin <= 0 {
		defMin = DefaultMinMovementMeters
	}
	c := &Cache{store: store, offers: oc, bus: bus, log: log, defMin: defMin}

	raw, ok, err := store.Get(ctx, stateKey)
	if err != nil {
		return nil, fmt.Errorf("load listing state: %w", err)
	}
	if ok {
		var st state
		if err := json.Unmarshal(raw, &st); err != nil {
			log.Warn("listing state corrupt; starting empty", logx.Any("err", err))
		} else {
			c.cur = &st
		}
	}
	return c, nil
}

// ReplaceListing swaps the active listing for a fresh server snapshot. Each
// offer is upserted into the offers cache, then the region/ID metadata is
// persisted. Offers absent from the new listing stay in the offers cache but
// are no longer active.
func (c *Cache) ReplaceListing(ctx context.Context, l offer.Listing) error {
	for _, o := range l.Offers {
		if err := c.offers.Upsert(ctx, o); err != nil {
			return fmt.Errorf("upsert offer %d: %w", o.ScheduleID, err)
		}
	}

	ids := make([]int64, 0, len(l.Offers))
	for _, o := range l.Offers {
		ids = append(ids, o.ScheduleID)
	}
	next := &state{
		ScheduleIDs:       ids,
		Regions:           append([]geo.Region(nil), l.Regions...),
		MinMovementMeters: l.MinMovementMeters,
		FetchedAtMS:       time.Now().UnixMilli(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, stateKey, b); err != nil {
		return err
	}
	c.cur = next
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Type: eventbus.TopicListingUpdated})
	}
	return nil
}

// MinimumMovementDistance returns the movement threshold (meters) below
// which a location change does not warrant a re-poll.
func (c *Cache) MinimumMovementDistance() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil && c.cur.MinMovementMeters > 0 {
		return c.cur.MinMovementMeters
	}
	return c.defMin
}

// DebugRegionLocations returns the regions of the active listing for host
// diagnostics and map overlays. Read-only.
func (c *Cache) DebugRegionLocations() []geo.Region {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return nil
	}
	return append([]geo.Region(nil), c.cur.Regions...)
}

// ---- Presentation / transport payloads ----

// Request is the document handed to the web view to render the current
// listing. ok=false means "nothing to show yet" (no successful fetch).
type Request struct {
	Offers      []offer.Offer `json:"offers"`
	Regions     []geo.Region  `json:"regions,omitempty"`
	FetchedAtMS int64         `json:"fetched_at_ms,omitempty"`
}

// CouponRequest is the document handed to the web view to render a single
// offer page.
type CouponRequest struct {
	Offer       offer.Offer `json:"offer"`
	RequestedAt int64       `json:"requested_at_ms"`
}

// IDTimestamp pairs a delivered schedule ID with its delivery time, the
// compact dedup shape some server endpoints expect.
type IDTimestamp struct {
	ScheduleID    int64 `json:"schedule_id"`
	DeliveredAtMS int64 `json:"delivered_at_ms"`
}

// ListingRequest builds the active-listing document. The boolean result
// replaces the legacy "empty JSON object" sentinel: ok=false is the explicit
// "no data yet" signal.
func (c *Cache) ListingRequest() (Request, bool) {
	c.mu.Lock()
	cur := c.cur
	c.mu.Unlock()
	if cur == nil || len(cur.ScheduleIDs) == 0 {
		return Request{}, false
	}

	out := Request{
		Regions:     append([]geo.Region(nil), cur.Regions...),
		FetchedAtMS: cur.FetchedAtMS,
	}
	for _, id := range cur.ScheduleIDs {
		if o, ok := c.offers.Offer(id); ok {
			out.Offers = append(out.Offers, o)
		}
	}
	if len(out.Offers) == 0 {
		return Request{}, false
	}
	return out, true
}

// CouponRequestFor builds the single-offer document for the web view.
func (c *Cache) CouponRequestFor(o offer.Offer) CouponRequest {
	return CouponRequest{Offer: o, RequestedAt: time.Now().UnixMilli()}
}

// AlreadyDeliveredPayload returns the delivered (scheduleID, hash, ts)
// entries sent with each listing request.
func (c *Cache) AlreadyDeliveredPayload() []offer.Delivery {
	return c.offers.AlreadyDelivered()
}

// DeliveredIDTimestampPayload returns the compact id+timestamp dedup shape.
func (c *Cache) DeliveredIDTimestampPayload() []IDTimestamp {
	dels := c.offers.AlreadyDelivered()
	out := make([]IDTimestamp, 0, len(dels))
	for _, d := range dels {
		out = append(out, IDTimestamp{ScheduleID: d.ScheduleID, DeliveredAtMS: d.DeliveredAtMS})
	}
	return out
}
