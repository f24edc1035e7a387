// Package offer defines the domain records that flow between the server,
// the caches and the host presentation layer.
package offer

import (
	"encoding/json"
	"time"

	"offercast/internal/geo"
)

// Offer is a geofence-linked promotion as cached on the device.
//
// ScheduleID identifies the campaign; ClientCouponHash identifies this
// specific delivery instance to this specific device and correlates the
// presentation with its tracking events.
type Offer struct {
	ScheduleID       int64  `json:"schedule_id"`
	ScheduleDeviceID int64  `json:"schedule_device_id,omitempty"`
	DeviceUID        string `json:"device_uid,omitempty"`
	ClientCouponHash string `json:"client_coupon_hash,omitempty"`

	// Payload is the opaque display blob rendered by the web view.
	Payload json.RawMessage `json:"payload,omitempty"`

	// CountdownExpiresAtMS is the countdown expiry in unix milliseconds;
	// 0 means no countdown is running.
	CountdownExpiresAtMS int64 `json:"countdown_expires_at_ms,omitempty"`

	Delivered     bool  `json:"delivered,omitempty"`
	DeliveredAtMS int64 `json:"delivered_at_ms,omitempty"`
}

// Delivery is one already-shown (scheduleID, coupon hash) pair, reported to
// the server with each listing request so it can skip re-sending.
type Delivery struct {
	ScheduleID       int64  `json:"schedule_id"`
	ClientCouponHash string `json:"client_coupon_hash"`
	DeliveredAtMS    int64  `json:"delivered_at_ms"`
}

// Listing is one server snapshot: the offers visible for the current region
// set plus the regions to monitor. A listing fully replaces its predecessor.
type Listing struct {
	Offers  []Offer      `json:"offers"`
	Regions []geo.Region `json:"regions"`

	// MinMovementMeters is the server-supplied movement threshold below
	// which a location change does not warrant a re-poll. 0 means the
	// server did not supply one.
	MinMovementMeters float64 `json:"min_movement_meters,omitempty"`
}

// EventType enumerates tracking event kinds.
type EventType string

const (
	EventGeofenceEntry    EventType = "geofence_entry"
	EventGeofenceExit     EventType = "geofence_exit"
	EventCouponOpened     EventType = "coupon_opened"
	EventCountdownStarted EventType = "countdown_started"
)

// TrackingEvent is an immutable telemetry record. It is created at the
// moment of the triggering action, queued durably right away, and removed
// only after the server confirms receipt.
type TrackingEvent struct {
	ID               string    `json:"id"`
	Type             EventType `json:"type"`
	TimestampMS      int64     `json:"timestamp_ms"`
	ScheduleID       int64     `json:"schedule_id,omitempty"`
	ScheduleDeviceID int64     `json:"schedule_device_id,omitempty"`
	Latitude         float64   `json:"lat,omitempty"`
	Longitude        float64   `json:"lon,omitempty"`
	ClientCouponHash string    `json:"client_coupon_hash,omitempty"`
	RegionID         string    `json:"region_id,omitempty"`
}

// NowMS returns wall-clock time in unix milliseconds, the timestamp unit
// used throughout the tracking pipeline.
func NowMS() int64 { return time.Now().UnixMilli() }
