// Package transport defines the server-facing collaborator the processor
// drives, plus its default HTTP implementation. All calls are single-shot
// and cancellable through their context.
package transport

import (
	"context"
	"errors"

	"offercast/internal/offer"
)

// ErrUnavailable marks a network or server failure. The processor treats it
// as "no state change" and clears the time gate so a retry is eligible.
var ErrUnavailable = errors.New("transport unavailable")

// IsCancelled distinguishes a superseded/cancelled request from a genuine
// failure; cancellations must not reset the throttle time gate. A deadline
// expiry is deliberately NOT a cancellation: timeouts are failures.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// PollRequest carries the device position and the delivered-offer dedup
// payload with each nearby-offers poll.
type PollRequest struct {
	Latitude         float64          `json:"lat"`
	Longitude        float64          `json:"lon"`
	DeviceUID        string           `json:"device_uid,omitempty"`
	AlreadyDelivered []offer.Delivery `json:"already_delivered,omitempty"`
}

// Client is the asynchronous server API consumed by the processor.
//
// PollNearbyOffers returns (listing, true, nil) on fresh data and
// (zero, false, nil) when the server explicitly reports nothing nearby.
type Client interface {
	PollNearbyOffers(ctx context.Context, req PollRequest) (offer.Listing, bool, error)
	TrackEvent(ctx context.Context, ev offer.TrackingEvent) error
	CountdownsStarted(ctx context.Context, hashes []string) error
	RegisterPushToken(ctx context.Context, token string) error
	DeleteOffer(ctx context.Context, scheduleID int64) error
}
