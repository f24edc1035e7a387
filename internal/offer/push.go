package offer

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
)

// ErrMalformedPayload marks a push notification (or server response) that
// could not be parsed. Callers log it and treat the trigger as a no-op.
var ErrMalformedPayload = errors.New("malformed payload")

// PushPayload is the decoded body of an offer push notification.
//
// NotificationID and SentAtMS are the unique fields the dedup fingerprint
// is derived from; Listing is optional and, when present, replaces the
// cached listing.
type PushPayload struct {
	NotificationID string   `json:"notification_id"`
	SentAtMS       int64    `json:"sent_at_ms"`
	Listing        *Listing `json:"listing,omitempty"`
}

// ParsePushPayload decodes a raw push notification body.
func ParsePushPayload(raw []byte) (*PushPayload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}
	var p PushPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p.NotificationID == "" {
		return nil, fmt.Errorf("%w: missing notification_id", ErrMalformedPayload)
	}
	return &p, nil
}

// Fingerprint derives the dedup key for a notification from its unique
// fields. Redeliveries of the same notification produce the same value.
func (p *PushPayload) Fingerprint() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(p.NotificationID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(strconv.FormatInt(p.SentAtMS, 10)))
	return strconv.FormatUint(h.Sum64(), 16)
}
