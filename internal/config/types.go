package config

import (
	"errors"
	"strings"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// DeviceUID identifies this install to the offer server. Optional; the
	// server falls back to transport-level identity when omitted.
	DeviceUID string `json:"device_uid,omitempty"`

	// Storage configures the durable key-value store every cache persists
	// through. If omitted, the engine refuses to start: the delivery and
	// tracking guarantees depend on persistence.
	Storage *StorageConfig `json:"storage,omitempty"`

	Transport TransportConfig `json:"transport"`
	Throttle  ThrottleConfig  `json:"throttle,omitempty"`
	Tracking  TrackingConfig  `json:"tracking,omitempty"`
	PushDedup PushDedupConfig `json:"push_dedup,omitempty"`
}

type LoggingConfig struct {
	Level   string            `json:"level"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./offercast_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// TransportConfig points the engine at the offer server.
type TransportConfig struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"` // bearer token (do not log)

	// Timeout is a Go duration string applied per request. Default "15s".
	Timeout string `json:"timeout,omitempty"`
}

// ThrottleConfig tunes the re-poll policy.
//
// All durations are Go duration strings (e.g. "30s", "5m").
type ThrottleConfig struct {
	// MinMovementMeters is the fallback movement threshold used until the
	// server supplies one with a listing.
	MinMovementMeters float64 `json:"min_movement_meters,omitempty"`

	// MinPollInterval is the elapsed-time gate between polls. A failed poll
	// clears the gate so the next trigger retries immediately. Omitted uses
	// the built-in default; an explicit "0s" disables the gate.
	MinPollInterval string `json:"min_poll_interval,omitempty"`

	// PollsPerMinute is a hard ceiling on poll dispatches regardless of
	// triggers. 0 keeps the default (30).
	PollsPerMinute int `json:"polls_per_minute,omitempty"`
}

type TrackingConfig struct {
	// FlushInterval is how often pending tracking events are retried in the
	// background, independent of the opportunistic flushes. Default "1m".
	FlushInterval string `json:"flush_interval,omitempty"`
}

type PushDedupConfig struct {
	// Retention is how long processed-notification fingerprints are kept.
	// Default "72h".
	Retention string `json:"retention,omitempty"`

	// CleanupSchedule is a cron spec for the periodic purge. Default
	// "17 * * * *" (hourly, off the minute boundary).
	CleanupSchedule string `json:"cleanup_schedule,omitempty"`
}

// Validate enforces the few fields the engine cannot default.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Storage == nil || strings.TrimSpace(c.Storage.Driver) == "" || strings.TrimSpace(c.Storage.Driver) == "none" {
		return errors.New("storage.driver is required (offer delivery state must be durable)")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if strings.TrimSpace(c.Transport.BaseURL) == "" {
		return errors.New("transport.base_url is required")
	}
	return nil
}
