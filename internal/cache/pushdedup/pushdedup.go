// Package pushdedup remembers which push-notification fingerprints were
// already handled so redelivered notifications are processed exactly once.
package pushdedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"offercast/internal/storage"
	logx "offercast/pkg/logx"
)

const stateKey = "pushnotif.seen"

// DefaultRetention bounds fingerprint storage growth when the host never
// configures a window.
const DefaultRetention = 72 * time.Hour

// Cache is the durable processed-notification set: fingerprint -> processed
// time (unix milliseconds). CleanUp is invoked periodically (not on every
// operation) to bound cost.
type Cache struct {
	mu    sync.Mutex
	store storage.Store
	log   logx.Logger

	seen map[string]int64
}

func New(ctx context.Context, store storage.Store, log logx.Logger) (*Cache, error) {
	if store == nil {
		return nil, errors.New("push dedup cache requires storage")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Cache{store: store, log: log, seen: map[string]int64{}}

	raw, ok, err := store.Get(ctx, stateKey)
	if err != nil {
		return nil, fmt.Errorf("load push dedup state: %w", err)
	}
	if ok {
		if err := json.Unmarshal(raw, &c.seen); err != nil {
			log.Warn("push dedup state corrupt; starting empty", logx.Any("err", err))
			c.seen = map[string]int64{}
		}
	}
	return c, nil
}

// ShouldProcess reports whether the fingerprint has not been handled yet.
func (c *Cache) ShouldProcess(fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, handled := c.seen[fingerprint]
	return !handled
}

// RecordProcessed persists the fingerprint as handled.
func (c *Cache) RecordProcessed(ctx context.Context, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[fingerprint]; ok {
		return nil
	}
	next := make(map[string]int64, len(c.seen)+1)
	for k, v := range c.seen {
		next[k] = v
	}
	next[fingerprint] = time.Now().UnixMilli()
	if err := c.persistLocked(ctx, next); err != nil {
		return err
	}
	c.seen = next
	return nil
}

// CleanUp purges fingerprints older than the retention window and returns
// how many were removed. retention <= 0 falls back to DefaultRetention.
func (c *Cache) CleanUp(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().Add(-retention).UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[string]int64, len(c.seen))
	removed := 0
	for k, v := range c.seen {
		if v < cutoff {
			removed++
			continue
		}
		next[k] = v
	}
	if removed == 0 {
		return 0, nil
	}
	if err := c.persistLocked(ctx, next); err != nil {
		return 0, err
	}
	c.seen = next
	return removed, nil
}

// Len reports the number of remembered fingerprints.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func (c *Cache) persistLocked(ctx context.Context, next map[string]int64) error {
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, stateKey, b)
}
