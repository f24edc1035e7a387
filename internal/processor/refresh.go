package processor

import (
	"context"
	"encoding/json"
	"fmt"

	"offercast/internal/storage"
	logx "offercast/pkg/logx"
)

const refreshKey = "refresh.state"

// refreshState is the persisted throttle anchor: where and when the last
// poll was attempted, and when one last succeeded. The attempt fields are
// written BEFORE a poll is dispatched, so a crash mid-flight errs toward
// under-polling rather than a repeat storm.
//
// LastRefreshMS == 0 means the time gate is open (never polled, or the last
// poll failed / came back empty). LastSuccessMS == 0 means no poll has ever
// produced a usable listing; the app-foreground trigger forces a poll in
// that state regardless of the distance gate.
type refreshState struct {
	HasLocation   bool    `json:"has_location"`
	Latitude      float64 `json:"lat"`
	Longitude     float64 `json:"lon"`
	LastRefreshMS int64   `json:"last_refresh_ms"`
	LastSuccessMS int64   `json:"last_success_ms"`
}

func loadRefreshState(ctx context.Context, store storage.Store, log logx.Logger) (refreshState, error) {
	var rs refreshState
	raw, ok, err := store.Get(ctx, refreshKey)
	if err != nil {
		return rs, fmt.Errorf("load refresh state: %w", err)
	}
	if !ok {
		return rs, nil
	}
	if err := json.Unmarshal(raw, &rs); err != nil {
		log.Warn("refresh state corrupt; starting fresh", logx.Any("err", err))
		return refreshState{}, nil
	}
	return rs, nil
}

func saveRefreshState(ctx context.Context, store storage.Store, rs refreshState) error {
	b, err := json.Marshal(rs)
	if err != nil {
		return err
	}
	return store.Put(ctx, refreshKey, b)
}
