// Package processor coordinates the caches: it consumes location updates,
// region enter/exit events and push notifications, applies the re-poll
// throttle, and flushes pending tracking events.
//
// The processor owns no persistent state of its own beyond the refresh
// anchor; the caches are the source of truth. Entry points never block on
// network latency: polls and flushes run on background goroutines.
package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"offercast/internal/cache/listing"
	"offercast/internal/cache/offers"
	"offercast/internal/cache/pushdedup"
	"offercast/internal/cache/tracking"
	"offercast/internal/eventbus"
	"offercast/internal/geo"
	"offercast/internal/offer"
	"offercast/internal/storage"
	"offercast/internal/transport"
	logx "offercast/pkg/logx"
)

const (
	defaultMinPollInterval = time.Minute
	defaultPollsPerMinute  = 30
)

// TimeGateDisabled turns the elapsed-time gate off entirely: only the
// movement distance gate (and the rate ceiling) throttle polls.
const TimeGateDisabled time.Duration = -1

type Config struct {
	// DeviceUID identifies this install in poll requests.
	DeviceUID string

	// MinPollInterval is the elapsed-time gate between movement-triggered
	// polls. Cleared after a failed or empty poll so the retry is not
	// unduly delayed. Zero applies the one-minute default; TimeGateDisabled
	// switches the gate off.
	MinPollInterval time.Duration

	// PollsPerMinute is a hard ceiling on dispatched polls regardless of
	// trigger pressure.
	PollsPerMinute int

	// PushDedupRetention is the fingerprint retention window applied by
	// the foreground cleanup.
	PushDedupRetention time.Duration
}

type Deps struct {
	Store   storage.Store
	Offers  *offers.Cache
	Listing *listing.Cache
	Queue   *tracking.Queue
	Dedup   *pushdedup.Cache
	Client  transport.Client
	Bus     eventbus.Bus
	Log     logx.Logger
}

type Processor struct {
	cfg  Config
	deps Deps
	log  logx.Logger

	limiter *rate.Limiter

	// mu guards the refresh anchor and the in-flight poll handle. It is
	// never held across a network call.
	mu             sync.Mutex
	refresh        refreshState
	inflightCancel context.CancelFunc

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(ctx context.Context, cfg Config, deps Deps) (*Processor, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("processor requires storage")
	case deps.Offers == nil || deps.Listing == nil || deps.Queue == nil || deps.Dedup == nil:
		return nil, errors.New("processor requires all caches")
	case deps.Client == nil:
		return nil, errors.New("processor requires a transport client")
	}
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if cfg.MinPollInterval == 0 {
		cfg.MinPollInterval = defaultMinPollInterval
	}
	if cfg.PollsPerMinute <= 0 {
		cfg.PollsPerMinute = defaultPollsPerMinute
	}
	if cfg.PushDedupRetention <= 0 {
		cfg.PushDedupRetention = pushdedup.DefaultRetention
	}

	rs, err := loadRefreshState(ctx, deps.Store, deps.Log)
	if err != nil {
		return nil, err
	}

	burst := cfg.PollsPerMinute / 6
	if burst < 2 {
		burst = 2
	}
	runCtx, runCancel := context.WithCancel(context.Background())
	return &Processor{
		cfg:       cfg,
		deps:      deps,
		log:       deps.Log,
		limiter:   rate.NewLimiter(rate.Limit(float64(cfg.PollsPerMinute)/60.0), burst),
		refresh:   rs,
		runCtx:    runCtx,
		runCancel: runCancel,
	}, nil
}

// Close cancels any in-flight work and waits for background goroutines.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.inflightCancel != nil {
		p.inflightCancel()
		p.inflightCancel = nil
	}
	p.mu.Unlock()
	p.runCancel()
	p.wg.Wait()
}

// ---- Triggers ----

// OnLocationUpdate applies the movement throttle and, if it passes, polls
// the server for nearby offers. It reports whether a poll was dispatched.
func (p *Processor) OnLocationUpdate(ctx context.Context, loc geo.Coordinate) (bool, error) {
	return p.issuePoll(ctx, loc, false)
}

// OnRegionEnter handles a geofence-entry callback: it queues the tracking
// event and forces a re-poll (crossing a monitored boundary is itself the
// signal of interest, so the movement throttle does not apply).
func (p *Processor) OnRegionEnter(ctx context.Context, regionID string, loc geo.Coordinate) error {
	return p.onRegionEvent(ctx, offer.EventGeofenceEntry, regionID, loc)
}

// OnRegionExit handles a geofence-exit callback; same contract as enter.
func (p *Processor) OnRegionExit(ctx context.Context, regionID string, loc geo.Coordinate) error {
	return p.onRegionEvent(ctx, offer.EventGeofenceExit, regionID, loc)
}

func (p *Processor) onRegionEvent(ctx context.Context, typ offer.EventType, regionID string, loc geo.Coordinate) error {
	if _, err := p.deps.Queue.Enqueue(ctx, offer.TrackingEvent{
		Type:      typ,
		RegionID:  regionID,
		Latitude:  loc.Latitude,
		Longitude: loc.Longitude,
	}); err != nil {
		return err
	}
	p.flushAsync()

	_, err := p.issuePoll(ctx, loc, true)
	return err
}

// OnPushNotification handles a raw push payload. It returns true when the
// notification carried new listing data (the host maps this onto its
// fetch-result code). Redelivered notifications are suppressed without side
// effects.
func (p *Processor) OnPushNotification(ctx context.Context, raw []byte) (bool, error) {
	payload, err := offer.ParsePushPayload(raw)
	if err != nil {
		p.log.Warn("push payload rejected", logx.Any("err", err))
		return false, err
	}

	fp := payload.Fingerprint()
	if !p.deps.Dedup.ShouldProcess(fp) {
		p.log.Debug("push notification already handled", logx.String("fingerprint", fp))
		return false, nil
	}

	newData := false
	if payload.Listing != nil {
		// Cache update before the fingerprint: if the write fails the
		// notification stays unrecorded and a redelivery retries it.
		if err := p.deps.Listing.ReplaceListing(ctx, *payload.Listing); err != nil {
			return false, err
		}
		newData = true
	}
	if err := p.deps.Dedup.RecordProcessed(ctx, fp); err != nil {
		// Worst case the same notification is applied twice; ReplaceListing
		// is a full swap, so that is safe.
		p.log.Warn("recording push fingerprint failed", logx.Any("err", err))
	}
	p.flushAsync()
	return newData, nil
}

// OnAppForeground runs the opportunistic housekeeping tied to the host
// app's foreground transition: tracking flush, dedup cleanup, and a poll if
// no prior poll ever succeeded (a failed-only history must not strand the
// device behind the distance gate) or the throttle gates pass.
func (p *Processor) OnAppForeground(ctx context.Context, loc *geo.Coordinate) (bool, error) {
	p.flushAsync()

	if removed, err := p.deps.Dedup.CleanUp(ctx, p.cfg.PushDedupRetention); err != nil {
		p.log.Warn("push dedup cleanup failed", logx.Any("err", err))
	} else if removed > 0 {
		p.log.Debug("push dedup cleaned", logx.Int("removed", removed))
	}

	if loc == nil {
		return false, nil
	}
	p.mu.Lock()
	force := p.refresh.LastSuccessMS == 0
	p.mu.Unlock()
	return p.issuePoll(ctx, *loc, force)
}

// OnCouponOpened records that the user opened an offer in the web view.
func (p *Processor) OnCouponOpened(ctx context.Context, scheduleID int64, clientCouponHash string, loc geo.Coordinate) error {
	if _, err := p.deps.Queue.Enqueue(ctx, offer.TrackingEvent{
		Type:             offer.EventCouponOpened,
		ScheduleID:       scheduleID,
		ClientCouponHash: clientCouponHash,
		Latitude:         loc.Latitude,
		Longitude:        loc.Longitude,
	}); err != nil {
		return err
	}
	p.flushAsync()
	return nil
}

// StartCountdown starts an offer countdown, queues the tracking event and
// reports the started hash to the server.
func (p *Processor) StartCountdown(ctx context.Context, scheduleID int64, expiresAt time.Time, loc geo.Coordinate) error {
	if err := p.deps.Offers.StartCountdown(ctx, scheduleID, expiresAt); err != nil {
		return err
	}
	o, _ := p.deps.Offers.Offer(scheduleID)
	if _, err := p.deps.Queue.Enqueue(ctx, offer.TrackingEvent{
		Type:             offer.EventCountdownStarted,
		ScheduleID:       scheduleID,
		ClientCouponHash: o.ClientCouponHash,
		Latitude:         loc.Latitude,
		Longitude:        loc.Longitude,
	}); err != nil {
		return err
	}

	hash := o.ClientCouponHash
	p.goRun(func(ctx context.Context) {
		if hash == "" {
			return
		}
		if err := p.deps.Client.CountdownsStarted(ctx, []string{hash}); err != nil && !transport.IsCancelled(err) {
			// Countdown state is cached; the report is retried with the
			// next flush cycle by the host.
			p.log.Warn("countdown report failed", logx.Any("err", err))
		}
	})
	p.flushAsync()
	return nil
}

// DeleteOffer removes an offer locally and asks the server to forget it.
// The local removal stands even if the server call fails.
func (p *Processor) DeleteOffer(ctx context.Context, scheduleID int64) error {
	if err := p.deps.Offers.Remove(ctx, scheduleID); err != nil {
		return err
	}
	p.goRun(func(ctx context.Context) {
		if err := p.deps.Client.DeleteOffer(ctx, scheduleID); err != nil && !transport.IsCancelled(err) {
			p.log.Warn("server offer delete failed", logx.Int64("schedule_id", scheduleID), logx.Any("err", err))
		}
	})
	return nil
}

// RegisterPushToken forwards the platform push token to the server.
// Fire-and-forget; failures are logged.
func (p *Processor) RegisterPushToken(token string) {
	p.goRun(func(ctx context.Context) {
		if err := p.deps.Client.RegisterPushToken(ctx, token); err != nil && !transport.IsCancelled(err) {
			p.log.Warn("push token registration failed", logx.Any("err", err))
		}
	})
}

// ---- Tracking flush ----

// FlushPendingTrackingEvents submits queued events and acknowledges the
// ones the server confirmed. Safe to call concurrently: acknowledgment is
// idempotent and Pending() is a snapshot. Returns the number acknowledged.
func (p *Processor) FlushPendingTrackingEvents(ctx context.Context) (int, error) {
	pending := p.deps.Queue.Pending()
	if len(pending) == 0 {
		return 0, nil
	}

	acked := make([]string, 0, len(pending))
	var sendErr error
	for _, ev := range pending {
		if err := p.deps.Client.TrackEvent(ctx, ev); err != nil {
			// Leave this and all later events queued for the next flush.
			sendErr = err
			break
		}
		acked = append(acked, ev.ID)
	}

	if len(acked) > 0 {
		if err := p.deps.Queue.Acknowledge(ctx, acked); err != nil {
			// The events were delivered; on a failed ack they stay queued
			// and are re-sent later. At-least-once, never lost.
			p.log.Warn("tracking acknowledge failed", logx.Any("err", err))
		}
		if p.deps.Bus != nil {
			p.deps.Bus.Publish(eventbus.Event{Type: eventbus.TopicTrackingFlushed, Data: len(acked)})
		}
	}
	if sendErr != nil && !transport.IsCancelled(sendErr) {
		p.log.Debug("tracking flush incomplete", logx.Int("sent", len(acked)), logx.Int("pending", len(pending)-len(acked)), logx.Any("err", sendErr))
	}
	return len(acked), sendErr
}

func (p *Processor) flushAsync() {
	p.goRun(func(ctx context.Context) {
		_, _ = p.FlushPendingTrackingEvents(ctx)
	})
}

// ---- Poll pipeline ----

// issuePoll applies the throttle (unless forced), persists the refresh
// anchor, and dispatches the poll on a background goroutine. The previous
// in-flight poll, if any, is superseded and cancelled.
func (p *Processor) issuePoll(ctx context.Context, loc geo.Coordinate, force bool) (bool, error) {
	p.mu.Lock()

	if !force && !p.gatesOpenLocked(loc) {
		p.mu.Unlock()
		return false, nil
	}
	if !p.limiter.Allow() {
		p.mu.Unlock()
		p.log.Warn("poll suppressed by rate ceiling",
			logx.Float64("lat", loc.Latitude), logx.Float64("lon", loc.Longitude))
		return false, nil
	}

	// Persist the anchor BEFORE dispatching: a crash mid-flight must not
	// cause an immediate repeat poll at the same spot.
	next := refreshState{
		HasLocation:   true,
		Latitude:      loc.Latitude,
		Longitude:     loc.Longitude,
		LastRefreshMS: time.Now().UnixMilli(),
		LastSuccessMS: p.refresh.LastSuccessMS,
	}
	if err := saveRefreshState(ctx, p.deps.Store, next); err != nil {
		p.mu.Unlock()
		return false, err
	}
	p.refresh = next

	// Supersede any stale in-flight poll.
	if p.inflightCancel != nil {
		p.inflightCancel()
	}
	pollCtx, cancel := context.WithCancel(p.runCtx)
	p.inflightCancel = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.runPoll(pollCtx, loc)
	}()
	return true, nil
}

// gatesOpenLocked evaluates the two throttle gates. The distance gate is
// the primary policy; the time gate only spaces movement-triggered polls
// and is cleared when a poll fails or returns nothing.
func (p *Processor) gatesOpenLocked(loc geo.Coordinate) bool {
	if !p.refresh.HasLocation {
		return true
	}
	if geo.Distance(loc, geo.Coordinate{Latitude: p.refresh.Latitude, Longitude: p.refresh.Longitude}) < p.deps.Listing.MinimumMovementDistance() {
		return false
	}
	if p.cfg.MinPollInterval > 0 && p.refresh.LastRefreshMS != 0 &&
		time.Since(time.UnixMilli(p.refresh.LastRefreshMS)) < p.cfg.MinPollInterval {
		return false
	}
	return true
}

func (p *Processor) runPoll(ctx context.Context, loc geo.Coordinate) {
	req := transport.PollRequest{
		Latitude:         loc.Latitude,
		Longitude:        loc.Longitude,
		DeviceUID:        p.cfg.DeviceUID,
		AlreadyDelivered: p.deps.Listing.AlreadyDeliveredPayload(),
	}

	l, hasData, err := p.deps.Client.PollNearbyOffers(ctx, req)
	switch {
	case err != nil && transport.IsCancelled(err):
		// Superseded by a newer trigger: no cache writes, no gate reset.
		p.log.Debug("poll superseded", logx.Float64("lat", loc.Latitude), logx.Float64("lon", loc.Longitude))
		return
	case err != nil:
		p.log.Warn("poll failed", logx.Any("err", err))
		p.finishPoll(false, true)
		p.publishPollCompleted(false)
		return
	case !hasData:
		// Success-but-empty clears the time gate exactly like a failure
		// (long-standing behavior; the distance gate still applies).
		p.log.Debug("poll returned no offers")
		p.finishPoll(true, true)
		p.publishPollCompleted(false)
		return
	}

	if err := p.deps.Listing.ReplaceListing(ctx, l); err != nil {
		// The server answered but the listing never landed; for recovery
		// purposes this does not count as a successful poll.
		p.log.Error("listing replace failed", logx.Any("err", err))
		p.finishPoll(false, true)
		p.publishPollCompleted(false)
		return
	}
	p.finishPoll(true, false)
	p.log.Info("listing refreshed",
		logx.Int("offers", len(l.Offers)), logx.Int("regions", len(l.Regions)))
	p.publishPollCompleted(true)

	// Successful network response: opportunistic flush.
	if _, err := p.FlushPendingTrackingEvents(ctx); err != nil && !transport.IsCancelled(err) {
		p.log.Debug("post-poll flush incomplete", logx.Any("err", err))
	}
}

// finishPoll records a completed poll's outcome on the refresh anchor and
// persists it best-effort. succeeded marks that a usable server response
// arrived (foreground recovery keys off this); openTimeGate zeroes the
// refresh timestamp while keeping the location, so the distance gate still
// applies to the retry.
func (p *Processor) finishPoll(succeeded, openTimeGate bool) {
	p.mu.Lock()
	if succeeded {
		p.refresh.LastSuccessMS = time.Now().UnixMilli()
	}
	if openTimeGate {
		p.refresh.LastRefreshMS = 0
	}
	rs := p.refresh
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := saveRefreshState(ctx, p.deps.Store, rs); err != nil {
		// Disk keeps the newer timestamp: after a restart the retry waits
		// out the time gate. Under-polling, never a storm.
		p.log.Warn("refresh state save failed", logx.Any("err", err))
	}
}

func (p *Processor) publishPollCompleted(newData bool) {
	if p.deps.Bus != nil {
		p.deps.Bus.Publish(eventbus.Event{Type: eventbus.TopicPollCompleted, Data: newData})
	}
}

// goRun spawns a tracked background task bound to the processor lifetime.
func (p *Processor) goRun(fn func(ctx context.Context)) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.runCtx)
	}()
}

// ---- Introspection ----

// Snapshot is a point-in-time debug view for host diagnostics.
type Snapshot struct {
	HasLocation     bool    `json:"has_location"`
	LastRefreshLat  float64 `json:"last_refresh_lat,omitempty"`
	LastRefreshLon  float64 `json:"last_refresh_lon,omitempty"`
	LastRefreshMS   int64   `json:"last_refresh_ms"`
	LastSuccessMS   int64   `json:"last_success_ms"`
	PendingTracking int     `json:"pending_tracking"`
	SeenPushCount   int     `json:"seen_push_count"`
	ActiveRegions   int     `json:"active_regions"`
}

func (p *Processor) Snapshot() Snapshot {
	p.mu.Lock()
	rs := p.refresh
	p.mu.Unlock()
	return Snapshot{
		HasLocation:     rs.HasLocation,
		LastRefreshLat:  rs.Latitude,
		LastRefreshLon:  rs.Longitude,
		LastRefreshMS:   rs.LastRefreshMS,
		LastSuccessMS:   rs.LastSuccessMS,
		PendingTracking: p.deps.Queue.Len(),
		SeenPushCount:   p.deps.Dedup.Len(),
		ActiveRegions:   len(p.deps.Listing.DebugRegionLocations()),
	}
}
