// Package app wires the engine together: config, logging, storage, caches,
// transport and the processor, plus the periodic jobs (tracking flush,
// push-dedup cleanup) and config hot reload.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"offercast/internal/cache/listing"
	"offercast/internal/cache/offers"
	"offercast/internal/cache/pushdedup"
	"offercast/internal/cache/tracking"
	"offercast/internal/config"
	"offercast/internal/eventbus"
	"offercast/internal/processor"
	"offercast/internal/storage"
	"offercast/internal/transport"
	logx "offercast/pkg/logx"
)

const (
	defaultFlushInterval   = time.Minute
	defaultCleanupSchedule = "17 * * * *"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store storage.Store

	offers  *offers.Cache
	listing *listing.Cache
	queue   *tracking.Queue
	dedup   *pushdedup.Cache

	client *transport.HTTPClient
	proc   *processor.Processor

	cron *cron.Cron

	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		logSvc.Close()
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
	}
	if err := a.buildCaches(ctx, cfg); err != nil {
		_ = store.Close()
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildCaches(ctx context.Context, cfg *config.Config) error {
	var err error
	if a.offers, err = offers.New(ctx, a.store, a.bus, a.log.With(logx.String("comp", "offers"))); err != nil {
		return err
	}
	if a.listing, err = listing.New(ctx, listing.Config{
		MinMovementMeters: cfg.Throttle.MinMovementMeters,
	}, a.store, a.offers, a.bus, a.log.With(logx.String("comp", "listing"))); err != nil {
		return err
	}
	if a.queue, err = tracking.New(ctx, a.store, a.bus, a.log.With(logx.String("comp", "tracking"))); err != nil {
		return err
	}
	if a.dedup, err = pushdedup.New(ctx, a.store, a.log.With(logx.String("comp", "pushdedup"))); err != nil {
		return err
	}

	tc, err := mapTransportConfig(cfg)
	if err != nil {
		return err
	}
	if a.client, err = transport.NewHTTP(tc, a.log.With(logx.String("comp", "transport"))); err != nil {
		return err
	}

	pc, err := mapProcessorConfig(cfg)
	if err != nil {
		return err
	}
	a.proc, err = processor.New(ctx, pc, processor.Deps{
		Store:   a.store,
		Offers:  a.offers,
		Listing: a.listing,
		Queue:   a.queue,
		Dedup:   a.dedup,
		Client:  a.client,
		Bus:     a.bus,
		Log:     a.log.With(logx.String("comp", "processor")),
	})
	return err
}

// Host-facing accessors. The embedding application drives the engine through
// the processor and reads presentation payloads from the listing cache.
func (a *App) Processor() *processor.Processor { return a.proc }
func (a *App) Listing() *listing.Cache         { return a.listing }
func (a *App) Offers() *offers.Cache           { return a.offers }
func (a *App) Bus() eventbus.Bus               { return a.bus }
func (a *App) Logger() logx.Logger             { return a.log }

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel

	// transactional config reload: validate before commit/publish
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		if _, err := mapTransportConfig(cfg); err != nil {
			return err
		}
		if _, err := mapProcessorConfig(cfg); err != nil {
			return err
		}
		if _, err := flushInterval(cfg); err != nil {
			return err
		}
		if _, err := cleanupSchedule(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.startJobs(runCtx); err != nil {
		cancel()
		return err
	}

	// Debug visibility into cache/processor activity.
	events, unsub := a.bus.Subscribe(128)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer unsub()
		for {
			select {
			case <-runCtx.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	}()

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(runCtx, sub)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()

	a.log.Info("engine started")
	return nil
}

// startJobs schedules the periodic work: push-dedup cleanup on a cron spec
// and a background tracking flush so queued events survive long stretches
// without any trigger activity.
func (a *App) startJobs(runCtx context.Context) error {
	cfg := a.cfgm.Get()

	interval, err := flushInterval(cfg)
	if err != nil {
		return err
	}
	spec, err := cleanupSchedule(cfg)
	if err != nil {
		return err
	}
	retention, err := config.ParseDurationOrDefault("push_dedup.retention", cfg.PushDedup.Retention, pushdedup.DefaultRetention)
	if err != nil {
		return err
	}

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(runCtx, 30*time.Second)
		defer cancel()
		if removed, err := a.dedup.CleanUp(ctx, retention); err != nil {
			a.log.Warn("push dedup cleanup failed", logx.Err(err))
		} else if removed > 0 {
			a.log.Info("push dedup cleaned", logx.Int("removed", removed))
		}
	}); err != nil {
		return fmt.Errorf("push_dedup.cleanup_schedule: %w", err)
	}
	if _, err := a.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if a.queue.Len() == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(runCtx, interval)
		defer cancel()
		if sent, err := a.proc.FlushPendingTrackingEvents(ctx); err != nil && !transport.IsCancelled(err) {
			a.log.Debug("background flush incomplete", logx.Int("sent", sent), logx.Err(err))
		}
	}); err != nil {
		return fmt.Errorf("tracking.flush_interval: %w", err)
	}
	a.cron.Start()
	return nil
}

// reloadLoop applies committed config updates. Logging is applied live;
// anything affecting storage, transport or throttle state requires a
// restart and is only announced.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			if newCfg.Logging != last.Logging {
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config applied", logx.String("level", newCfg.Logging.Level))
			}
			if restartRequired(last, newCfg) {
				a.log.Warn("storage/transport/throttle config changed; restart required for changes to take effect")
			}
			last = newCfg
			a.log.Info("config reloaded")
		}
	}
}

func restartRequired(prev, next *config.Config) bool {
	if prev == nil || next == nil {
		return false
	}
	prevStorage, nextStorage := config.StorageConfig{}, config.StorageConfig{}
	if prev.Storage != nil {
		prevStorage = *prev.Storage
	}
	if next.Storage != nil {
		nextStorage = *next.Storage
	}
	return prevStorage != nextStorage ||
		prev.Transport != next.Transport ||
		prev.Throttle != next.Throttle ||
		prev.Tracking != next.Tracking ||
		prev.PushDedup != next.PushDedup ||
		prev.DeviceUID != next.DeviceUID
}

func (a *App) Stop(ctx context.Context) error {
	a.log.Info("stopping")
	if a.runCancel != nil {
		a.runCancel()
	}

	// Bounded shutdown steps so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn(stepCtx) }()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	if a.cron != nil {
		step("cron", 2*time.Second, func(c context.Context) error {
			select {
			case <-a.cron.Stop().Done():
			case <-c.Done():
			}
			return nil
		})
	}

	// Best-effort final flush so short-lived hosts do not strand events.
	step("tracking.flush", 3*time.Second, func(c context.Context) error {
		_, err := a.proc.FlushPendingTrackingEvents(c)
		return err
	})

	step("processor", 3*time.Second, func(context.Context) error {
		a.proc.Close()
		return nil
	})
	step("goroutines", 2*time.Second, func(c context.Context) error {
		done := make(chan struct{})
		go func() { a.wg.Wait(); close(done) }()
		select {
		case <-done:
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	step("storage", 2*time.Second, func(context.Context) error {
		return a.store.Close()
	})

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// ---- Config mapping ----

func mapTransportConfig(cfg *config.Config) (transport.Config, error) {
	timeout, err := config.ParseDurationOrDefault("transport.timeout", cfg.Transport.Timeout, 0)
	if err != nil {
		return transport.Config{}, err
	}
	return transport.Config{
		BaseURL: cfg.Transport.BaseURL,
		Token:   cfg.Transport.Token,
		Timeout: timeout,
	}, nil
}

func mapProcessorConfig(cfg *config.Config) (processor.Config, error) {
	// An omitted interval takes the processor default; an explicit "0s"
	// switches the time gate off.
	rawInterval := strings.TrimSpace(cfg.Throttle.MinPollInterval)
	minInterval, err := config.ParseDurationField("throttle.min_poll_interval", rawInterval)
	if err != nil {
		return processor.Config{}, err
	}
	if rawInterval != "" && minInterval == 0 {
		minInterval = processor.TimeGateDisabled
	}
	if cfg.Throttle.PollsPerMinute < 0 {
		return processor.Config{}, fmt.Errorf("throttle.polls_per_minute must be >= 0")
	}
	retention, err := config.ParseDurationOrDefault("push_dedup.retention", cfg.PushDedup.Retention, 0)
	if err != nil {
		return processor.Config{}, err
	}
	return processor.Config{
		DeviceUID:          cfg.DeviceUID,
		MinPollInterval:    minInterval,
		PollsPerMinute:     cfg.Throttle.PollsPerMinute,
		PushDedupRetention: retention,
	}, nil
}

func flushInterval(cfg *config.Config) (time.Duration, error) {
	d, err := config.ParseDurationOrDefault("tracking.flush_interval", cfg.Tracking.FlushInterval, defaultFlushInterval)
	if err != nil {
		return 0, err
	}
	if d < time.Second {
		return 0, fmt.Errorf("tracking.flush_interval must be at least 1s")
	}
	return d, nil
}

func cleanupSchedule(cfg *config.Config) (string, error) {
	spec := cfg.PushDedup.CleanupSchedule
	if spec == "" {
		spec = defaultCleanupSchedule
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return "", fmt.Errorf("push_dedup.cleanup_schedule: %w", err)
	}
	return spec, nil
}
