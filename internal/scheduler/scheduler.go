// Package scheduler drives periodic and event-triggered registry refreshes.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"streamdeck/internal/registry"
)

// Trigger reasons, used in logs.
const (
	ReasonTick    = "tick"
	ReasonVisible = "visible"
	ReasonOnline  = "online"
)

const (
	DefaultInterval    = 30 * time.Second
	DefaultOnlineDelay = time.Second
)

var _ registry.ClientSignals = (*Scheduler)(nil)

// Refresher is the registry operation the scheduler drives.
type Refresher interface {
	Refresh(ctx context.Context, force bool) (registry.Outcome, error)
}

// Config configures a Scheduler. Zero durations pick the defaults.
type Config struct {
	Interval    time.Duration
	AutoRefresh bool
	OnlineDelay time.Duration
	Logger      *slog.Logger
}

// Scheduler calls Refresh on a fixed interval while auto refresh is enabled,
// and eagerly when the client becomes visible or comes back online. At most
// one refresh it started is in flight at a time; triggers that fire meanwhile
// are dropped.
type Scheduler struct {
	refresher   Refresher
	interval    time.Duration
	onlineDelay time.Duration
	log         *slog.Logger

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	stopTicker  context.CancelFunc
	onlineTimer *time.Timer
	auto        bool
	visible     bool
	online      bool

	inFlight atomic.Bool
	wg       sync.WaitGroup
}

// New returns a stopped Scheduler. The client starts out visible and online.
func New(refresher Refresher, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.OnlineDelay <= 0 {
		cfg.OnlineDelay = DefaultOnlineDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		refresher:   refresher,
		interval:    cfg.Interval,
		onlineDelay: cfg.OnlineDelay,
		log:         cfg.Logger.With(slog.String("component", "scheduler")),
		auto:        cfg.AutoRefresh,
		visible:     true,
		online:      true,
	}
}

// Start begins scheduling under ctx. Cancelling ctx has the same effect as Stop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.auto {
		s.startTickerLocked()
	}
	s.log.Info("scheduler started",
		slog.Duration("interval", s.interval),
		slog.Bool("auto_refresh", s.auto))
}

// Stop cancels the ticker and any pending trigger and waits for an in-flight
// refresh to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.stopTickerLocked()
	if s.onlineTimer != nil {
		s.onlineTimer.Stop()
		s.onlineTimer = nil
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// AutoRefresh reports whether periodic refresh is enabled.
func (s *Scheduler) AutoRefresh() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auto
}

// SetAutoRefresh toggles periodic refresh. Enabling restarts the interval
// from now.
func (s *Scheduler) SetAutoRefresh(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auto = enabled
	s.stopTickerLocked()
	if enabled && s.running() {
		s.startTickerLocked()
	}
	s.log.Info("auto refresh toggled", slog.Bool("enabled", enabled))
}

// SetVisible records page visibility. A hidden to visible transition triggers
// a refresh when auto refresh is enabled.
func (s *Scheduler) SetVisible(visible bool) {
	s.mu.Lock()
	became := visible && !s.visible
	s.visible = visible
	auto := s.auto
	s.mu.Unlock()

	if became && auto {
		s.Trigger(ReasonVisible)
	}
}

// SetOnline records network state. An offline to online transition triggers a
// refresh after the online delay; going offline again cancels it.
func (s *Scheduler) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	became := online && !s.online
	s.online = online
	if s.onlineTimer != nil {
		s.onlineTimer.Stop()
		s.onlineTimer = nil
	}
	if became && s.running() {
		s.onlineTimer = time.AfterFunc(s.onlineDelay, func() {
			s.Trigger(ReasonOnline)
		})
	}
}

// Trigger starts a refresh in the background unless one started by the
// scheduler is still running. It reports whether a refresh was started.
func (s *Scheduler) Trigger(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running() {
		return false
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.Debug("refresh already in flight, trigger dropped", slog.String("reason", reason))
		return false
	}

	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)
		s.refresh(ctx, reason)
	}()
	return true
}

func (s *Scheduler) refresh(ctx context.Context, reason string) {
	out, err := s.refresher.Refresh(ctx, false)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.log.Warn("scheduled refresh failed",
			slog.String("reason", reason),
			slog.String("error", err.Error()),
			slog.Int("streams", out.Count))
		return
	}
	s.log.Debug("scheduled refresh done",
		slog.String("reason", reason),
		slog.Int("streams", out.Count),
		slog.Bool("shared", out.Shared))
}

// startTickerLocked runs the interval loop until stopTickerLocked or Stop.
// Caller must hold s.mu.
func (s *Scheduler) startTickerLocked() {
	loopCtx, stop := context.WithCancel(s.ctx)
	s.stopTicker = stop

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		t := time.NewTicker(s.interval)
		defer t.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-t.C:
				s.Trigger(ReasonTick)
			}
		}
	}()
}

func (s *Scheduler) stopTickerLocked() {
	if s.stopTicker != nil {
		s.stopTicker()
		s.stopTicker = nil
	}
}

// running reports whether Start was called and Stop was not. Caller must hold
// s.mu.
func (s *Scheduler) running() bool {
	return s.ctx != nil && s.ctx.Err() == nil
}
