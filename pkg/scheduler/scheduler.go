// Package scheduler runs the sync engine's full pass on a timer, with
// runtime-adjustable cadence and explicit lifecycle control.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/syncforge/mirrorsync/internal/metrics"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateStopped State = "stopped"
	StateRunning State = "running"
	StatePaused  State = "paused"
)

// ErrStopped is returned when an operation requires a started scheduler.
var ErrStopped = errors.New("scheduler is stopped")

// ErrIntervalTooShort rejects sub-minute sync intervals.
var ErrIntervalTooShort = errors.New("interval must be at least 1 minute")

// pollCeiling bounds how long the loop sleeps, so stop, pause and
// interval-change signals are observed within seconds.
const pollCeiling = 60 * time.Second

// stopWait bounds how long Stop waits for a clean loop exit.
const stopWait = 5 * time.Second

// SyncFunc is the single entry point the scheduler invokes. The engine
// itself guards against overlapping runs.
type SyncFunc func(ctx context.Context) error

// Status reports scheduler state and timing.
type Status struct {
	State             State      `json:"state"`
	IntervalMinutes   int        `json:"interval_minutes"`
	LastSyncTime      *time.Time `json:"last_sync_time,omitempty"`
	NextSyncTime      *time.Time `json:"next_sync_time,omitempty"`
	TimeUntilNextSync string     `json:"time_until_next_sync,omitempty"`
}

// Scheduler drives periodic sync runs.
type Scheduler struct {
	syncFn SyncFunc
	logger *zap.Logger

	mu              sync.Mutex
	state           State
	intervalMinutes int
	lastSyncTime    time.Time
	nextSyncTime    time.Time
	stopCh          chan struct{}
	doneCh          chan struct{}
	wakeCh          chan struct{}
}

// New creates a scheduler invoking syncFn every intervalMinutes.
func New(syncFn SyncFunc, intervalMinutes int, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		syncFn:          syncFn,
		logger:          logger,
		state:           StateStopped,
		intervalMinutes: intervalMinutes,
	}
}

// Start begins the control loop. It is a no-op if already running.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStopped {
		s.logger.Warn("Scheduler already started")
		return
	}

	s.state = StateRunning
	s.nextSyncTime = time.Now().Add(s.interval())
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.wakeCh = make(chan struct{}, 1)

	go s.loop(s.stopCh, s.doneCh)

	s.logger.Info("Sync scheduler started",
		zap.Int("interval_minutes", s.intervalMinutes))
}

// Stop signals the loop to exit and waits briefly for a clean exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.nextSyncTime = time.Time{}
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	close(stopCh)
	select {
	case <-doneCh:
	case <-time.After(stopWait):
		s.logger.Warn("Scheduler loop did not exit cleanly within timeout")
	}

	s.logger.Info("Sync scheduler stopped")
}

// Pause gates the loop without losing its schedule.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		s.state = StatePaused
		s.logger.Info("Sync scheduler paused")
	}
}

// Resume lifts a pause.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if s.state == StatePaused {
		s.state = StateRunning
		s.logger.Info("Sync scheduler resumed")
	}
	s.mu.Unlock()
	s.wake()
}

// UpdateInterval changes the sync cadence and immediately recomputes
// the next sync time from the last sync (or now, if none yet).
func (s *Scheduler) UpdateInterval(minutes int) error {
	if minutes < 1 {
		return ErrIntervalTooShort
	}

	s.mu.Lock()
	old := s.intervalMinutes
	s.intervalMinutes = minutes
	if s.state != StateStopped {
		base := s.lastSyncTime
		if base.IsZero() {
			base = time.Now()
		}
		s.nextSyncTime = base.Add(s.interval())
	}
	s.mu.Unlock()
	s.wake()

	s.logger.Info("Sync interval updated",
		zap.Int("old_minutes", old), zap.Int("new_minutes", minutes))
	return nil
}

// TriggerImmediateSync runs a sync out-of-band without disturbing the
// regular schedule. It is rejected when the scheduler is stopped.
func (s *Scheduler) TriggerImmediateSync(ctx context.Context) error {
	s.mu.Lock()
	stopped := s.state == StateStopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}

	s.logger.Info("Triggering immediate sync")
	return s.runSync(ctx)
}

// Status reports state, interval and last/next sync timing.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		State:           s.state,
		IntervalMinutes: s.intervalMinutes,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		st.LastSyncTime = &t
	}
	if !s.nextSyncTime.IsZero() {
		t := s.nextSyncTime
		st.NextSyncTime = &t
		if s.state == StateRunning {
			st.TimeUntilNextSync = humanizeUntil(time.Until(t))
		}
	}
	return st
}

func (s *Scheduler) interval() time.Duration {
	return time.Duration(s.intervalMinutes) * time.Minute
}

// wake nudges the loop so a state change is observed without waiting
// out the current sleep.
func (s *Scheduler) wake() {
	s.mu.Lock()
	ch := s.wakeCh
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (s *Scheduler) loop(stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)
	s.logger.Debug("Scheduler loop started")

	for {
		s.mu.Lock()
		state := s.state
		next := s.nextSyncTime
		s.mu.Unlock()

		if state == StateStopped {
			return
		}

		if state == StateRunning && !next.IsZero() && !time.Now().Before(next) {
			metrics.SchedulerTicksTotal.Inc()
			if err := s.runSync(context.Background()); err != nil {
				// Sync failures are transient from the scheduler's point
				// of view; the next cycle proceeds on schedule.
				s.logger.Error("Scheduled sync failed", zap.Error(err))
			}
			s.mu.Lock()
			s.nextSyncTime = time.Now().Add(s.interval())
			next = s.nextSyncTime
			s.mu.Unlock()
		}

		wait := pollCeiling
		if state == StateRunning && !next.IsZero() {
			if until := time.Until(next); until < wait {
				wait = until
			}
			if wait < time.Second {
				wait = time.Second
			}
		}

		timer := time.NewTimer(wait)
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-s.wakeCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context) error {
	start := time.Now()
	err := s.syncFn(ctx)

	s.mu.Lock()
	s.lastSyncTime = start
	s.mu.Unlock()

	if err != nil {
		return err
	}
	s.logger.Info("Sync completed",
		zap.Duration("duration", time.Since(start)))
	return nil
}

// humanizeUntil renders a duration as a short human-readable countdown.
func humanizeUntil(d time.Duration) string {
	if d <= 0 {
		return "due now"
	}

	total := int(d.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60

	switch {
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
