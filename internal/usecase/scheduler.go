package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/algo_trade_bot/internal/config"
)

type SchedulerState string

const (
	StateInactive  SchedulerState = "inactive"
	StateActive    SchedulerState = "active"
	StateSuspended SchedulerState = "suspended"
)

// Suspension reasons. Only daily_loss suspensions auto-resume on day rollover.
const (
	SuspendDailyLoss  = "daily_loss_limit"
	SuspendFatal      = "fatal_error"
	SuspendConnection = "connection_lost"
	SuspendManual     = "manual"
)

// Scheduler drives the evaluation loop: it fires ticks at a fixed interval,
// gates them on the configured session window, drops a tick outright when the
// previous cycle is still running, and handles day rollovers and suspensions.
// Suspended beats active: a suspended scheduler stays suspended through
// session boundaries until resumed.
type Scheduler struct {
	mu            sync.Mutex
	state         SchedulerState
	suspendReason string

	loc              *time.Location
	startMin, endMin int
	interval         time.Duration
	flatten          bool
	autoResume       bool

	onTick       func(ctx context.Context)
	onSessionEnd func(ctx context.Context)
	onRollover   func(day time.Time)

	busy       sync.Mutex
	currentDay time.Time
	wasInSess  bool

	logger  *zap.Logger
	timeNow func() time.Time
}

func NewScheduler(cfg *config.Config, logger *zap.Logger) *Scheduler {
	start, end := cfg.SessionWindow()
	return &Scheduler{
		state:        StateInactive,
		loc:          cfg.Location(),
		startMin:     start,
		endMin:       end,
		interval:     time.Duration(cfg.Scheduler.TickIntervalMs) * time.Millisecond,
		flatten:      cfg.Scheduler.FlattenAtSessionEnd,
		autoResume:   cfg.Scheduler.AutoResume,
		onTick:       func(context.Context) {},
		onSessionEnd: func(context.Context) {},
		onRollover:   func(time.Time) {},
		logger:       logger,
		timeNow:      time.Now,
	}
}

// SetHandlers wires the engine callbacks. Must be called before Run.
func (s *Scheduler) SetHandlers(onTick, onSessionEnd func(ctx context.Context), onRollover func(day time.Time)) {
	if onTick != nil {
		s.onTick = onTick
	}
	if onSessionEnd != nil {
		s.onSessionEnd = onSessionEnd
	}
	if onRollover != nil {
		s.onRollover = onRollover
	}
}

// Run blocks until ctx is cancelled, firing Tick at the configured interval.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling decision. Exported so tests and the backtest
// engine can drive the scheduler with a synthetic clock instead of the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.timeNow().In(s.loc)
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, s.loc)

	s.mu.Lock()
	if !day.Equal(s.currentDay) {
		s.currentDay = day
		s.mu.Unlock()
		s.onRollover(day)
		s.mu.Lock()
		if s.state == StateSuspended && s.autoResume && s.suspendReason == SuspendDailyLoss {
			s.state = StateInactive
			s.suspendReason = ""
			s.logger.Info("suspension lifted on day rollover")
		}
	}

	in := s.InWindow(now)
	leaving := s.wasInSess && !in
	s.wasInSess = in

	if s.state != StateSuspended {
		if in {
			s.state = StateActive
		} else {
			s.state = StateInactive
		}
	}
	suspended := s.state == StateSuspended
	s.mu.Unlock()

	if leaving && s.flatten {
		s.logger.Info("session ended, flattening")
		s.onSessionEnd(ctx)
	}
	if suspended || !in {
		return
	}

	if !s.busy.TryLock() {
		ObserveTickDropped()
		s.logger.Warn("tick dropped, previous cycle still running")
		return
	}
	go func() {
		defer s.busy.Unlock()
		s.onTick(ctx)
	}()
}

// InWindow reports whether the wall-clock minute falls inside the session
// window. Windows with start > end cross midnight.
func (s *Scheduler) InWindow(now time.Time) bool {
	m := now.In(s.loc).Hour()*60 + now.In(s.loc).Minute()
	if s.startMin <= s.endMin {
		return m >= s.startMin && m <= s.endMin
	}
	return m >= s.startMin || m <= s.endMin
}

// Suspend halts trading until Resume. Suspending an already suspended
// scheduler keeps the earliest reason.
func (s *Scheduler) Suspend(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateSuspended {
		return
	}
	s.state = StateSuspended
	s.suspendReason = reason
	s.logger.Warn("scheduler suspended", zap.String("reason", reason))
}

// Resume lifts a suspension. The next tick decides active or inactive from
// the session window.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateSuspended {
		return
	}
	s.state = StateInactive
	s.suspendReason = ""
	s.logger.Info("scheduler resumed")
}

// State returns the current state and, when suspended, the reason.
func (s *Scheduler) State() (SchedulerState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.suspendReason
}
