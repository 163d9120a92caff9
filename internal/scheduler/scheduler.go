package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/maxwatch/internal/auth"
	"github.com/example/maxwatch/internal/internaltypes"
	"github.com/example/maxwatch/internal/tasks"
	"github.com/example/maxwatch/internal/travel"
)

const (
	DefaultInterval = 5 * time.Minute
	DefaultWindow   = 48 * time.Hour
)

// reasonLoginRequired is recorded on tasks waiting for their user to log in again.
const reasonLoginRequired = "login required"

// Confirmer is the part of the auth store the scheduler drives.
type Confirmer interface {
	State(userID string) auth.State
	Confirm(ctx context.Context, userID string, b travel.Booking) error
}

type Options struct {
	Interval time.Duration
	// Window is how long before departure confirmation opens.
	Window time.Duration
	Now    func() time.Time
}

// Report summarizes one tick.
type Report struct {
	Checked     int `json:"checked"`
	Waiting     int `json:"waiting"`
	Confirmed   int `json:"confirmed"`
	NeedsReauth int `json:"needsReauth"`
	Failed      int `json:"failed"`
	Missed      int `json:"missed"`
}

// Scheduler confirms scheduled bookings once their confirmation window
// opens. Firing latency is bounded by the poll interval only: a task becomes
// eligible at departure-Window and is picked up by the next tick.
type Scheduler struct {
	auth Confirmer
	repo tasks.Repo
	opts Options
	log  *zap.Logger

	// tick is the single writer of task state
	tick sync.Mutex
}

func New(a Confirmer, repo tasks.Repo, opts Options, log *zap.Logger) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{auth: a, repo: repo, opts: opts, log: log}
}

// Schedule registers b for automatic confirmation. Scheduling the same
// booking twice returns the existing task.
func (s *Scheduler) Schedule(ctx context.Context, userID string, b travel.Booking) (tasks.Task, error) {
	t := tasks.New(userID, b, s.opts.Now())
	if err := t.Validate(); err != nil {
		return tasks.Task{}, err
	}
	switch st := s.auth.State(userID); st {
	case auth.StateAuthenticated:
	case auth.StateStale:
		return tasks.Task{}, internaltypes.ErrNeedsReauth
	default:
		return tasks.Task{}, fmt.Errorf("%w: session is %s", internaltypes.ErrNotAuthenticated, st)
	}

	stored, created, err := s.repo.Create(ctx, t)
	if err != nil {
		return tasks.Task{}, fmt.Errorf("schedule %s: %w", t.Key, err)
	}
	if created {
		s.log.Info("auto-confirm scheduled", zap.String("user_id", userID), zap.String("key", t.Key),
			zap.Time("window_opens", b.DepartureDateTime.Add(-s.opts.Window)))
	}
	return stored, nil
}

// Cancel removes the task. Unknown keys are a no-op.
func (s *Scheduler) Cancel(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("%w: key required", internaltypes.ErrValidation)
	}
	return s.repo.Delete(ctx, key)
}

func (s *Scheduler) Get(ctx context.Context, key string) (tasks.Task, error) {
	return s.repo.Get(ctx, key)
}

func (s *Scheduler) List(ctx context.Context, userID string) ([]tasks.Task, error) {
	return s.repo.ListByUser(ctx, userID)
}

func (s *Scheduler) ListAll(ctx context.Context) ([]tasks.Task, error) {
	return s.repo.ListAll(ctx)
}

func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()

	// kick immediately
	s.runTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	rep, err := s.Tick(ctx)
	if err != nil {
		s.log.Error("scheduler tick failed", zap.Error(err))
		return
	}
	if rep.Checked > rep.Waiting {
		s.log.Info("scheduler tick", zap.Any("report", rep))
	}
}

// Tick processes every pending and needs_reauth task once, plus confirming
// tasks left over from an interrupted tick. Ticks never
// overlap; a forced tick waits for a running one.
func (s *Scheduler) Tick(ctx context.Context) (Report, error) {
	s.tick.Lock()
	defer s.tick.Unlock()

	due, err := s.repo.ListDue(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list due tasks: %w", err)
	}
	now := s.opts.Now()
	var rep Report
	for _, t := range due {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Checked++
		s.process(ctx, t, now, &rep)
	}
	return rep, nil
}

func (s *Scheduler) process(ctx context.Context, t tasks.Task, now time.Time, rep *Report) {
	dep := t.Booking.DepartureDateTime
	log := s.log.With(zap.String("user_id", t.UserID), zap.String("key", t.Key))

	switch {
	case !now.Before(dep):
		rep.Missed++
		log.Warn("auto-confirm missed", zap.Time("departure", dep), zap.String("status", string(t.Status)))
		s.update(ctx, t, tasks.StatusFailed, tasks.ReasonDeadlinePassed, now)
		return
	case now.Before(dep.Add(-s.opts.Window)):
		rep.Waiting++
		return
	case t.Status == tasks.StatusConfirming && now.Sub(t.UpdatedAt) < s.opts.Interval:
		// another writer may still be confirming it
		rep.Waiting++
		return
	}
	if t.Status == tasks.StatusConfirming {
		log.Warn("resuming interrupted auto-confirm", zap.Time("since", t.UpdatedAt))
	}

	if s.auth.State(t.UserID) != auth.StateAuthenticated {
		rep.NeedsReauth++
		if t.Status != tasks.StatusNeedsReauth {
			log.Info("auto-confirm waiting for login")
			s.update(ctx, t, tasks.StatusNeedsReauth, reasonLoginRequired, now)
		}
		return
	}

	if !s.update(ctx, t, tasks.StatusConfirming, "", now) {
		return
	}
	err := s.auth.Confirm(ctx, t.UserID, t.Booking)
	switch {
	case err == nil:
		rep.Confirmed++
		log.Info("auto-confirm succeeded", zap.String("train", t.Booking.TrainNumber))
		s.update(ctx, t, tasks.StatusConfirmed, "", now)
		if err := s.repo.Delete(ctx, t.Key); err != nil {
			log.Error("removing confirmed task", zap.Error(err))
		}
	case errors.Is(err, internaltypes.ErrNeedsReauth), errors.Is(err, internaltypes.ErrNotAuthenticated):
		rep.NeedsReauth++
		log.Info("auto-confirm needs re-login", zap.Error(err))
		s.update(ctx, t, tasks.StatusNeedsReauth, err.Error(), now)
	default:
		rep.Failed++
		log.Error("auto-confirm failed", zap.Error(err))
		s.update(ctx, t, tasks.StatusFailed, err.Error(), now)
	}
}

// update writes the task's new status. It reports false when the task is
// gone, e.g. cancelled or purged by a logout during the tick.
func (s *Scheduler) update(ctx context.Context, t tasks.Task, st tasks.Status, lastErr string, now time.Time) bool {
	t.Status = st
	t.LastError = lastErr
	t.UpdatedAt = now
	err := s.repo.Update(ctx, t)
	if errors.Is(err, internaltypes.ErrNotFound) {
		s.log.Debug("task removed during tick", zap.String("key", t.Key))
		return false
	}
	if err != nil {
		s.log.Error("updating task", zap.String("key", t.Key), zap.String("status", string(st)), zap.Error(err))
		return false
	}
	return true
}
