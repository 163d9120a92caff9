// Package tasks stores auto-confirm tasks: one per booking a user asked to
// have confirmed automatically once its confirmation window opens.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/example/maxwatch/internal/internaltypes"
	"github.com/example/maxwatch/internal/travel"
)

type Status string

const (
	StatusPending     Status = "pending"
	StatusConfirming  Status = "confirming"
	StatusConfirmed   Status = "confirmed"
	StatusFailed      Status = "failed"
	StatusNeedsReauth Status = "needs_reauth"
)

// ReasonDeadlinePassed is the LastError of a task whose departure went by
// before it could be confirmed.
const ReasonDeadlinePassed = "deadline passed"

type Task struct {
	Key         string         `json:"key"`
	UserID      string         `json:"userId"`
	Booking     travel.Booking `json:"booking"`
	Status      Status         `json:"status"`
	ScheduledAt time.Time      `json:"scheduledAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
	LastError   string         `json:"lastError,omitempty"`
}

func New(userID string, b travel.Booking, now time.Time) Task {
	return Task{
		Key:         b.Key(),
		UserID:      userID,
		Booking:     b,
		Status:      StatusPending,
		ScheduledAt: now,
		UpdatedAt:   now,
	}
}

// Due reports whether the tick should look at the task at all. Confirming
// tasks are included so one left behind by a failed write or a crash is
// picked up again.
func (t Task) Due() bool {
	switch t.Status {
	case StatusPending, StatusNeedsReauth, StatusConfirming:
		return true
	}
	return false
}

// Missed reports a task that failed because its departure passed unconfirmed.
func (t Task) Missed() bool {
	return t.Status == StatusFailed && t.LastError == ReasonDeadlinePassed
}

func (t Task) Validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return fmt.Errorf("%w: user id required", internaltypes.ErrValidation)
	}
	if err := t.Booking.Validate(); err != nil {
		return fmt.Errorf("%w: %v", internaltypes.ErrValidation, err)
	}
	return nil
}

// Repo persists tasks. Implementations return internaltypes.ErrNotFound from
// Get and Update when the key is absent; Delete of an absent key is a no-op.
type Repo interface {
	// Create stores t unless a task with the same key exists. It returns the
	// stored task and whether it was newly created.
	Create(ctx context.Context, t Task) (Task, bool, error)
	Get(ctx context.Context, key string) (Task, error)
	ListByUser(ctx context.Context, userID string) ([]Task, error)
	ListAll(ctx context.Context) ([]Task, error)
	// ListDue returns pending, needs_reauth and confirming tasks.
	ListDue(ctx context.Context) ([]Task, error)
	// Update writes Status, LastError and UpdatedAt.
	Update(ctx context.Context, t Task) error
	Delete(ctx context.Context, key string) error
	DeleteByUser(ctx context.Context, userID string) (int, error)
}

func sortTasks(ts []Task) {
	sort.Slice(ts, func(i, j int) bool {
		a, b := ts[i].Booking.DepartureDateTime, ts[j].Booking.DepartureDateTime
		if !a.Equal(b) {
			return a.Before(b)
		}
		return ts[i].Key < ts[j].Key
	})
}
