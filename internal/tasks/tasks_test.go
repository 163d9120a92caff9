package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/maxwatch/internal/internaltypes"
	"github.com/example/maxwatch/internal/travel"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func booking(order string, dep time.Time) travel.Booking {
	return travel.Booking{OrderID: order, TrainNumber: "6201", DepartureDateTime: dep, Origin: "FRPLY", Destination: "FRMSC"}
}

func TestTask_Validate(t *testing.T) {
	ok := New("u1", booking("O1", now.Add(72*time.Hour)), now)
	require.NoError(t, ok.Validate())

	noUser := ok
	noUser.UserID = " "
	assert.ErrorIs(t, noUser.Validate(), internaltypes.ErrValidation)

	noTrain := ok
	noTrain.Booking.TrainNumber = ""
	assert.ErrorIs(t, noTrain.Validate(), internaltypes.ErrValidation)
}

func TestTask_StatusHelpers(t *testing.T) {
	tk := New("u1", booking("O1", now), now)
	assert.Equal(t, StatusPending, tk.Status)
	assert.True(t, tk.Due())
	assert.False(t, tk.Missed())

	tk.Status = StatusNeedsReauth
	assert.True(t, tk.Due())

	tk.Status = StatusConfirming
	assert.True(t, tk.Due(), "an interrupted confirmation is retried")

	tk.Status = StatusConfirmed
	assert.False(t, tk.Due())

	tk.Status = StatusFailed
	tk.LastError = ReasonDeadlinePassed
	assert.False(t, tk.Due())
	assert.True(t, tk.Missed())

	tk.LastError = "remote said no"
	assert.False(t, tk.Missed())
}

func TestMemoryRepo_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	tk := New("u1", booking("O1", now.Add(time.Hour)), now)

	got, created, err := r.Create(ctx, tk)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, tk, got)

	again := tk
	again.ScheduledAt = now.Add(time.Minute)
	got, created, err = r.Create(ctx, again)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, now, got.ScheduledAt, "existing task is returned unchanged")
}

func TestMemoryRepo_ListsAreSortedByDeparture(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	late := New("u1", booking("O2", now.Add(5*time.Hour)), now)
	early := New("u1", booking("O1", now.Add(1*time.Hour)), now)
	other := New("u2", booking("O3", now.Add(3*time.Hour)), now)
	for _, tk := range []Task{late, early, other} {
		_, _, err := r.Create(ctx, tk)
		require.NoError(t, err)
	}

	mine, err := r.ListByUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, early.Key, mine[0].Key)
	assert.Equal(t, late.Key, mine[1].Key)

	all, err := r.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{early.Key, other.Key, late.Key}, []string{all[0].Key, all[1].Key, all[2].Key})
}

func TestMemoryRepo_UpdateAndListDue(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	a := New("u1", booking("A", now.Add(time.Hour)), now)
	b := New("u1", booking("B", now.Add(2*time.Hour)), now)
	_, _, _ = r.Create(ctx, a)
	_, _, _ = r.Create(ctx, b)

	a.Status = StatusFailed
	a.LastError = "boom"
	a.UpdatedAt = now.Add(time.Minute)
	a.Booking.TrainNumber = "ignored"
	require.NoError(t, r.Update(ctx, a))

	got, err := r.Get(ctx, a.Key)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "boom", got.LastError)
	assert.Equal(t, "6201", got.Booking.TrainNumber, "update only touches status fields")

	due, err := r.ListDue(ctx)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, b.Key, due[0].Key)

	err = r.Update(ctx, New("u1", booking("missing", now), now))
	assert.ErrorIs(t, err, internaltypes.ErrNotFound)
}

func TestMemoryRepo_Delete(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	for i, o := range []string{"A", "B", "C"} {
		user := "u1"
		if i == 2 {
			user = "u2"
		}
		_, _, _ = r.Create(ctx, New(user, booking(o, now), now))
	}

	require.NoError(t, r.Delete(ctx, "nope"))

	n, err := r.DeleteByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	all, _ := r.ListAll(ctx)
	require.Len(t, all, 1)
	assert.Equal(t, "u2", all[0].UserID)

	require.NoError(t, r.Delete(ctx, all[0].Key))
	_, err = r.Get(ctx, all[0].Key)
	assert.ErrorIs(t, err, internaltypes.ErrNotFound)
}
