package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/maxwatch/internal/auth"
	"github.com/example/maxwatch/internal/internaltypes"
	"github.com/example/maxwatch/internal/tasks"
	"github.com/example/maxwatch/internal/travel"
)

type fakeAuth struct {
	mu       sync.Mutex
	states   map[string]auth.State
	results  []error
	confirms []string
}

func (f *fakeAuth) State(userID string) auth.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[userID]; ok {
		return st
	}
	return auth.StateAnonymous
}

func (f *fakeAuth) setState(userID string, st auth.State) {
	f.mu.Lock()
	f.states[userID] = st
	f.mu.Unlock()
}

func (f *fakeAuth) Confirm(_ context.Context, userID string, b travel.Booking) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirms = append(f.confirms, userID+":"+b.OrderID)
	if len(f.results) == 0 {
		return nil
	}
	err := f.results[0]
	f.results = f.results[1:]
	if err != nil && errors.Is(err, internaltypes.ErrNeedsReauth) {
		f.states[userID] = auth.StateStale
	}
	return err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var departure = time.Date(2026, 7, 14, 10, 30, 0, 0, time.UTC)

var trip = travel.Booking{OrderID: "O1", TrainNumber: "6201", DepartureDateTime: departure, DVNumber: "DV1"}

func newScheduler(t *testing.T) (*Scheduler, *fakeAuth, *tasks.MemoryRepo, *clock) {
	t.Helper()
	fa := &fakeAuth{states: map[string]auth.State{"alice": auth.StateAuthenticated}}
	repo := tasks.NewMemoryRepo()
	clk := &clock{now: departure.Add(-72 * time.Hour)}
	s := New(fa, repo, Options{Now: clk.Now}, zap.NewNop())
	return s, fa, repo, clk
}

func TestSchedule_RequiresAuthenticatedUser(t *testing.T) {
	s, fa, _, _ := newScheduler(t)
	ctx := context.Background()

	_, err := s.Schedule(ctx, "bob", trip)
	assert.ErrorIs(t, err, internaltypes.ErrNotAuthenticated)

	fa.setState("bob", auth.StateStale)
	_, err = s.Schedule(ctx, "bob", trip)
	assert.ErrorIs(t, err, internaltypes.ErrNeedsReauth)

	_, err = s.Schedule(ctx, "alice", travel.Booking{OrderID: "O1"})
	assert.ErrorIs(t, err, internaltypes.ErrValidation)
}

func TestSchedule_IsIdempotent(t *testing.T) {
	s, _, _, clk := newScheduler(t)
	ctx := context.Background()

	first, err := s.Schedule(ctx, "alice", trip)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, first.Status)
	assert.Equal(t, trip.Key(), first.Key)

	clk.Set(clk.Now().Add(time.Hour))
	again, err := s.Schedule(ctx, "alice", trip)
	require.NoError(t, err)
	assert.Equal(t, first.ScheduledAt, again.ScheduledAt)

	all, err := s.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTick_BeforeWindowLeavesPending(t *testing.T) {
	s, fa, _, clk := newScheduler(t)
	ctx := context.Background()
	_, err := s.Schedule(ctx, "alice", trip)
	require.NoError(t, err)

	clk.Set(departure.Add(-49 * time.Hour))
	rep, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Waiting: 1}, rep)

	got, err := s.Get(ctx, trip.Key())
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusPending, got.Status)
	assert.Empty(t, fa.confirms)
}

func TestTick_InWindowConfirmsAndRemoves(t *testing.T) {
	s, fa, _, clk := newScheduler(t)
	ctx := context.Background()
	_, err := s.Schedule(ctx, "alice", trip)
	require.NoError(t, err)

	clk.Set(departure.Add(-47 * time.Hour))
	rep, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Confirmed)
	assert.Equal(t, []string{"alice:O1"}, fa.confirms)

	mine, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, mine, "confirmed task leaves the active set")

	_, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, fa.confirms, 1, "confirmation fires exactly once")
}

func TestTick_WindowStartIsInclusive(t *testing.T) {
	s, fa, _, clk := newScheduler(t)
	ctx := context.Background()
	_, _ = s.Schedule(ctx, "alice", trip)

	clk.Set(departure.Add(-48 * time.Hour))
	_, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, fa.confirms, 1)
}

func TestTick_ReauthThenRetried(t *testing.T) {
	s, fa, _, clk := newScheduler(t)
	ctx := context.Background()
	_, err := s.Schedule(ctx, "alice", trip)
	require.NoError(t, err)
	fa.results = []error{internaltypes.ErrNeedsReauth}

	clk.Set(departure.Add(-47 * time.Hour))
	rep, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.NeedsReauth)
	got, _ := s.Get(ctx, trip.Key())
	assert.Equal(t, tasks.StatusNeedsReauth, got.Status)

	// still stale: no confirm attempt, task kept
	clk.Set(departure.Add(-46 * time.Hour))
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, fa.confirms, 1)
	got, _ = s.Get(ctx, trip.Key())
	assert.Equal(t, tasks.StatusNeedsReauth, got.Status)

	fa.setState("alice", auth.StateAuthenticated)
	clk.Set(departure.Add(-45 * time.Hour))
	rep, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Confirmed)
	assert.Len(t, fa.confirms, 2)
	_, err = s.Get(ctx, trip.Key())
	assert.ErrorIs(t, err, internaltypes.ErrNotFound)
}

func TestTick_LoggedOutUserInWindow(t *testing.T) {
	s, fa, _, clk := newScheduler(t)
	ctx := context.Background()
	_, _ = s.Schedule(ctx, "alice", trip)
	fa.setState("alice", auth.StateAnonymous)

	clk.Set(departure.Add(-10 * time.Hour))
	rep, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.NeedsReauth)
	assert.Empty(t, fa.confirms, "never confirms without an authenticated session")

	got, _ := s.Get(ctx, trip.Key())
	assert.Equal(t, tasks.StatusNeedsReauth, got.Status)
	assert.Equal(t, reasonLoginRequired, got.LastError)
}

func TestTick_OtherFailureIsNotRetried(t *testing.T) {
	s, fa, _, clk := newScheduler(t)
	ctx := context.Background()
	_, _ = s.Schedule(ctx, "alice", trip)
	fa.results = []error{errors.New("confirm train 6201: remote status 409")}

	clk.Set(departure.Add(-47 * time.Hour))
	rep, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)

	got, err := s.Get(ctx, trip.Key())
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "409")
	assert.False(t, got.Missed())

	_, _ = s.Tick(ctx)
	assert.Len(t, fa.confirms, 1)
}

func TestTick_DeadlinePassed(t *testing.T) {
	s, fa, _, clk := newScheduler(t)
	ctx := context.Background()
	_, _ = s.Schedule(ctx, "alice", trip)

	clk.Set(departure)
	rep, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Missed)
	assert.Empty(t, fa.confirms)

	got, err := s.Get(ctx, trip.Key())
	require.NoError(t, err, "a missed task stays inspectable")
	assert.True(t, got.Missed())
	assert.Equal(t, tasks.ReasonDeadlinePassed, got.LastError)
}

// flakyRepo fails the first Update that writes failOn.
type flakyRepo struct {
	*tasks.MemoryRepo
	failOn tasks.Status
	failed bool
}

func (r *flakyRepo) Update(ctx context.Context, t tasks.Task) error {
	if !r.failed && t.Status == r.failOn {
		r.failed = true
		return errors.New("db down")
	}
	return r.MemoryRepo.Update(ctx, t)
}

func newFlakyScheduler(t *testing.T, failOn tasks.Status) (*Scheduler, *fakeAuth, *clock) {
	t.Helper()
	fa := &fakeAuth{states: map[string]auth.State{"alice": auth.StateAuthenticated}}
	repo := &flakyRepo{MemoryRepo: tasks.NewMemoryRepo(), failOn: failOn}
	clk := &clock{now: departure.Add(-72 * time.Hour)}
	s := New(fa, repo, Options{Now: clk.Now}, zap.NewNop())
	return s, fa, clk
}

func TestTick_InterruptedConfirmFailsAtDeadline(t *testing.T) {
	s, fa, clk := newFlakyScheduler(t, tasks.StatusNeedsReauth)
	ctx := context.Background()
	_, err := s.Schedule(ctx, "alice", trip)
	require.NoError(t, err)
	fa.results = []error{internaltypes.ErrNeedsReauth}

	clk.Set(departure.Add(-47 * time.Hour))
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	got, _ := s.Get(ctx, trip.Key())
	require.Equal(t, tasks.StatusConfirming, got.Status, "write after the confirm attempt was lost")

	clk.Set(departure.Add(time.Hour))
	rep, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Missed)

	got, err = s.Get(ctx, trip.Key())
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusFailed, got.Status)
	assert.True(t, got.Missed())
}

func TestTick_InterruptedConfirmIsResumed(t *testing.T) {
	s, fa, clk := newFlakyScheduler(t, tasks.StatusNeedsReauth)
	ctx := context.Background()
	_, _ = s.Schedule(ctx, "alice", trip)
	fa.results = []error{internaltypes.ErrNeedsReauth}

	clk.Set(departure.Add(-47 * time.Hour))
	_, err := s.Tick(ctx)
	require.NoError(t, err)

	// too recent: left alone
	clk.Set(departure.Add(-47*time.Hour + time.Minute))
	rep, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Checked: 1, Waiting: 1}, rep)

	// user went stale during the lost attempt
	clk.Set(departure.Add(-47*time.Hour + DefaultInterval))
	rep, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.NeedsReauth)
	got, _ := s.Get(ctx, trip.Key())
	assert.Equal(t, tasks.StatusNeedsReauth, got.Status)

	fa.setState("alice", auth.StateAuthenticated)
	clk.Set(departure.Add(-46 * time.Hour))
	rep, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Confirmed)
	assert.Len(t, fa.confirms, 2)
}

func TestCancel(t *testing.T) {
	s, _, _, _ := newScheduler(t)
	ctx := context.Background()
	_, _ = s.Schedule(ctx, "alice", trip)

	require.NoError(t, s.Cancel(ctx, trip.Key()))
	require.NoError(t, s.Cancel(ctx, trip.Key()), "cancel of an unknown key is a no-op")
	assert.ErrorIs(t, s.Cancel(ctx, ""), internaltypes.ErrValidation)

	all, _ := s.ListAll(ctx)
	assert.Empty(t, all)
}

func TestRun_KicksImmediately(t *testing.T) {
	s, fa, _, clk := newScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	_, _ = s.Schedule(ctx, "alice", trip)
	clk.Set(departure.Add(-time.Hour))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		fa.mu.Lock()
		defer fa.mu.Unlock()
		return len(fa.confirms) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
