// Package auth keeps one authenticated remote session per user. Each user
// record owns its own driver handle and moves through
// anonymous -> pending_two_factor -> authenticated -> stale.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/maxwatch/internal/internaltypes"
	"github.com/example/maxwatch/internal/remote"
	"github.com/example/maxwatch/internal/travel"
)

type State string

const (
	StateAnonymous        State = "anonymous"
	StatePendingTwoFactor State = "pending_two_factor"
	StateAuthenticated    State = "authenticated"
	StateStale            State = "stale"
)

const (
	DefaultMaxIdle       = 24 * time.Hour
	DefaultSweepInterval = time.Hour
	defaultLookback      = 90 * 24 * time.Hour
)

// TaskPurger drops a user's scheduled tasks when the user's record goes away.
type TaskPurger interface {
	DeleteByUser(ctx context.Context, userID string) (int, error)
}

type Options struct {
	MaxIdle       time.Duration
	SweepInterval time.Duration
	// BookingsLookback is how far back the bookings query starts.
	BookingsLookback time.Duration
	// Location interprets remote date-times that carry no zone.
	Location *time.Location
	Now      func() time.Time
}

type LoginResult struct {
	Outcome       remote.Outcome  `json:"outcome"`
	Profile       *travel.Profile `json:"profile,omitempty"`
	BookingsCount int             `json:"bookingsCount"`
}

type UserStatus struct {
	UserID           string          `json:"userId"`
	State            State           `json:"state"`
	IsAuthenticated  bool            `json:"isAuthenticated"`
	PendingTwoFactor bool            `json:"pendingTwoFactor"`
	Profile          *travel.Profile `json:"profile,omitempty"`
	BookingsCount    int             `json:"bookingsCount"`
	CreatedAt        time.Time       `json:"createdAt"`
	LastActivityAt   time.Time       `json:"lastActivityAt"`
}

// record is one user's session. op serializes driver calls on the handle;
// mu guards the fields below it and is only held briefly, so status reads
// never wait on a slow remote call.
type record struct {
	userID string
	op     sync.Mutex

	// guarded by op
	handle  remote.Handle
	removed bool

	mu           sync.RWMutex
	state        State
	profile      travel.Profile
	bookings     []travel.Booking
	createdAt    time.Time
	lastActivity time.Time
}

func (r *record) set(fn func(r *record)) {
	r.mu.Lock()
	fn(r)
	r.mu.Unlock()
}

func (r *record) status() UserStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := UserStatus{
		UserID:           r.userID,
		State:            r.state,
		IsAuthenticated:  r.state == StateAuthenticated,
		PendingTwoFactor: r.state == StatePendingTwoFactor,
		BookingsCount:    len(r.bookings),
		CreatedAt:        r.createdAt,
		LastActivityAt:   r.lastActivity,
	}
	if r.state == StateAuthenticated || r.state == StateStale {
		p := r.profile
		st.Profile = &p
	}
	return st
}

type Store struct {
	driver remote.Driver
	flow   remote.CredentialFlow
	tasks  TaskPurger
	opts   Options
	log    *zap.Logger

	mu      sync.Mutex
	records map[string]*record
}

func NewStore(driver remote.Driver, flow remote.CredentialFlow, tasks TaskPurger, opts Options, log *zap.Logger) *Store {
	if opts.MaxIdle <= 0 {
		opts.MaxIdle = DefaultMaxIdle
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.BookingsLookback <= 0 {
		opts.BookingsLookback = defaultLookback
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		driver:  driver,
		flow:    flow,
		tasks:   tasks,
		opts:    opts,
		log:     log,
		records: make(map[string]*record),
	}
}

// acquire returns the user's record with op held, or nil when there is none
// and create is false.
func (s *Store) acquire(userID string, create bool) *record {
	for {
		s.mu.Lock()
		rec, ok := s.records[userID]
		if !ok {
			if !create {
				s.mu.Unlock()
				return nil
			}
			now := s.opts.Now()
			rec = &record{userID: userID, state: StateAnonymous, createdAt: now, lastActivity: now}
			s.records[userID] = rec
		}
		s.mu.Unlock()

		rec.op.Lock()
		if !rec.removed {
			return rec
		}
		// lost a race with logout or the sweep; look again
		rec.op.Unlock()
	}
}

// releaseLocked closes the record's handle. Caller holds rec.op.
func (s *Store) releaseLocked(rec *record) {
	if rec.handle == nil {
		return
	}
	if err := s.driver.Close(rec.handle); err != nil {
		s.log.Warn("closing user session", zap.String("user_id", rec.userID), zap.Error(err))
	}
	rec.handle = nil
}

// removeLocked drops the record from the store. Caller holds rec.op.
func (s *Store) removeLocked(rec *record) {
	rec.removed = true
	s.mu.Lock()
	if s.records[rec.userID] == rec {
		delete(s.records, rec.userID)
	}
	s.mu.Unlock()
}

func (s *Store) touch(rec *record) {
	now := s.opts.Now()
	rec.set(func(r *record) { r.lastActivity = now })
}

// Login discards whatever session the user had, opens a fresh handle and
// drives the credential flow on it.
func (s *Store) Login(ctx context.Context, userID string, creds travel.Credentials) (LoginResult, error) {
	if strings.TrimSpace(userID) == "" {
		return LoginResult{}, fmt.Errorf("%w: user id required", internaltypes.ErrValidation)
	}
	if err := creds.Validate(); err != nil {
		return LoginResult{}, fmt.Errorf("%w: %v", internaltypes.ErrValidation, err)
	}
	log := s.log.With(zap.String("user_id", userID), zap.String("email", creds.MaskedEmail()))

	rec := s.acquire(userID, true)
	defer rec.op.Unlock()

	s.releaseLocked(rec)
	now := s.opts.Now()
	rec.set(func(r *record) {
		r.state = StateAnonymous
		r.profile = travel.Profile{}
		r.bookings = nil
		r.lastActivity = now
	})

	h, err := s.driver.Open(ctx, remote.OpenOptions{})
	if err != nil {
		s.removeLocked(rec)
		log.Error("opening user session", zap.Error(err))
		return LoginResult{}, fmt.Errorf("%w: %w", internaltypes.ErrSessionInit, err)
	}
	rec.handle = h

	log.Info("login started")
	res, err := s.flow.Login(ctx, h, creds)
	if err != nil {
		s.releaseLocked(rec)
		s.removeLocked(rec)
		log.Warn("login flow error", zap.Error(err))
		return LoginResult{}, fmt.Errorf("%w: %w", internaltypes.ErrAuth, err)
	}

	switch res.Outcome {
	case remote.OutcomeAuthenticated:
		return s.authenticatedLocked(ctx, rec, res.Profile, log)
	case remote.OutcomeChallengeRequired:
		s.touch(rec)
		rec.set(func(r *record) { r.state = StatePendingTwoFactor })
		log.Info("two-factor challenge pending")
		return LoginResult{Outcome: remote.OutcomeChallengeRequired}, nil
	default:
		s.releaseLocked(rec)
		s.removeLocked(rec)
		log.Info("login rejected", zap.String("reason", res.Reason))
		return LoginResult{}, fmt.Errorf("%w: %s", internaltypes.ErrAuth, reasonOr(res.Reason, "login rejected"))
	}
}

// SubmitTwoFactorCode forwards a one-time code on the handle kept by Login.
// A rejected code leaves the challenge pending so the caller can try again.
func (s *Store) SubmitTwoFactorCode(ctx context.Context, userID, code string) (LoginResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return LoginResult{}, fmt.Errorf("%w: code required", internaltypes.ErrValidation)
	}
	rec := s.acquire(userID, false)
	if rec == nil {
		return LoginResult{}, fmt.Errorf("%w: no login in progress", internaltypes.ErrNotAuthenticated)
	}
	defer rec.op.Unlock()

	if st := rec.status().State; st != StatePendingTwoFactor {
		return LoginResult{}, fmt.Errorf("%w: no two-factor challenge pending (state %s)", internaltypes.ErrValidation, st)
	}
	log := s.log.With(zap.String("user_id", userID))

	res, err := s.flow.SubmitChallenge(ctx, rec.handle, code)
	s.touch(rec)
	if err != nil {
		log.Warn("two-factor flow error", zap.Error(err))
		return LoginResult{}, fmt.Errorf("%w: %w", internaltypes.ErrAuth, err)
	}
	if res.Outcome != remote.OutcomeAuthenticated {
		log.Info("two-factor code rejected", zap.String("reason", res.Reason))
		return LoginResult{}, fmt.Errorf("%w: %s", internaltypes.ErrAuth, reasonOr(res.Reason, "code rejected"))
	}
	return s.authenticatedLocked(ctx, rec, res.Profile, log)
}

// authenticatedLocked marks rec logged in and snapshots its bookings. A
// rejected bookings fetch leaves the record stale and returns ErrNeedsReauth.
func (s *Store) authenticatedLocked(ctx context.Context, rec *record, p travel.Profile, log *zap.Logger) (LoginResult, error) {
	now := s.opts.Now()
	rec.set(func(r *record) {
		r.state = StateAuthenticated
		r.profile = p
		r.lastActivity = now
	})

	bookings, err := s.fetchBookingsLocked(ctx, rec, p)
	if errors.Is(err, internaltypes.ErrNeedsReauth) {
		log.Warn("session rejected right after login", zap.Error(err))
		return LoginResult{}, err
	}
	if err != nil {
		log.Warn("fetching bookings after login", zap.Error(err))
		bookings = nil
	}
	rec.set(func(r *record) { r.bookings = bookings })

	log.Info("login succeeded", zap.Int("bookings", len(bookings)))
	return LoginResult{Outcome: remote.OutcomeAuthenticated, Profile: &p, BookingsCount: len(bookings)}, nil
}

// authenticated acquires the user's record and checks it may issue
// authenticated requests. On success the caller must release rec.op.
func (s *Store) authenticated(userID string) (*record, error) {
	rec := s.acquire(userID, false)
	if rec == nil {
		return nil, fmt.Errorf("%w: no session for user", internaltypes.ErrNotAuthenticated)
	}
	switch st := rec.status().State; st {
	case StateAuthenticated:
		s.touch(rec)
		return rec, nil
	case StateStale:
		rec.op.Unlock()
		return nil, internaltypes.ErrNeedsReauth
	default:
		rec.op.Unlock()
		return nil, fmt.Errorf("%w: session is %s", internaltypes.ErrNotAuthenticated, st)
	}
}

// RefreshBookings re-reads the user's bookings and replaces the snapshot.
func (s *Store) RefreshBookings(ctx context.Context, userID string) ([]travel.Booking, error) {
	rec, err := s.authenticated(userID)
	if err != nil {
		return nil, err
	}
	defer rec.op.Unlock()

	rec.mu.RLock()
	p := rec.profile
	rec.mu.RUnlock()

	bookings, err := s.fetchBookingsLocked(ctx, rec, p)
	if err != nil {
		return nil, err
	}
	rec.set(func(r *record) { r.bookings = bookings })
	return append([]travel.Booking(nil), bookings...), nil
}

func (s *Store) Confirm(ctx context.Context, userID string, b travel.Booking) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%w: %v", internaltypes.ErrValidation, err)
	}
	rec, err := s.authenticated(userID)
	if err != nil {
		return err
	}
	defer rec.op.Unlock()

	if err := s.confirmLocked(ctx, rec, b); err != nil {
		return err
	}
	s.log.Info("booking confirmed", zap.String("user_id", userID), zap.String("train", b.TrainNumber),
		zap.Time("departure", b.DepartureDateTime))
	return nil
}

// Cancel cancels a booking. An empty customerName falls back to the
// profile's full name.
func (s *Store) Cancel(ctx context.Context, userID string, b travel.Booking, customerName string) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%w: %v", internaltypes.ErrValidation, err)
	}
	rec, err := s.authenticated(userID)
	if err != nil {
		return err
	}
	defer rec.op.Unlock()

	if strings.TrimSpace(customerName) == "" {
		rec.mu.RLock()
		customerName = rec.profile.FullName()
		rec.mu.RUnlock()
	}
	if err := s.cancelLocked(ctx, rec, b, customerName); err != nil {
		return err
	}

	key := b.Key()
	rec.set(func(r *record) {
		kept := r.bookings[:0:0]
		for _, x := range r.bookings {
			if x.Key() != key {
				kept = append(kept, x)
			}
		}
		r.bookings = kept
	})
	s.log.Info("booking cancelled", zap.String("user_id", userID), zap.String("train", b.TrainNumber))
	return nil
}

// Logout releases the user's handle, forgets the record and removes the
// user's scheduled tasks. Logging out an unknown user still purges tasks.
func (s *Store) Logout(ctx context.Context, userID string) error {
	if rec := s.acquire(userID, false); rec != nil {
		s.releaseLocked(rec)
		s.removeLocked(rec)
		rec.op.Unlock()
	}
	n, err := s.tasks.DeleteByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("logout %s: purge tasks: %w", userID, err)
	}
	s.log.Info("logged out", zap.String("user_id", userID), zap.Int("tasks_removed", n))
	return nil
}

func (s *Store) State(userID string) State {
	s.mu.Lock()
	rec, ok := s.records[userID]
	s.mu.Unlock()
	if !ok {
		return StateAnonymous
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	return rec.state
}

func (s *Store) Status(userID string) UserStatus {
	s.mu.Lock()
	rec, ok := s.records[userID]
	s.mu.Unlock()
	if !ok {
		return UserStatus{UserID: userID, State: StateAnonymous}
	}
	return rec.status()
}

// Bookings returns the snapshot taken at login or the last refresh.
func (s *Store) Bookings(userID string) ([]travel.Booking, error) {
	s.mu.Lock()
	rec, ok := s.records[userID]
	s.mu.Unlock()
	if !ok {
		return nil, internaltypes.ErrNotAuthenticated
	}
	rec.mu.RLock()
	defer rec.mu.RUnlock()
	switch rec.state {
	case StateAuthenticated:
		return append([]travel.Booking(nil), rec.bookings...), nil
	case StateStale:
		return nil, internaltypes.ErrNeedsReauth
	default:
		return nil, internaltypes.ErrNotAuthenticated
	}
}

// ActiveSessions lists every record, for diagnostics.
func (s *Store) ActiveSessions() []UserStatus {
	s.mu.Lock()
	recs := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.Unlock()

	out := make([]UserStatus, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.status())
	}
	return out
}

// Sweep removes records idle for longer than MaxIdle and purges their tasks.
// Records busy with a remote call are left for the next pass.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.opts.Now()
	s.mu.Lock()
	recs := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		recs = append(recs, r)
	}
	s.mu.Unlock()

	removed := 0
	for _, rec := range recs {
		if !rec.op.TryLock() {
			continue
		}
		rec.mu.RLock()
		idle := now.Sub(rec.lastActivity)
		rec.mu.RUnlock()
		if rec.removed || idle <= s.opts.MaxIdle {
			rec.op.Unlock()
			continue
		}
		s.releaseLocked(rec)
		s.removeLocked(rec)
		rec.op.Unlock()
		removed++

		n, err := s.tasks.DeleteByUser(ctx, rec.userID)
		if err != nil {
			s.log.Error("purging tasks of idle user", zap.String("user_id", rec.userID), zap.Error(err))
			continue
		}
		s.log.Info("idle session removed", zap.String("user_id", rec.userID),
			zap.Duration("idle", idle), zap.Int("tasks_removed", n))
	}
	return removed
}

// RunSweeper calls Sweep every SweepInterval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context) error {
	t := time.NewTicker(s.opts.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Sweep(ctx)
		}
	}
}

// Close releases every handle. Records and tasks are dropped without cascade.
func (s *Store) Close() error {
	s.mu.Lock()
	recs := s.records
	s.records = make(map[string]*record)
	s.mu.Unlock()

	var errs []error
	for _, rec := range recs {
		rec.op.Lock()
		rec.removed = true
		if rec.handle != nil {
			if err := s.driver.Close(rec.handle); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", rec.userID, err))
			}
			rec.handle = nil
		}
		rec.op.Unlock()
	}
	return errors.Join(errs...)
}

func reasonOr(reason, def string) string {
	if strings.TrimSpace(reason) == "" {
		return def
	}
	return reason
}
