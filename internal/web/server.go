// Package web is the JSON API in front of the engine: availability search,
// per-user login and bookings, auto-confirm tasks and a few operator routes.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/maxwatch/internal/auth"
	"github.com/example/maxwatch/internal/cache"
	"github.com/example/maxwatch/internal/fetch"
	"github.com/example/maxwatch/internal/internaltypes"
	"github.com/example/maxwatch/internal/scheduler"
	"github.com/example/maxwatch/internal/session"
	"github.com/example/maxwatch/internal/tasks"
	"github.com/example/maxwatch/internal/travel"
)

type Sessions interface {
	Status() session.Status
	Reset(ctx context.Context) error
}

type Fetcher interface {
	Day(ctx context.Context, q fetch.Query) (fetch.DayResult, error)
	Month(ctx context.Context, q fetch.MonthQuery) (fetch.MonthResult, error)
	Stations(ctx context.Context, label string) (json.RawMessage, error)
}

type Accounts interface {
	Login(ctx context.Context, userID string, creds travel.Credentials) (auth.LoginResult, error)
	SubmitTwoFactorCode(ctx context.Context, userID, code string) (auth.LoginResult, error)
	Status(userID string) auth.UserStatus
	Bookings(userID string) ([]travel.Booking, error)
	RefreshBookings(ctx context.Context, userID string) ([]travel.Booking, error)
	Confirm(ctx context.Context, userID string, b travel.Booking) error
	Cancel(ctx context.Context, userID string, b travel.Booking, customerName string) error
	Logout(ctx context.Context, userID string) error
	ActiveSessions() []auth.UserStatus
}

type AutoConfirm interface {
	Schedule(ctx context.Context, userID string, b travel.Booking) (tasks.Task, error)
	Cancel(ctx context.Context, key string) error
	Get(ctx context.Context, key string) (tasks.Task, error)
	List(ctx context.Context, userID string) ([]tasks.Task, error)
	ListAll(ctx context.Context) ([]tasks.Task, error)
	Tick(ctx context.Context) (scheduler.Report, error)
}

type Server struct {
	Sessions Sessions
	Cache    *cache.Cache
	Fetch    Fetcher
	Accounts Accounts
	Tasks    AutoConfirm
	Cookies  *Cookies

	// AdminHash is the bcrypt hash of the admin password. Empty disables
	// the admin routes.
	AdminHash string
	// Location interprets date parameters.
	Location *time.Location
	Log      *zap.Logger

	started time.Time
}

func (s *Server) Routes() http.Handler {
	s.started = time.Now()
	if s.Location == nil {
		s.Location = time.UTC
	}
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	mux := http.NewServeMux()
	user := func(h http.HandlerFunc) http.Handler { return s.Cookies.RequireUser(h) }
	admin := func(h http.HandlerFunc) http.Handler { return requireAdmin(s.AdminHash, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /init", admin(s.handleInit))

	mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("DELETE /api/cache", s.handleCacheClear)
	mux.HandleFunc("DELETE /api/cache/route", s.handleCacheClearRoute)

	mux.HandleFunc("GET /api/stations", s.handleStations)
	mux.HandleFunc("GET /api/trains", s.handleTrains)
	mux.HandleFunc("GET /api/trains/month", s.handleTrainsMonth)

	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.Handle("POST /api/auth/2fa", user(s.handleTwoFactor))
	mux.HandleFunc("GET /api/auth/status", s.handleAuthStatus)
	mux.Handle("POST /api/auth/logout", user(s.handleLogout))

	mux.Handle("GET /api/bookings", user(s.handleBookings))
	mux.Handle("POST /api/bookings/refresh", user(s.handleBookingsRefresh))
	mux.Handle("POST /api/bookings/confirm", user(s.handleConfirm))
	mux.Handle("POST /api/bookings/cancel", user(s.handleCancel))

	mux.Handle("GET /api/autoconfirm", user(s.handleAutoConfirmList))
	mux.Handle("POST /api/autoconfirm", user(s.handleAutoConfirmCreate))
	mux.Handle("DELETE /api/autoconfirm", user(s.handleAutoConfirmDelete))

	mux.Handle("POST /api/admin/tick", admin(s.handleTick))
	mux.Handle("GET /api/admin/sessions", admin(s.handleSessions))
	mux.Handle("GET /api/admin/tasks", admin(s.handleAllTasks))

	return s.withRequestLog(mux)
}

type logKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withRequestLog tags each request with an id and logs it once done.
func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		log := s.Log.With(zap.String("request_id", id))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		began := time.Now()

		next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), logKey{}, log)))

		log.Debug("http request", zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.Int("status", rec.status), zap.Duration("took", time.Since(began)))
	})
}

func (s *Server) logger(r *http.Request) *zap.Logger {
	if l, ok := r.Context().Value(logKey{}).(*zap.Logger); ok {
		return l
	}
	return s.Log
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"uptime":       time.Since(s.started).Round(time.Second).String(),
		"session":      s.Sessions.Status(),
		"cacheEntries": s.Cache.Len(),
		"activeUsers":  len(s.Accounts.ActiveSessions()),
	})
}

func (s *Server) handleInit(w http.ResponseWriter, r *http.Request) {
	if err := s.Sessions.Reset(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Sessions.Status())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": s.Cache.Len(),
		"items":   s.Cache.Stats(),
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	n := s.Cache.InvalidateAll()
	s.logger(r).Info("cache cleared", zap.Int("entries", n))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleCacheClearRoute(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	origin, dest := q.Get("origin"), q.Get("destination")
	if origin == "" || dest == "" {
		s.fail(w, r, fmt.Errorf("%w: origin and destination required", internaltypes.ErrValidation))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": s.Cache.InvalidatePrefix(origin, dest)})
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	out, err := s.Fetch.Stations(r.Context(), r.URL.Query().Get("label"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(out)
}

func (s *Server) handleTrains(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	date, err := time.ParseInLocation(cache.DayLayout, q.Get("date"), s.Location)
	if err != nil {
		s.fail(w, r, fmt.Errorf("%w: date must be YYYY-MM-DD", internaltypes.ErrValidation))
		return
	}
	res, err := s.Fetch.Day(r.Context(), fetch.Query{
		Origin:      q.Get("origin"),
		Destination: q.Get("destination"),
		Date:        date,
		Force:       flag(q.Get("refresh")),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTrainsMonth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	year, yerr := strconv.Atoi(q.Get("year"))
	month, merr := strconv.Atoi(q.Get("month"))
	if yerr != nil || merr != nil {
		s.fail(w, r, fmt.Errorf("%w: year and month must be numbers", internaltypes.ErrValidation))
		return
	}
	res, err := s.Fetch.Month(r.Context(), fetch.MonthQuery{
		Origin:      q.Get("origin"),
		Destination: q.Get("destination"),
		Year:        year,
		Month:       month,
		Force:       flag(q.Get("refresh")),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserID string `json:"userId"`
	auth.LoginResult
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	// the user id is always ours: the caller's own cookie or a new one
	userID, ok := s.Cookies.User(r)
	if !ok {
		userID = uuid.NewString()
	}
	res, err := s.Accounts.Login(r.Context(), userID, travel.Credentials{Email: req.Email, Password: req.Password})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Cookies.SetUser(w, r, userID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{UserID: userID, LoginResult: res})
}

func (s *Server) handleTwoFactor(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromContext(r.Context())
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.Accounts.SubmitTwoFactorCode(r.Context(), uid, req.Code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{UserID: uid, LoginResult: res})
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.Cookies.User(r)
	if !ok {
		writeJSON(w, http.StatusOK, auth.UserStatus{State: auth.StateAnonymous})
		return
	}
	writeJSON(w, http.StatusOK, s.Accounts.Status(uid))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromContext(r.Context())
	if err := s.Accounts.Logout(r.Context(), uid); err != nil {
		s.fail(w, r, err)
		return
	}
	s.Cookies.Clear(w)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBookings(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromContext(r.Context())
	bs, err := s.Accounts.Bookings(uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": nonNil(bs)})
}

func (s *Server) handleBookingsRefresh(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromContext(r.Context())
	bs, err := s.Accounts.RefreshBookings(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"bookings": nonNil(bs)})
}

// bookingRequest names a booking either by the key of one in the user's
// snapshot or by its full fields.
type bookingRequest struct {
	Key string `json:"key"`
	travel.Booking
	CustomerName string `json:"customerName"`
}

func (s *Server) booking(r *http.Request, uid string) (bookingRequest, error) {
	var req bookingRequest
	if err := decodeJSON(r, &req); err != nil {
		return req, err
	}
	if req.Key == "" {
		return req, nil
	}
	bs, err := s.Accounts.Bookings(uid)
	if err != nil {
		return req, err
	}
	for _, b := range bs {
		if b.Key() == req.Key {
			req.Booking = b
			return req, nil
		}
	}
	return req, fmt.Errorf("booking %s: %w", req.Key, internaltypes.ErrNotFound)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromContext(r.Context())
	req, err := s.booking(r, uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Accounts.Confirm(r.Context(), uid, req.Booking); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"confirmed": true, "key": req.Booking.Key()})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromContext(r.Context())
	req, err := s.booking(r, uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.Accounts.Cancel(r.Context(), uid, req.Booking, req.CustomerName); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true, "key": req.Booking.Key()})
}

func (s *Server) handleAutoConfirmList(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromContext(r.Context())
	ts, err := s.Tasks.List(r.Context(), uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(ts)})
}

func (s *Server) handleAutoConfirmCreate(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromContext(r.Context())
	req, err := s.booking(r, uid)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.Tasks.Schedule(r.Context(), uid, req.Booking)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleAutoConfirmDelete(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromContext(r.Context())
	key := r.URL.Query().Get("key")
	if key == "" {
		s.fail(w, r, fmt.Errorf("%w: key required", internaltypes.ErrValidation))
		return
	}
	t, err := s.Tasks.Get(r.Context(), key)
	switch {
	case errors.Is(err, internaltypes.ErrNotFound):
		w.WriteHeader(http.StatusNoContent)
		return
	case err != nil:
		s.fail(w, r, err)
		return
	case t.UserID != uid:
		// other users' tasks are invisible
		s.fail(w, r, fmt.Errorf("task %s: %w", key, internaltypes.ErrNotFound))
		return
	}
	if err := s.Tasks.Cancel(r.Context(), key); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	rep, err := s.Tasks.Tick(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"anonymous": s.Sessions.Status(),
		"users":     s.Accounts.ActiveSessions(),
	})
}

func (s *Server) handleAllTasks(w http.ResponseWriter, r *http.Request) {
	ts, err := s.Tasks.ListAll(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": nonNil(ts)})
}

func flag(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

func nonNil[T any](xs []T) []T {
	if xs == nil {
		return []T{}
	}
	return xs
}

func Start(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
