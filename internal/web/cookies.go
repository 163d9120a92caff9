package web

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/maxwatch/internal/internaltypes"
)

const (
	cookieName = "maxwatch_session"
	cookieTTL  = 14 * 24 * time.Hour

	adminUser = "admin"
)

// Cookies signs and encrypts the cookie that binds a browser to a user id.
type Cookies struct {
	sc *securecookie.SecureCookie
}

type cookieSession struct {
	UserID string
	V      int
}

type ctxKey string

const userIDKey ctxKey = "userID"

func NewCookies(hashKey, blockKey []byte) *Cookies {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(int(cookieTTL.Seconds()))
	return &Cookies{sc: sc}
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func CheckPassword(hash, pw string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
	return err == nil
}

func (c *Cookies) SetUser(w http.ResponseWriter, r *http.Request, userID string) error {
	encoded, err := c.sc.Encode(cookieName, cookieSession{UserID: userID, V: 1})
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
		MaxAge:   int(cookieTTL.Seconds()),
	})
	return nil
}

func (c *Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
}

func (c *Cookies) User(r *http.Request) (string, bool) {
	ck, err := r.Cookie(cookieName)
	if err != nil {
		return "", false
	}
	var s cookieSession
	if err := c.sc.Decode(cookieName, ck.Value, &s); err != nil {
		return "", false
	}
	if s.UserID == "" {
		return "", false
	}
	return s.UserID, true
}

// RequireUser rejects requests without a valid user cookie.
func (c *Cookies) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uid, ok := c.User(r)
		if !ok {
			writeError(w, fmt.Errorf("%w: login required", internaltypes.ErrNotAuthenticated))
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, uid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func UserIDFromContext(ctx context.Context) (string, bool) {
	uid, ok := ctx.Value(userIDKey).(string)
	return uid, ok
}

// requireAdmin guards operator routes with basic auth against a bcrypt hash.
// With no hash configured the routes are disabled.
func requireAdmin(hash string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hash == "" {
			writeJSON(w, http.StatusForbidden, errorBody{Error: "admin access disabled", Code: "forbidden"})
			return
		}
		user, pw, ok := r.BasicAuth()
		if !ok || !secureEq(user, adminUser) || !CheckPassword(hash, pw) {
			w.Header().Set("WWW-Authenticate", `Basic realm="maxwatch"`)
			writeError(w, fmt.Errorf("%w: admin credentials required", internaltypes.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func secureEq(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
