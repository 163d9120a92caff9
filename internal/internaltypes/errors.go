package internaltypes

import "errors"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNotFound     = errors.New("not found")

	// ErrValidation marks missing or malformed caller input. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrSessionInit means the remote driver could not establish a session.
	// It is retried only by the next Ensure call.
	ErrSessionInit = errors.New("session init failed")

	// ErrBlocked means anti-bot detection persisted past the retry bound.
	ErrBlocked = errors.New("blocked by remote site")

	// ErrAuth covers bad credentials and logins that could not be verified.
	ErrAuth = errors.New("authentication failed")

	// ErrNeedsReauth is returned when the remote site rejects an authenticated
	// request. Callers should drive a new login.
	ErrNeedsReauth = errors.New("re-authentication required")

	ErrNotAuthenticated = errors.New("not authenticated")
)
