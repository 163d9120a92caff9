// Package remote defines the two collaborators the engine drives against the
// travel site: a session driver that holds a scraping-capable browser session
// and a credential flow that performs the interactive login.
package remote

import (
	"context"
	"errors"
	"net/url"

	"github.com/example/maxwatch/internal/travel"
)

// ErrBlocked is the block signal: the remote site refused service because it
// detected automated traffic. Open and Request report it.
var ErrBlocked = errors.New("remote: block signal")

// Handle is an opaque, exclusively owned driver session.
type Handle interface {
	ID() string
}

// OpenOptions tune how a session is opened. Proxy is the outbound network
// identity; empty means direct.
type OpenOptions struct {
	Proxy string
}

// Request describes one call executed inside a session (with its cookies).
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

type Response struct {
	Status int
	Body   []byte
}

// OK reports a 2xx status.
func (r Response) OK() bool { return r.Status >= 200 && r.Status < 300 }

// Rejected reports the 401/403 pair the site uses for expired authentication.
func (r Response) Rejected() bool { return r.Status == 401 || r.Status == 403 }

type Driver interface {
	Open(ctx context.Context, opts OpenOptions) (Handle, error)
	Request(ctx context.Context, h Handle, req Request) (Response, error)
	Close(h Handle) error
}

type Outcome string

const (
	OutcomeAuthenticated     Outcome = "authenticated"
	OutcomeChallengeRequired Outcome = "challenge_required"
	OutcomeFailed            Outcome = "failed"
)

type LoginResult struct {
	Outcome Outcome
	Profile travel.Profile
	Reason  string
}

// CredentialFlow performs the multi-step login on a handle opened by a Driver.
// SubmitChallenge never returns OutcomeChallengeRequired.
type CredentialFlow interface {
	Login(ctx context.Context, h Handle, creds travel.Credentials) (LoginResult, error)
	SubmitChallenge(ctx context.Context, h Handle, code string) (LoginResult, error)
}
