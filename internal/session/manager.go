// Package session owns the anonymous scraping session. It initializes the
// session at most once under concurrent demand and recovers from idle expiry
// and anti-bot blocking.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/maxwatch/internal/internaltypes"
	"github.com/example/maxwatch/internal/remote"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateExpired       State = "expired"
)

const (
	DefaultTimeout         = 15 * time.Minute
	DefaultMaxBlockRetries = 2
)

type Options struct {
	// Timeout is the idle age after which a Ready session is reinitialized.
	Timeout time.Duration
	// MaxBlockRetries bounds reinit-and-retry cycles per Perform call.
	MaxBlockRetries int
	// Proxies are outbound identities used in order. Empty means direct.
	Proxies []string
	// RotateAfterBlocks switches to the next proxy once this many consecutive
	// blocks were seen. Zero disables rotation.
	RotateAfterBlocks int
	Now               func() time.Time
}

// Status is a point-in-time snapshot for health reporting.
type Status struct {
	State                 State     `json:"state"`
	LastActivityAt        time.Time `json:"lastActivityAt"`
	ConsecutiveBlockCount int       `json:"consecutiveBlockCount"`
	Identity              string    `json:"identity,omitempty"`
	Initializations       int       `json:"initializations"`
}

type Manager struct {
	driver remote.Driver
	opts   Options
	log    *zap.Logger
	group  singleflight.Group

	mu             sync.Mutex
	state          State
	handle         remote.Handle
	lastActivityAt time.Time
	blockCount     int
	blockExpired   bool
	proxyIdx       int
	inits          int
}

func NewManager(driver remote.Driver, opts Options, log *zap.Logger) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxBlockRetries < 0 {
		opts.MaxBlockRetries = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{driver: driver, opts: opts, log: log, state: StateUninitialized}
}

// Ensure returns a usable session handle, initializing one if needed. All
// callers that arrive while an initialization is in flight share its result.
func (m *Manager) Ensure(ctx context.Context) (remote.Handle, error) {
	if h, ok := m.fresh(); ok {
		return h, nil
	}
	ch := m.group.DoChan("init", func() (any, error) {
		// detach from the first caller so its cancellation does not fail everyone
		return m.initialize(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(remote.Handle), nil
	}
}

// fresh reports the current handle when the session is Ready and not idle
// for too long. An idle Ready session is moved to Expired.
func (m *Manager) fresh() (remote.Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateReady {
		return nil, false
	}
	if m.opts.Now().Sub(m.lastActivityAt) < m.opts.Timeout {
		return m.handle, true
	}
	m.log.Info("session idle timeout, reinitializing", zap.Time("last_activity", m.lastActivityAt))
	m.state = StateExpired
	return nil, false
}

func (m *Manager) initialize(ctx context.Context) (remote.Handle, error) {
	// a flight that completed just before this one started already did the work
	if h, ok := m.fresh(); ok {
		return h, nil
	}

	m.mu.Lock()
	old := m.handle
	m.handle = nil
	m.state = StateInitializing
	byBlock := m.blockExpired
	m.blockExpired = false
	if byBlock && m.opts.RotateAfterBlocks > 0 && len(m.opts.Proxies) > 1 && m.blockCount >= m.opts.RotateAfterBlocks {
		m.proxyIdx = (m.proxyIdx + 1) % len(m.opts.Proxies)
		m.log.Info("rotating outbound identity", zap.Int("blocks", m.blockCount), zap.Int("proxy_index", m.proxyIdx))
	}
	opts := remote.OpenOptions{Proxy: m.proxyLocked()}
	m.inits++
	m.mu.Unlock()

	if old != nil {
		if err := m.driver.Close(old); err != nil {
			m.log.Warn("closing previous session", zap.Error(err))
		}
	}

	m.log.Info("initializing session", zap.Bool("after_block", byBlock), zap.Bool("proxied", opts.Proxy != ""))
	h, err := m.driver.Open(ctx, opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.state = StateUninitialized
		m.log.Error("session init failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", internaltypes.ErrSessionInit, err)
	}
	m.state = StateReady
	m.handle = h
	m.lastActivityAt = m.opts.Now()
	if !byBlock {
		m.blockCount = 0
	}
	m.log.Info("session ready", zap.String("handle", h.ID()))
	return h, nil
}

func (m *Manager) proxyLocked() string {
	if len(m.opts.Proxies) == 0 {
		return ""
	}
	return m.opts.Proxies[m.proxyIdx]
}

// Perform executes req inside the anonymous session. A block signal expires
// the session, reinitializes it and retries the same request, up to
// MaxBlockRetries times; after that it fails with ErrBlocked.
func (m *Manager) Perform(ctx context.Context, req remote.Request) (remote.Response, error) {
	for retries := 0; ; retries++ {
		h, err := m.Ensure(ctx)
		if err != nil {
			return remote.Response{}, err
		}

		resp, err := m.driver.Request(ctx, h, req)
		if err == nil {
			m.mu.Lock()
			m.blockCount = 0
			m.lastActivityAt = m.opts.Now()
			m.mu.Unlock()
			return resp, nil
		}
		if !errors.Is(err, remote.ErrBlocked) {
			return remote.Response{}, err
		}

		m.mu.Lock()
		m.blockCount++
		blocks := m.blockCount
		if retries < m.opts.MaxBlockRetries {
			// another caller may have reinitialized already
			if m.handle == h {
				m.state = StateExpired
				m.blockExpired = true
			}
		}
		m.mu.Unlock()

		if retries >= m.opts.MaxBlockRetries {
			m.log.Warn("request blocked, giving up", zap.String("path", req.Path), zap.Int("blocks", blocks))
			return remote.Response{}, fmt.Errorf("%w: %s after %d attempts", internaltypes.ErrBlocked, req.Path, retries+1)
		}
		m.log.Warn("request blocked, reinitializing session", zap.String("path", req.Path), zap.Int("blocks", blocks))
	}
}

// Reset drops the current session and initializes a new one.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateReady {
		m.state = StateExpired
	}
	m.mu.Unlock()
	_, err := m.Ensure(ctx)
	return err
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:                 m.state,
		LastActivityAt:        m.lastActivityAt,
		ConsecutiveBlockCount: m.blockCount,
		Identity:              m.proxyLocked(),
		Initializations:       m.inits,
	}
}

// Close releases the held session.
func (m *Manager) Close() error {
	m.mu.Lock()
	h := m.handle
	m.handle = nil
	m.state = StateUninitialized
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	return m.driver.Close(h)
}
