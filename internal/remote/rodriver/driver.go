// Package rodriver drives the travel site through a headless Chromium
// controlled with go-rod. Requests run as fetch calls inside the page, so
// they carry the browser's cookies and pass the site's bot checks.
package rodriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/maxwatch/internal/remote"
)

const (
	DefaultBaseURL = "https://www.maxjeune-tgvinoui.sncf"
	DefaultTimeout = 60 * time.Second

	// landingPath is loaded on open to collect the site's cookies.
	landingPath = "/recherche"
)

// blockMarkers appear in pages served instead of content when the anti-bot
// layer intervenes.
var blockMarkers = []string{"captcha", "datadome"}

// clientHeaders identify the official web client.
var clientHeaders = map[string]string{
	"Accept":                 "application/json",
	"Accept-Language":        "fr-FR,fr;q=0.9",
	"Content-Type":           "application/json",
	"x-client-app":           "MAX_JEUNE",
	"x-client-app-version":   "2.45.1",
	"x-distribution-channel": "OUI",
}

type Options struct {
	BaseURL string
	// Bin is the browser executable; empty lets rod download or find one.
	Bin      string
	Headless bool
	// Timeout bounds page loads and single requests.
	Timeout time.Duration
	// ForbiddenIsBlock reports 403 responses as remote.ErrBlocked. Anonymous
	// sessions want this; authenticated ones treat 403 as a rejected login.
	ForbiddenIsBlock bool
}

type Driver struct {
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	handles map[string]*handle
}

var _ remote.Driver = (*Driver)(nil)

func New(opts Options, log *zap.Logger) *Driver {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Driver{opts: opts, log: log, handles: make(map[string]*handle)}
}

type handle struct {
	id       string
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	proxy    string
	opened   time.Time
}

func (h *handle) ID() string { return h.id }

// Open launches a browser, loads the landing page and checks it was not
// served a challenge page.
func (d *Driver) Open(ctx context.Context, opts remote.OpenOptions) (remote.Handle, error) {
	l := launcher.New().Headless(d.opts.Headless).Set("disable-blink-features", "AutomationControlled")
	if d.opts.Bin != "" {
		l = l.Bin(d.opts.Bin)
	}
	if opts.Proxy != "" {
		l = l.Proxy(opts.Proxy)
	}
	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	h := &handle{id: uuid.NewString(), launcher: l, proxy: opts.Proxy, opened: time.Now()}
	h.browser = rod.New().ControlURL(controlURL)
	if err := h.browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	if h.page, err = h.browser.Page(proto.TargetCreateTarget{}); err != nil {
		d.shutdown(h)
		return nil, fmt.Errorf("open page: %w", err)
	}

	if err := d.navigate(ctx, h.page, d.opts.BaseURL+landingPath); err != nil {
		d.shutdown(h)
		return nil, err
	}
	html, err := h.page.HTML()
	if err != nil {
		d.shutdown(h)
		return nil, fmt.Errorf("read landing page: %w", err)
	}
	if blocked(html) {
		d.shutdown(h)
		return nil, fmt.Errorf("%w: challenge page on open", remote.ErrBlocked)
	}

	d.mu.Lock()
	d.handles[h.id] = h
	d.mu.Unlock()
	d.log.Debug("browser session opened", zap.String("handle", h.id), zap.Bool("proxied", opts.Proxy != ""))
	return h, nil
}

// navigate loads target and waits for the network to go idle.
func (d *Driver) navigate(ctx context.Context, page *rod.Page, target string) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	p := page.Context(ctx)
	wait := p.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)
	if err := p.Navigate(target); err != nil {
		return fmt.Errorf("navigate %s: %w", target, err)
	}
	wait()
	return ctx.Err()
}

func (d *Driver) lookup(h remote.Handle) (*handle, error) {
	if h == nil {
		return nil, errors.New("nil handle")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	hh, ok := d.handles[h.ID()]
	if !ok {
		return nil, fmt.Errorf("unknown or closed handle %s", h.ID())
	}
	return hh, nil
}

// fetchJS runs fetch in the page and hands back status and body as a JSON
// string, so the result crosses the protocol boundary as one value.
const fetchJS = `async (url, method, headers, body) => {
	const init = { method, headers, credentials: 'include' };
	if (body !== '') { init.body = body; }
	const r = await fetch(url, init);
	return JSON.stringify({ status: r.status, body: await r.text() });
}`

type fetchResult struct {
	Status int    `json:"status"`
	Body   string `json:"body"`
}

func (d *Driver) Request(ctx context.Context, h remote.Handle, req remote.Request) (remote.Response, error) {
	hh, err := d.lookup(h)
	if err != nil {
		return remote.Response{}, err
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	body, err := encodeBody(req.Body)
	if err != nil {
		return remote.Response{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()
	obj, err := hh.page.Context(ctx).Eval(fetchJS, buildURL(d.opts.BaseURL, req.Path, req.Query), method, clientHeaders, body)
	if err != nil {
		return remote.Response{}, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	resp, err := decodeFetch(obj.Value.Str())
	if err != nil {
		return remote.Response{}, fmt.Errorf("%s %s: %w", method, req.Path, err)
	}
	if d.isBlock(resp) {
		d.log.Debug("block signal", zap.String("handle", hh.id), zap.String("path", req.Path), zap.Int("status", resp.Status))
		return remote.Response{}, fmt.Errorf("%w: %s returned %d", remote.ErrBlocked, req.Path, resp.Status)
	}
	return resp, nil
}

// isBlock classifies a response as the anti-bot layer refusing service.
func (d *Driver) isBlock(resp remote.Response) bool {
	if resp.OK() {
		return false
	}
	if resp.Status == http.StatusForbidden && d.opts.ForbiddenIsBlock {
		return true
	}
	return blocked(string(resp.Body))
}

func (d *Driver) Close(h remote.Handle) error {
	if h == nil {
		return nil
	}
	d.mu.Lock()
	hh, ok := d.handles[h.ID()]
	delete(d.handles, h.ID())
	d.mu.Unlock()
	if !ok {
		return nil
	}
	return d.shutdown(hh)
}

func (d *Driver) shutdown(h *handle) error {
	var err error
	if h.browser != nil {
		err = h.browser.Close()
	}
	h.launcher.Kill()
	if err != nil {
		return fmt.Errorf("close browser %s: %w", h.id, err)
	}
	d.log.Debug("browser session closed", zap.String("handle", h.id), zap.Duration("age", time.Since(h.opened)))
	return nil
}

func blocked(content string) bool {
	lc := strings.ToLower(content)
	for _, m := range blockMarkers {
		if strings.Contains(lc, m) {
			return true
		}
	}
	return false
}

func buildURL(base, path string, q url.Values) string {
	u := base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func encodeBody(v any) (string, error) {
	switch b := v.(type) {
	case nil:
		return "", nil
	case []byte:
		return string(b), nil
	case string:
		return b, nil
	case json.RawMessage:
		return string(b), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode request body: %w", err)
	}
	return string(raw), nil
}

func decodeFetch(s string) (remote.Response, error) {
	var r fetchResult
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return remote.Response{}, fmt.Errorf("decode page fetch result: %w", err)
	}
	return remote.Response{Status: r.Status, Body: []byte(r.Body)}, nil
}
