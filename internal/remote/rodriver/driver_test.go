package rodriver

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/maxwatch/internal/remote"
)

type otherHandle string

func (h otherHandle) ID() string { return string(h) }

func TestBlocked(t *testing.T) {
	assert.True(t, blocked(`<html><script src="https://ct.captcha-delivery.com/c.js"></script></html>`))
	assert.True(t, blocked(`<title>DataDome</title>`))
	assert.False(t, blocked(`{"proposals":[]}`))
}

func TestIsBlock(t *testing.T) {
	anon := New(Options{ForbiddenIsBlock: true}, zap.NewNop())
	user := New(Options{}, zap.NewNop())

	forbidden := remote.Response{Status: 403, Body: []byte(`{"message":"forbidden"}`)}
	assert.True(t, anon.isBlock(forbidden))
	assert.False(t, user.isBlock(forbidden), "a user session sees 403 as a rejected login")

	challenge := remote.Response{Status: 405, Body: []byte(`{"url":"https://geo.captcha-delivery.com/captcha/"}`)}
	assert.True(t, user.isBlock(challenge))

	assert.False(t, anon.isBlock(remote.Response{Status: 200, Body: []byte(`captcha in a station name`)}))
	assert.False(t, anon.isBlock(remote.Response{Status: 500}))
}

func TestBuildURL(t *testing.T) {
	assert.Equal(t, "https://x.test/api/a", buildURL("https://x.test", "/api/a", nil))
	got := buildURL("https://x.test", "/api/a", url.Values{"label": {"Paris Gare"}})
	assert.Equal(t, "https://x.test/api/a?label=Paris+Gare", got)
}

func TestNew_Defaults(t *testing.T) {
	d := New(Options{BaseURL: "https://x.test/"}, zap.NewNop())
	assert.Equal(t, "https://x.test", d.opts.BaseURL)
	assert.Equal(t, DefaultTimeout, d.opts.Timeout)

	assert.Equal(t, DefaultBaseURL, New(Options{}, zap.NewNop()).opts.BaseURL)
}

func TestEncodeBody(t *testing.T) {
	s, err := encodeBody(nil)
	require.NoError(t, err)
	assert.Empty(t, s)

	s, err = encodeBody(readCustomerRequest{ProductTypes: []string{"A"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"productTypes":["A"]}`, s)

	s, err = encodeBody([]byte(`{"x":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"x":1}`, s)

	_, err = encodeBody(make(chan int))
	assert.Error(t, err)
}

func TestDecodeFetch(t *testing.T) {
	resp, err := decodeFetch(`{"status":201,"body":"{\"ok\":true}"}`)
	require.NoError(t, err)
	assert.Equal(t, 201, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))

	_, err = decodeFetch(`undefined`)
	assert.Error(t, err)
}

func TestUnknownHandle(t *testing.T) {
	d := New(Options{}, zap.NewNop())

	_, err := d.Request(context.Background(), otherHandle("nope"), remote.Request{Path: "/x"})
	assert.Error(t, err)
	assert.NoError(t, d.Close(otherHandle("nope")))
	assert.NoError(t, d.Close(nil))

	_, err = NewFlow(d, zap.NewNop()).SubmitChallenge(context.Background(), otherHandle("nope"), "123456")
	assert.Error(t, err)
}

func TestParseCustomer(t *testing.T) {
	body := []byte(`{
		"firstName": " Jeanne ",
		"lastName": "Martin",
		"email": "jeanne@example.org",
		"cards": [
			{"productType": "FIDEL", "cardNumber": "F-1"},
			{"productType": "TGV_MAX_JEUNE", "cardNumber": "HC-42"}
		]
	}`)
	p, err := parseCustomer(body)
	require.NoError(t, err)
	assert.Equal(t, "HC-42", p.CardNumber)
	assert.Equal(t, "Jeanne Martin", p.FullName())
	assert.Equal(t, "jeanne@example.org", p.Email)

	p, err = parseCustomer([]byte(`{"firstName":"A","cards":[]}`))
	require.NoError(t, err)
	assert.Empty(t, p.CardNumber)

	_, err = parseCustomer([]byte(`<html>`))
	assert.Error(t, err)
}

func TestSettle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.ErrorIs(t, settle(ctx, time.Hour), context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, settle(context.Background(), time.Millisecond))
}
