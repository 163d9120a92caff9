package rodriver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/example/maxwatch/internal/remote"
	"github.com/example/maxwatch/internal/travel"
)

const (
	PathReadCustomer = "/api/public/customer/read-customer"

	loginPath = "/sncf-connect/mes-voyages"
	cardType  = "TGV_MAX_JEUNE"

	stepTimeout = 10 * time.Second
	settleDelay = 3 * time.Second
)

const (
	selEmail    = `input[name="email"], input[type="email"], input#email, input[autocomplete="email"]`
	selPassword = `input[name="password"], input[type="password"]`
	selSubmit   = `button[type="submit"]`
	selConsent  = `button.didomi-dismiss-button`
	selOTP      = `.MuiOtpInput-TextField input, input[inputmode="numeric"]`
	selOTPOne   = `input[inputmode="numeric"], input[type="text"][maxlength="6"]`

	otpDigits = 6
)

// openLoginJS clicks the site's "Me connecter" entry point when present.
const openLoginJS = `() => {
	for (const el of document.querySelectorAll('button, a')) {
		const t = (el.innerText || '').trim().toLowerCase();
		if (t.includes('me connecter')) { el.click(); return true; }
	}
	return false;
}`

// Flow logs users in through the site's login pages, reusing the Driver's
// page for the given handle.
type Flow struct {
	driver *Driver
	log    *zap.Logger
}

var _ remote.CredentialFlow = (*Flow)(nil)

func NewFlow(d *Driver, log *zap.Logger) *Flow {
	return &Flow{driver: d, log: log}
}

func (f *Flow) Login(ctx context.Context, h remote.Handle, creds travel.Credentials) (remote.LoginResult, error) {
	hh, err := f.driver.lookup(h)
	if err != nil {
		return remote.LoginResult{}, err
	}
	if err := f.driver.navigate(ctx, hh.page, f.driver.opts.BaseURL+loginPath); err != nil {
		return remote.LoginResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, f.driver.opts.Timeout)
	defer cancel()
	page := hh.page.Context(ctx)

	if ok, consent, _ := page.Has(selConsent); ok {
		_ = consent.Click(proto.InputMouseButtonLeft, 1)
	}
	if _, err := page.Eval(openLoginJS); err != nil {
		f.log.Debug("login entry point", zap.Error(err))
	}

	email, err := page.Timeout(stepTimeout).Element(selEmail)
	if err != nil {
		return remote.LoginResult{}, fmt.Errorf("email field: %w", err)
	}
	if err := email.Input(creds.Email); err != nil {
		return remote.LoginResult{}, fmt.Errorf("type email: %w", err)
	}
	if err := f.submit(page); err != nil {
		return remote.LoginResult{}, err
	}

	password, err := page.Timeout(stepTimeout).Element(selPassword)
	if err != nil {
		return remote.LoginResult{Outcome: remote.OutcomeFailed, Reason: "unknown account"}, nil
	}
	if err := password.Input(creds.Password); err != nil {
		return remote.LoginResult{}, fmt.Errorf("type password: %w", err)
	}
	if err := f.submit(page); err != nil {
		return remote.LoginResult{}, err
	}
	if err := settle(ctx, settleDelay); err != nil {
		return remote.LoginResult{}, err
	}

	otp, err := page.Elements(selOTP)
	if err != nil {
		return remote.LoginResult{}, fmt.Errorf("look for one-time code fields: %w", err)
	}
	if len(otp) >= otpDigits {
		return remote.LoginResult{Outcome: remote.OutcomeChallengeRequired}, nil
	}
	return f.verify(ctx, h)
}

func (f *Flow) SubmitChallenge(ctx context.Context, h remote.Handle, code string) (remote.LoginResult, error) {
	hh, err := f.driver.lookup(h)
	if err != nil {
		return remote.LoginResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.driver.opts.Timeout)
	defer cancel()
	page := hh.page.Context(ctx)

	if err := fillCode(page, code); err != nil {
		return remote.LoginResult{}, err
	}
	if err := f.submit(page); err != nil {
		return remote.LoginResult{}, err
	}
	if err := settle(ctx, settleDelay); err != nil {
		return remote.LoginResult{}, err
	}
	return f.verify(ctx, h)
}

// settle gives the page time to react to a submit.
func settle(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// fillCode types the code one digit per field, or into a single field when
// the page shows only one.
func fillCode(page *rod.Page, code string) error {
	fields, err := page.Elements(selOTP)
	if err != nil {
		return fmt.Errorf("one-time code fields: %w", err)
	}
	if len(fields) >= len(code) && len(fields) >= otpDigits {
		for i, r := range code {
			if err := fields[i].Input(string(r)); err != nil {
				return fmt.Errorf("type code digit %d: %w", i+1, err)
			}
		}
		return nil
	}
	single, err := page.Timeout(stepTimeout).Element(selOTPOne)
	if err != nil {
		return fmt.Errorf("one-time code field: %w", err)
	}
	return single.Input(code)
}

func (f *Flow) submit(page *rod.Page) error {
	btn, err := page.Timeout(stepTimeout).Element(selSubmit)
	if err != nil {
		return fmt.Errorf("submit button: %w", err)
	}
	if err := btn.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("click submit: %w", err)
	}
	return nil
}

// verify reads the customer record. Only a readable record counts as a
// successful login.
func (f *Flow) verify(ctx context.Context, h remote.Handle) (remote.LoginResult, error) {
	resp, err := f.driver.Request(ctx, h, remote.Request{
		Method: http.MethodPost,
		Path:   PathReadCustomer,
		Body:   readCustomerRequest{ProductTypes: []string{cardType, "FIDEL", "IDTGV_MAX"}},
	})
	if errors.Is(err, remote.ErrBlocked) {
		return remote.LoginResult{Outcome: remote.OutcomeFailed, Reason: "blocked during verification"}, nil
	}
	if err != nil {
		return remote.LoginResult{}, err
	}
	if !resp.OK() {
		return remote.LoginResult{Outcome: remote.OutcomeFailed, Reason: fmt.Sprintf("verification returned %d", resp.Status)}, nil
	}
	p, err := parseCustomer(resp.Body)
	if err != nil {
		return remote.LoginResult{}, err
	}
	return remote.LoginResult{Outcome: remote.OutcomeAuthenticated, Profile: p}, nil
}

type readCustomerRequest struct {
	ProductTypes []string `json:"productTypes"`
}

type customer struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Cards     []struct {
		ProductType string `json:"productType"`
		CardNumber  string `json:"cardNumber"`
	} `json:"cards"`
}

func parseCustomer(body []byte) (travel.Profile, error) {
	var c customer
	if err := json.Unmarshal(body, &c); err != nil {
		return travel.Profile{}, fmt.Errorf("decode customer: %w", err)
	}
	p := travel.Profile{
		FirstName: strings.TrimSpace(c.FirstName),
		LastName:  strings.TrimSpace(c.LastName),
		Email:     c.Email,
	}
	for _, card := range c.Cards {
		if card.ProductType == cardType {
			p.CardNumber = card.CardNumber
			break
		}
	}
	return p, nil
}
