package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/maxwatch/internal/internaltypes"
	"github.com/example/maxwatch/internal/remote"
	"github.com/example/maxwatch/internal/travel"
)

const (
	PathTravelConsultation = "/api/public/reservation/travel-consultation"
	PathTravelConfirm      = "/api/public/reservation/travel-confirm"
	PathCancelReservation  = "/api/public/reservation/cancel-reservation"
)

// remoteDateTime is how the site writes departure times in request bodies.
const remoteDateTime = "2006-01-02T15:04:05"

// do runs req on the user's handle. A rejection or block signal on an
// authenticated handle means the site no longer honors the login: the record
// goes stale and the caller gets ErrNeedsReauth.
func (s *Store) do(ctx context.Context, rec *record, req remote.Request) (remote.Response, error) {
	if req.Method == "" {
		req.Method = http.MethodPost
	}
	resp, err := s.driver.Request(ctx, rec.handle, req)
	if err != nil && !errors.Is(err, remote.ErrBlocked) {
		return remote.Response{}, fmt.Errorf("%s: %w", req.Path, err)
	}
	if err != nil || resp.Rejected() {
		rec.set(func(r *record) { r.state = StateStale })
		s.log.Warn("authenticated request rejected, session stale",
			zap.String("user_id", rec.userID), zap.String("path", req.Path), zap.Int("status", resp.Status), zap.Error(err))
		return remote.Response{}, fmt.Errorf("%w: %s", internaltypes.ErrNeedsReauth, req.Path)
	}
	s.touch(rec)
	return resp, nil
}

type consultationRequest struct {
	CardNumber string `json:"cardNumber"`
	StartDate  string `json:"startDate"`
}

// wireBooking is a booking as the consultation endpoint returns it.
type wireBooking struct {
	OrderID             string `json:"orderId"`
	TrainNumber         string `json:"trainNumber"`
	DepartureDateTime   string `json:"departureDateTime"`
	ArrivalDateTime     string `json:"arrivalDateTime"`
	Origin              any    `json:"origin"`
	Destination         any    `json:"destination"`
	DVNumber            string `json:"dvNumber"`
	MarketingCarrierRef string `json:"marketingCarrierRef"`
	TravelStatus        string `json:"travelStatus"`
}

func (s *Store) fetchBookingsLocked(ctx context.Context, rec *record, p travel.Profile) ([]travel.Booking, error) {
	if p.CardNumber == "" {
		return nil, nil
	}
	start := s.opts.Now().Add(-s.opts.BookingsLookback)
	resp, err := s.do(ctx, rec, remote.Request{
		Path: PathTravelConsultation,
		Body: consultationRequest{CardNumber: p.CardNumber, StartDate: start.UTC().Format(time.RFC3339)},
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("bookings: remote status %d", resp.Status)
	}
	var raw []wireBooking
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("bookings: decode: %w", err)
	}
	out := make([]travel.Booking, 0, len(raw))
	for _, w := range raw {
		b, err := w.booking(s.opts.Location)
		if err != nil {
			s.log.Warn("skipping booking", zap.String("order_id", w.OrderID), zap.Error(err))
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (w wireBooking) booking(loc *time.Location) (travel.Booking, error) {
	dep, err := parseRemoteTime(w.DepartureDateTime, loc)
	if err != nil {
		return travel.Booking{}, fmt.Errorf("departure: %w", err)
	}
	b := travel.Booking{
		OrderID:             w.OrderID,
		TrainNumber:         w.TrainNumber,
		DepartureDateTime:   dep,
		Origin:              stationLabel(w.Origin),
		Destination:         stationLabel(w.Destination),
		DVNumber:            w.DVNumber,
		MarketingCarrierRef: w.MarketingCarrierRef,
		TravelStatus:        w.TravelStatus,
	}
	if w.ArrivalDateTime != "" {
		if arr, err := parseRemoteTime(w.ArrivalDateTime, loc); err == nil {
			b.ArrivalDateTime = arr
		}
	}
	return b, nil
}

// stationLabel accepts either a plain string or an object with a label or
// name field.
func stationLabel(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case map[string]any:
		for _, k := range []string{"label", "name", "stationName", "code"} {
			if s, ok := x[k].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func parseRemoteTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	for _, layout := range []string{remoteDateTime, "2006-01-02T15:04", "2006-01-02 15:04:05"} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

type confirmRequest struct {
	MarketingCarrierRef string `json:"marketingCarrierRef"`
	TrainNumber         string `json:"trainNumber"`
	DepartureDateTime   string `json:"departureDateTime"`
}

func (s *Store) confirmLocked(ctx context.Context, rec *record, b travel.Booking) error {
	resp, err := s.do(ctx, rec, remote.Request{
		Path: PathTravelConfirm,
		Body: confirmRequest{
			MarketingCarrierRef: b.CarrierRef(),
			TrainNumber:         b.TrainNumber,
			DepartureDateTime:   b.DepartureDateTime.In(s.opts.Location).Format(remoteDateTime),
		},
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("confirm train %s: remote status %d: %s", b.TrainNumber, resp.Status, snippet(resp.Body))
	}
	return nil
}

type travelInfo struct {
	MarketingCarrierRef string `json:"marketingCarrierRef"`
	OrderID             string `json:"orderId"`
	CustomerName        string `json:"customerName"`
	TrainNumber         string `json:"trainNumber"`
	DepartureDateTime   string `json:"departureDateTime"`
}

type cancelRequest struct {
	TravelsInfo []travelInfo `json:"travelsInfo"`
}

type cancelResponse struct {
	Info []struct {
		Cancelled bool `json:"cancelled"`
	} `json:"info"`
}

func (s *Store) cancelLocked(ctx context.Context, rec *record, b travel.Booking, customerName string) error {
	resp, err := s.do(ctx, rec, remote.Request{
		Path: PathCancelReservation,
		Body: cancelRequest{TravelsInfo: []travelInfo{{
			MarketingCarrierRef: b.CarrierRef(),
			OrderID:             b.OrderID,
			CustomerName:        customerName,
			TrainNumber:         b.TrainNumber,
			DepartureDateTime:   b.DepartureDateTime.In(s.opts.Location).Format(remoteDateTime),
		}}},
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("cancel train %s: remote status %d", b.TrainNumber, resp.Status)
	}
	var out cancelResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return fmt.Errorf("cancel train %s: decode: %w", b.TrainNumber, err)
	}
	if len(out.Info) == 0 || !out.Info[0].Cancelled {
		return fmt.Errorf("cancel train %s: cancellation refused", b.TrainNumber)
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "empty body"
	}
	return s
}
