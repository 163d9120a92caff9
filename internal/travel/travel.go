// Package travel holds the booking-side domain types shared by the auth store,
// the scheduler and the task repositories.
package travel

import (
	"fmt"
	"strings"
	"time"
)

// Credentials are forwarded to the remote login UI and never stored.
type Credentials struct {
	Email    string
	Password string
}

func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Email) == "" {
		return fmt.Errorf("email required")
	}
	if c.Password == "" {
		return fmt.Errorf("password required")
	}
	return nil
}

// MaskedEmail keeps the first three characters, enough to tell accounts apart in logs.
func (c Credentials) MaskedEmail() string {
	e := strings.TrimSpace(c.Email)
	if len(e) <= 3 {
		return "***"
	}
	return e[:3] + "***@***"
}

type Profile struct {
	CardNumber string `json:"cardNumber"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Email      string `json:"email"`
}

func (p Profile) FullName() string {
	return strings.TrimSpace(p.FirstName + " " + p.LastName)
}

// Booking describes one reserved journey as returned by the travel consultation endpoint.
type Booking struct {
	OrderID             string    `json:"orderId"`
	TrainNumber         string    `json:"trainNumber"`
	DepartureDateTime   time.Time `json:"departureDateTime"`
	ArrivalDateTime     time.Time `json:"arrivalDateTime,omitempty"`
	Origin              string    `json:"origin,omitempty"`
	Destination         string    `json:"destination,omitempty"`
	DVNumber            string    `json:"dvNumber,omitempty"`
	MarketingCarrierRef string    `json:"marketingCarrierRef,omitempty"`
	TravelStatus        string    `json:"travelStatus,omitempty"`
}

// Key is the natural dedup key of a booking: order, train and departure.
func (b Booking) Key() string {
	return fmt.Sprintf("%s_%s_%s", b.OrderID, b.TrainNumber, b.DepartureDateTime.UTC().Format(time.RFC3339))
}

// CarrierRef prefers the DV number, falling back to the marketing carrier reference.
func (b Booking) CarrierRef() string {
	if b.DVNumber != "" {
		return b.DVNumber
	}
	return b.MarketingCarrierRef
}

func (b Booking) Validate() error {
	if strings.TrimSpace(b.OrderID) == "" {
		return fmt.Errorf("orderId required")
	}
	if strings.TrimSpace(b.TrainNumber) == "" {
		return fmt.Errorf("trainNumber required")
	}
	if b.DepartureDateTime.IsZero() {
		return fmt.Errorf("departureDateTime required")
	}
	return nil
}
