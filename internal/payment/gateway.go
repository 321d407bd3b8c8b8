// Package payment hands a reserved appointment off to the payment provider
// and returns the session handle the patient uses to pay.
package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrGatewayRejected = errors.New("payment gateway rejected the request")

// Request describes the amount to capture for one appointment.
type Request struct {
	AppointmentID   uuid.UUID `json:"appointment_id"`
	ReferenceNumber string    `json:"reference_number"`
	Amount          int64     `json:"amount"`
	PatientContact  string    `json:"patient_contact"`
}

// Session is the client-usable handle returned by the gateway.
type Session struct {
	SessionID   string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

type Gateway interface {
	CreateSession(ctx context.Context, req Request) (*Session, error)
}
