package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/channeling-scheduler/internal/appointment"
	"github.com/hackgods/channeling-scheduler/internal/reconcile"
	"github.com/hackgods/channeling-scheduler/internal/schedule"
)

type CreateAppointmentRequest struct {
	PatientID      string `json:"patient_id" validate:"required,uuid"`
	PatientContact string `json:"patient_contact" validate:"required,max=128"`
	Date           string `json:"date" validate:"required,datetime=2006-01-02"`
	SessionNumber  int    `json:"session_number" validate:"required,min=1,max=3"`
	Amount         int64  `json:"amount" validate:"required,gt=0"`
}

type ConfirmPaymentRequest struct {
	PaymentID  string `json:"payment_id" validate:"required,max=128"`
	AmountPaid int64  `json:"amount_paid" validate:"gte=0"`
}

type RescheduleRequest struct {
	Date          string `json:"date" validate:"required,datetime=2006-01-02"`
	SessionNumber int    `json:"session_number" validate:"required,min=1,max=3"`
}

type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=waiting attending completed cancelled no-show"`
}

type SessionTemplateRequest struct {
	Number      int    `json:"number" validate:"required,min=1,max=3"`
	Start       string `json:"start" validate:"required"`
	End         string `json:"end" validate:"required"`
	SlotMinutes int    `json:"slot_minutes" validate:"required,min=1,max=240"`
}

type ConfigureDayRequest struct {
	DoctorName string                   `json:"doctor_name" validate:"max=128"`
	Sessions   []SessionTemplateRequest `json:"sessions" validate:"required,min=1,max=3,dive"`
}

type SlotToggleRequest struct {
	Active *bool `json:"active" validate:"required"`
}

type AppointmentResponse struct {
	ID                uuid.UUID  `json:"id"`
	ReferenceNumber   string     `json:"reference_number"`
	PatientID         uuid.UUID  `json:"patient_id"`
	PatientContact    string     `json:"patient_contact"`
	Date              string     `json:"date"`
	SessionNumber     int        `json:"session_number"`
	SlotIndex         int        `json:"slot_index"`
	Start             string     `json:"start"`
	End               string     `json:"end"`
	DoctorName        string     `json:"doctor_name"`
	PaymentID         *string    `json:"payment_id,omitempty"`
	PaymentAmount     int64      `json:"payment_amount"`
	PaymentStatus     string     `json:"payment_status"`
	AppointmentStatus string     `json:"appointment_status"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type BookingResponse struct {
	AppointmentResponse
	Position         int    `json:"position"`
	PaymentSessionID string `json:"payment_session_id,omitempty"`
	CheckoutURL      string `json:"checkout_url,omitempty"`
}

type NextFreeResponse struct {
	Available     bool   `json:"available"`
	Date          string `json:"date"`
	SessionNumber int    `json:"session_number"`
	Position      int    `json:"position,omitempty"`
	Start         string `json:"start,omitempty"`
	End           string `json:"end,omitempty"`
}

type AvailabilityResponse struct {
	From  string   `json:"from"`
	To    string   `json:"to"`
	Dates []string `json:"dates"`
}

type AmountMismatchResponse struct {
	Expected int64 `json:"expected"`
	Paid     int64 `json:"paid"`
}

type ReconciliationResponse struct {
	Appointment    AppointmentResponse     `json:"appointment"`
	Confirmed      bool                    `json:"confirmed"`
	Notified       bool                    `json:"notified"`
	AmountMismatch *AmountMismatchResponse `json:"amount_mismatch,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:                a.ID,
		ReferenceNumber:   a.ReferenceNumber,
		PatientID:         a.PatientID,
		PatientContact:    a.PatientContact,
		Date:              schedule.FormatDate(a.ChannelingDate),
		SessionNumber:     a.SessionNumber,
		SlotIndex:         a.SlotIndex,
		Start:             a.StartingTime.String(),
		End:               a.EndingTime.String(),
		DoctorName:        a.DoctorName,
		PaymentID:         a.PaymentID,
		PaymentAmount:     a.PaymentAmount,
		PaymentStatus:     string(a.PaymentStatus),
		AppointmentStatus: string(a.AppointmentStatus),
		ExpiresAt:         a.ExpiresAt,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
	}
}

func toBookingResponse(b *appointment.Booking) BookingResponse {
	resp := BookingResponse{
		AppointmentResponse: toAppointmentResponse(b.Appointment),
		Position:            b.Position,
	}
	if b.Payment != nil {
		resp.PaymentSessionID = b.Payment.SessionID
		resp.CheckoutURL = b.Payment.CheckoutURL
	}
	return resp
}

func toReconciliationResponse(res *reconcile.Result) ReconciliationResponse {
	resp := ReconciliationResponse{
		Appointment: toAppointmentResponse(res.Appointment),
		Confirmed:   res.Confirmed,
		Notified:    res.Notified,
	}
	if res.Mismatch != nil {
		resp.AmountMismatch = &AmountMismatchResponse{Expected: res.Mismatch.Expected, Paid: res.Mismatch.Paid}
	}
	return resp
}
