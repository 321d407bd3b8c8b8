package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/channeling-scheduler/internal/payment"
	"github.com/hackgods/channeling-scheduler/internal/schedule"
)

type AppointmentStatus string

const (
	StatusWaiting   AppointmentStatus = "waiting"
	StatusAttending AppointmentStatus = "attending"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no-show"
)

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusAttending, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Terminal statuses accept no further transitions.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentCancelled PaymentStatus = "cancelled"
)

type Appointment struct {
	ID                uuid.UUID
	ReferenceNumber   string
	PatientID         uuid.UUID
	PatientContact    string
	ChannelingDate    time.Time
	SessionNumber     int
	SlotIndex         int
	StartingTime      schedule.Clock
	EndingTime        schedule.Clock
	DoctorName        string
	PaymentID         *string
	PaymentAmount     int64 // minor currency units
	PaymentStatus     PaymentStatus
	AppointmentStatus AppointmentStatus
	ExpiresAt         *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HoldsSlot reports whether the appointment must own exactly one slot binding.
func (a *Appointment) HoldsSlot() bool {
	if a.AppointmentStatus == StatusCancelled || a.PaymentStatus == PaymentCancelled {
		return false
	}
	return a.PaymentStatus == PaymentPending || a.PaymentStatus == PaymentCompleted
}

func (a *Appointment) bind(alloc schedule.Allocation) {
	a.ChannelingDate = alloc.Date
	a.SessionNumber = alloc.SessionNumber
	a.SlotIndex = alloc.SlotIndex
	a.StartingTime = alloc.Start
	a.EndingTime = alloc.End
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Booking is the result of a successful reservation.
type Booking struct {
	Appointment *Appointment
	Position    int
	Payment     *payment.Session
}

// SlotView is the next-free answer shown in the booking form.
type SlotView struct {
	Date          time.Time
	SessionNumber int
	Position      int
	Start         schedule.Clock
	End           schedule.Clock
}
