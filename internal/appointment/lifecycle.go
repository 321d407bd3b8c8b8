package appointment

import (
	"fmt"
	"strings"
	"time"
)

// The methods below are the only writers of AppointmentStatus and PaymentStatus.
// They never touch slot bindings; callers apply the returned release decision
// to the channeling day inside the same transaction.

func (a *Appointment) stateErr(event string) error {
	return fmt.Errorf("%w: %s from (%s, %s)", ErrState, event, a.AppointmentStatus, a.PaymentStatus)
}

// ConfirmPayment moves (waiting, pending) to (waiting, completed).
func (a *Appointment) ConfirmPayment(paymentID string, now time.Time) error {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return fmt.Errorf("%w: payment id is required", ErrValidation)
	}
	if a.PaymentStatus != PaymentPending {
		return fmt.Errorf("%w: payment is %s", ErrAlreadyFinalized, a.PaymentStatus)
	}
	if a.AppointmentStatus != StatusWaiting {
		return a.stateErr("confirm payment")
	}

	a.PaymentID = &paymentID
	a.PaymentStatus = PaymentCompleted
	a.ExpiresAt = nil
	a.UpdatedAt = now
	return nil
}

// AbandonPayment moves (waiting, pending) to (cancelled, cancelled). A
// reservation that is already cancelled is left alone and reports false.
func (a *Appointment) AbandonPayment(now time.Time) (bool, error) {
	switch a.PaymentStatus {
	case PaymentCancelled:
		return false, nil
	case PaymentCompleted:
		return false, fmt.Errorf("%w: payment is completed", ErrAlreadyFinalized)
	}
	if a.AppointmentStatus == StatusCancelled {
		a.PaymentStatus = PaymentCancelled
		a.UpdatedAt = now
		return false, nil
	}
	if a.AppointmentStatus != StatusWaiting {
		return false, a.stateErr("abandon payment")
	}

	a.AppointmentStatus = StatusCancelled
	a.PaymentStatus = PaymentCancelled
	a.ExpiresAt = nil
	a.UpdatedAt = now
	return true, nil
}

func (a *Appointment) BeginAttending(now time.Time) error {
	if a.AppointmentStatus != StatusWaiting || a.PaymentStatus != PaymentCompleted {
		return a.stateErr("begin attending")
	}
	a.AppointmentStatus = StatusAttending
	a.UpdatedAt = now
	return nil
}

func (a *Appointment) Finish(now time.Time) error {
	if a.AppointmentStatus != StatusAttending || a.PaymentStatus != PaymentCompleted {
		return a.stateErr("finish")
	}
	a.AppointmentStatus = StatusCompleted
	a.UpdatedAt = now
	return nil
}

func (a *Appointment) MarkNoShow(now time.Time) error {
	if a.PaymentStatus != PaymentCompleted ||
		(a.AppointmentStatus != StatusWaiting && a.AppointmentStatus != StatusAttending) {
		return a.stateErr("mark no-show")
	}
	a.AppointmentStatus = StatusNoShow
	a.UpdatedAt = now
	return nil
}

// Cancel moves any non-terminal appointment to cancelled. An unpaid
// reservation also gets its payment cancelled; a completed payment is kept.
// Cancelling twice is a no-op and reports false.
func (a *Appointment) Cancel(now time.Time) (bool, error) {
	switch a.AppointmentStatus {
	case StatusCancelled:
		return false, nil
	case StatusCompleted, StatusNoShow:
		return false, a.stateErr("cancel")
	}

	a.AppointmentStatus = StatusCancelled
	if a.PaymentStatus == PaymentPending {
		a.PaymentStatus = PaymentCancelled
	}
	a.ExpiresAt = nil
	a.UpdatedAt = now
	return true, nil
}

func (a *Appointment) CheckReschedulable() error {
	if a.PaymentStatus != PaymentCompleted ||
		(a.AppointmentStatus != StatusWaiting && a.AppointmentStatus != StatusAttending) {
		return a.stateErr("reschedule")
	}
	return nil
}

// ApplyClinicalStatus dispatches a staff-requested status to its transition.
// The returned flag reports whether a slot binding must be released.
func (a *Appointment) ApplyClinicalStatus(target AppointmentStatus, now time.Time) (bool, error) {
	switch target {
	case StatusAttending:
		return false, a.BeginAttending(now)
	case StatusCompleted:
		return false, a.Finish(now)
	case StatusNoShow:
		return false, a.MarkNoShow(now)
	case StatusCancelled:
		return a.Cancel(now)
	case StatusWaiting:
		return false, a.stateErr("return to waiting")
	}
	return false, fmt.Errorf("%w: unknown appointment status %q", ErrValidation, target)
}
