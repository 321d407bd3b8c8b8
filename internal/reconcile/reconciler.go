// Package reconcile matches payment-capture events to pending appointments.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/channeling-scheduler/internal/appointment"
	"github.com/hackgods/channeling-scheduler/internal/logger"
	"github.com/hackgods/channeling-scheduler/internal/metrics"
	"github.com/hackgods/channeling-scheduler/internal/notify"
	"github.com/hackgods/channeling-scheduler/internal/schedule"
)

const EventAmountMismatch = "PAYMENT_AMOUNT_MISMATCH"

// Lifecycle is the part of the appointment service reconciliation drives.
type Lifecycle interface {
	ConfirmPayment(ctx context.Context, id uuid.UUID, paymentID string, amountPaid int64) (*appointment.Appointment, bool, error)
	AbandonPayment(ctx context.Context, id uuid.UUID, reason string) (*appointment.Appointment, bool, error)
	RecordEvent(ctx context.Context, appointmentID *uuid.UUID, eventType string, payload map[string]any)

	DeliverReceipt(ctx context.Context, id uuid.UUID, send appointment.ReceiptSender) (bool, error)
	PendingReceipts(ctx context.Context, limit int) ([]appointment.PendingReceipt, error)
}

// AmountMismatch is a non-fatal warning: the captured amount differs from the
// appointment's payment amount.
type AmountMismatch struct {
	AppointmentID uuid.UUID
	Expected      int64
	Paid          int64
}

func (m AmountMismatch) String() string {
	return fmt.Sprintf("appointment %s expected %d, paid %d", m.AppointmentID, m.Expected, m.Paid)
}

type Result struct {
	Appointment *appointment.Appointment
	// Confirmed is false for a redelivered confirmation.
	Confirmed bool
	// Notified is true when this call delivered the receipt. A redelivery
	// reports true only if an earlier send had failed.
	Notified bool
	Mismatch  *AmountMismatch
}

type Reconciler struct {
	lifecycle Lifecycle
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	log       *zap.Logger
}

func New(lifecycle Lifecycle, notifier notify.Notifier, m *metrics.Metrics, log *zap.Logger) *Reconciler {
	return &Reconciler{
		lifecycle: lifecycle,
		notifier:  notifier,
		metrics:   m,
		log:       logger.OrNop(log),
	}
}

// OnPaymentConfirmed finalizes the appointment and sends the receipt. Repeated
// delivery of the same confirmation neither re-binds a slot nor re-sends a
// receipt that was already delivered; it does retry one whose send failed.
func (r *Reconciler) OnPaymentConfirmed(ctx context.Context, appointmentID uuid.UUID, paymentID string, amountPaid int64) (*Result, error) {
	appt, changed, err := r.lifecycle.ConfirmPayment(ctx, appointmentID, paymentID, amountPaid)
	if err != nil {
		r.metrics.ObserveReconciliation(rejectionResult(err))
		r.log.Warn("payment confirmation rejected",
			zap.String("appointment_id", appointmentID.String()),
			zap.String("payment_id", paymentID),
			zap.Error(err),
		)
		return nil, err
	}

	result := &Result{Appointment: appt, Confirmed: changed}
	if !changed {
		r.metrics.ObserveReconciliation("duplicate")
		result.Notified = r.deliver(ctx, appt.ID)
		return result, nil
	}
	r.metrics.ObserveReconciliation("confirmed")

	if amountPaid != appt.PaymentAmount {
		mismatch := AmountMismatch{AppointmentID: appt.ID, Expected: appt.PaymentAmount, Paid: amountPaid}
		result.Mismatch = &mismatch
		r.metrics.ObserveReconciliation("amount_mismatch")
		r.log.Warn("payment amount mismatch",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("payment_id", paymentID),
			zap.Int64("expected", mismatch.Expected),
			zap.Int64("paid", mismatch.Paid),
		)
		r.lifecycle.RecordEvent(ctx, &appt.ID, EventAmountMismatch, map[string]any{
			"payment_id": paymentID,
			"expected":   mismatch.Expected,
			"paid":       mismatch.Paid,
		})
	}

	result.Notified = r.deliver(ctx, appt.ID)
	return result, nil
}

// FlushReceipts retries receipts whose earlier send failed and returns how
// many went out. A failing receipt is logged and left pending.
func (r *Reconciler) FlushReceipts(ctx context.Context, limit int) (int, error) {
	pending, err := r.lifecycle.PendingReceipts(ctx, limit)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, pr := range pending {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if r.deliver(ctx, pr.AppointmentID) {
			sent++
		}
	}
	return sent, nil
}

// deliver sends the receipt owed for the appointment, if any. A failure is
// logged; the receipt stays queued for the next attempt.
func (r *Reconciler) deliver(ctx context.Context, id uuid.UUID) bool {
	sent, err := r.lifecycle.DeliverReceipt(ctx, id, func(ctx context.Context, a *appointment.Appointment, pr appointment.PendingReceipt) error {
		return r.notifier.SendReceipt(ctx, receiptFor(a, pr.AmountPaid))
	})
	if err != nil {
		r.metrics.ObserveReconciliation("notify_failed")
		r.log.Error("send receipt notification",
			zap.String("appointment_id", id.String()),
			zap.Error(err),
		)
		return false
	}
	if sent {
		r.metrics.ObserveReconciliation("notified")
	}
	return sent
}

// OnPaymentAbandoned applies the payment-failed-or-timeout transition.
func (r *Reconciler) OnPaymentAbandoned(ctx context.Context, appointmentID uuid.UUID) (*appointment.Appointment, error) {
	appt, changed, err := r.lifecycle.AbandonPayment(ctx, appointmentID, appointment.ReasonAbandoned)
	if err != nil {
		r.metrics.ObserveReconciliation(rejectionResult(err))
		return nil, err
	}
	if changed {
		r.metrics.ObserveReconciliation("abandoned")
	} else {
		r.metrics.ObserveReconciliation("duplicate")
	}
	return appt, nil
}

func receiptFor(a *appointment.Appointment, amountPaid int64) notify.Receipt {
	return notify.Receipt{
		AppointmentID:   a.ID.String(),
		ReferenceNumber: a.ReferenceNumber,
		PatientContact:  a.PatientContact,
		Amount:          amountPaid,
		Date:            schedule.FormatDate(a.ChannelingDate),
		Time:            a.StartingTime.String(),
		SessionNumber:   a.SessionNumber,
		DoctorName:      a.DoctorName,
	}
}

func rejectionResult(err error) string {
	switch {
	case errors.Is(err, appointment.ErrAlreadyFinalized):
		return "already_finalized"
	case errors.Is(err, appointment.ErrPaymentAlreadyUsed):
		return "payment_reused"
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		return "not_found"
	case errors.Is(err, appointment.ErrState), errors.Is(err, appointment.ErrValidation):
		return "rejected"
	}
	return "error"
}
