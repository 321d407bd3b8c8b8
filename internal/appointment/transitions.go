package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/channeling-scheduler/internal/schedule"
)

const expiryBatchSize = 100

// withAppointment runs fn under the appointment lock and inside one
// transaction that holds the appointment row. fn's mutations commit together.
func (s *Service) withAppointment(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, tx Tx, a *Appointment, now time.Time) error) (*Appointment, error) {
	var out *Appointment
	err := s.withLock(ctx, appointmentLockKey(id), func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			a, err := tx.LockAppointment(ctx, id)
			if err != nil {
				return err
			}
			if err := fn(ctx, tx, a, s.now()); err != nil {
				return err
			}
			out = a
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// releaseSlot clears the appointment's binding on its day. A missing day or
// an already cleared binding is a no-op.
func releaseSlot(ctx context.Context, tx Tx, a *Appointment) (bool, error) {
	day, err := tx.LockDay(ctx, a.ChannelingDate)
	if errors.Is(err, schedule.ErrDayNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !day.Release(a.SessionNumber, a.ID) {
		return false, nil
	}
	if err := tx.UpdateDay(ctx, day); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Service) observeRelease(released bool, a *Appointment, reason string) {
	if !released {
		return
	}
	s.metrics.ObserveRelease(reason)
	s.log.Info("slot released",
		zap.String("appointment_id", a.ID.String()),
		zap.String("date", schedule.FormatDate(a.ChannelingDate)),
		zap.Int("session", a.SessionNumber),
		zap.String("reason", reason),
	)
}

// ConfirmPayment finalizes payment for a pending reservation and queues the
// receipt in the same transaction. The returned flag is true only for the
// call that performed the transition, so a redelivered confirmation with the
// same payment id reports false and no error. A reservation whose hold has
// lapsed is abandoned and the late confirmation is rejected with
// ErrAlreadyFinalized.
func (s *Service) ConfirmPayment(ctx context.Context, id uuid.UUID, paymentID string, amountPaid int64) (*Appointment, bool, error) {
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return nil, false, fmt.Errorf("%w: payment id is required", ErrValidation)
	}
	if amountPaid < 0 {
		return nil, false, fmt.Errorf("%w: paid amount must not be negative", ErrValidation)
	}
	var changed, expired, released bool

	appt, err := s.withAppointment(ctx, id, func(ctx context.Context, tx Tx, a *Appointment, now time.Time) error {
		if a.PaymentStatus == PaymentCompleted && a.PaymentID != nil && *a.PaymentID == paymentID {
			return nil
		}

		if a.PaymentStatus == PaymentPending && a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
			if _, err := a.AbandonPayment(now); err != nil {
				return err
			}
			var err error
			if released, err = releaseSlot(ctx, tx, a); err != nil {
				return err
			}
			if err := tx.UpdateAppointment(ctx, a); err != nil {
				return err
			}
			expired = true
			return s.recordEvent(ctx, tx, &a.ID, EventPaymentAbandoned, map[string]any{
				"reason":     ReasonExpired,
				"payment_id": paymentID,
			})
		}

		if err := a.ConfirmPayment(paymentID, now); err != nil {
			return err
		}
		owner, err := tx.MarkPaymentProcessed(ctx, *a.PaymentID, a.ID)
		if err != nil {
			return err
		}
		if owner != uuid.Nil && owner != a.ID {
			return fmt.Errorf("%w: %s belongs to %s", ErrPaymentAlreadyUsed, *a.PaymentID, owner)
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		if err := tx.EnqueueReceipt(ctx, PendingReceipt{
			AppointmentID: a.ID,
			PaymentID:     *a.PaymentID,
			AmountPaid:    amountPaid,
			CreatedAt:     now,
		}); err != nil {
			return err
		}
		changed = true
		return s.recordEvent(ctx, tx, &a.ID, EventPaymentConfirmed, map[string]any{
			"payment_id":  *a.PaymentID,
			"amount":      a.PaymentAmount,
			"amount_paid": amountPaid,
		})
	})
	if err != nil {
		return nil, false, err
	}

	if expired {
		s.observeRelease(released, appt, ReasonExpired)
		return nil, false, fmt.Errorf("%w: reservation lapsed before payment confirmation", ErrAlreadyFinalized)
	}
	if changed {
		s.log.Info("payment confirmed",
			zap.String("appointment_id", appt.ID.String()),
			zap.String("payment_id", *appt.PaymentID),
		)
	}
	return appt, changed, nil
}

// AbandonPayment applies the payment-failed-or-timeout transition and frees
// the slot. Repeating it is a no-op.
func (s *Service) AbandonPayment(ctx context.Context, id uuid.UUID, reason string) (*Appointment, bool, error) {
	if reason == "" {
		reason = ReasonAbandoned
	}
	return s.abandon(ctx, id, reason)
}

func (s *Service) abandon(ctx context.Context, id uuid.UUID, reason string) (*Appointment, bool, error) {
	var changed, released bool

	appt, err := s.withAppointment(ctx, id, func(ctx context.Context, tx Tx, a *Appointment, now time.Time) error {
		var err error
		if changed, err = a.AbandonPayment(now); err != nil {
			return err
		}
		if !a.HoldsSlot() {
			if released, err = releaseSlot(ctx, tx, a); err != nil {
				return err
			}
		}
		if !changed {
			return nil
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		return s.recordEvent(ctx, tx, &a.ID, EventPaymentAbandoned, map[string]any{"reason": reason})
	})
	if err != nil {
		return nil, false, err
	}
	s.observeRelease(released, appt, reason)
	return appt, changed, nil
}

// CancelAppointment cancels any non-terminal appointment and releases its
// slot unconditionally. Cancelling twice is safe.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	var released bool

	appt, err := s.withAppointment(ctx, id, func(ctx context.Context, tx Tx, a *Appointment, now time.Time) error {
		changed, err := a.Cancel(now)
		if err != nil {
			return err
		}
		if released, err = releaseSlot(ctx, tx, a); err != nil {
			return err
		}
		if !changed {
			return nil
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		return s.recordEvent(ctx, tx, &a.ID, EventAppointmentCancelled, map[string]any{
			"payment_status": a.PaymentStatus,
		})
	})
	if err != nil {
		return nil, err
	}
	s.observeRelease(released, appt, ReasonCancelled)
	return appt, nil
}

// SetClinicalStatus applies a staff-driven status change.
func (s *Service) SetClinicalStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) (*Appointment, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown appointment status %q", ErrValidation, status)
	}

	var released bool
	appt, err := s.withAppointment(ctx, id, func(ctx context.Context, tx Tx, a *Appointment, now time.Time) error {
		from := a.AppointmentStatus
		changed, err := a.ApplyClinicalStatus(status, now)
		if err != nil {
			return err
		}
		if changed || !a.HoldsSlot() {
			if released, err = releaseSlot(ctx, tx, a); err != nil {
				return err
			}
		}
		if from == a.AppointmentStatus {
			return nil
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		return s.recordEvent(ctx, tx, &a.ID, EventStatusChanged, map[string]any{
			"from": from,
			"to":   a.AppointmentStatus,
		})
	})
	if err != nil {
		return nil, err
	}
	s.observeRelease(released, appt, ReasonCancelled)
	return appt, nil
}

// RescheduleAppointment moves a paid appointment to the first free slot of
// another session. The old binding is cleared and the new one taken in the
// same transaction, so a failed reservation leaves the appointment untouched.
func (s *Service) RescheduleAppointment(ctx context.Context, id uuid.UUID, newDate time.Time, newSession int) (*Appointment, error) {
	if !schedule.ValidSession(newSession) {
		return nil, fmt.Errorf("%w: %w: session %d", ErrValidation, schedule.ErrSessionNotFound, newSession)
	}
	newDate = schedule.DateOf(newDate)
	if newDate.Before(schedule.DateOf(s.now())) {
		return nil, fmt.Errorf("%w: %s is in the past", ErrInvalidDate, schedule.FormatDate(newDate))
	}

	var from schedule.Allocation
	var appt *Appointment
	err := s.withLock(ctx, appointmentLockKey(id), func(ctx context.Context) error {
		return s.withLock(ctx, sessionLockKey(newDate, newSession), func(ctx context.Context) error {
			return s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
				a, err := tx.LockAppointment(ctx, id)
				if err != nil {
					return err
				}
				if err := a.CheckReschedulable(); err != nil {
					return err
				}
				from = schedule.Allocation{
					Date:          a.ChannelingDate,
					SessionNumber: a.SessionNumber,
					SlotIndex:     a.SlotIndex,
					Start:         a.StartingTime,
					End:           a.EndingTime,
				}

				oldDay, newDay, err := lockDayPair(ctx, tx, a.ChannelingDate, newDate)
				if err != nil {
					return err
				}
				if newDay == nil {
					return fmt.Errorf("%w: no channeling sessions on %s", ErrInvalidDate, schedule.FormatDate(newDate))
				}

				if oldDay != nil {
					oldDay.Release(a.SessionNumber, a.ID)
				}
				if !newDay.HasFree() {
					return fmt.Errorf("%w: no free slots on %s", ErrInvalidDate, schedule.FormatDate(newDate))
				}
				alloc, err := newDay.Reserve(newSession, a.ID)
				if err != nil {
					return allocationErr(err)
				}

				if oldDay != nil && oldDay != newDay {
					if err := tx.UpdateDay(ctx, oldDay); err != nil {
						return err
					}
				}
				if err := tx.UpdateDay(ctx, newDay); err != nil {
					return err
				}

				a.bind(alloc)
				a.DoctorName = newDay.DoctorName
				a.UpdatedAt = s.now()
				if err := tx.UpdateAppointment(ctx, a); err != nil {
					return err
				}
				appt = a
				return s.recordEvent(ctx, tx, &a.ID, EventAppointmentRescheduled, map[string]any{
					"from_date":    schedule.FormatDate(from.Date),
					"from_session": from.SessionNumber,
					"to_date":      schedule.FormatDate(alloc.Date),
					"to_session":   alloc.SessionNumber,
					"to_start":     alloc.Start.String(),
				})
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.metrics.ObserveRelease(ReasonRescheduled)
	s.log.Info("appointment rescheduled",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("from_date", schedule.FormatDate(from.Date)),
		zap.Int("from_session", from.SessionNumber),
		zap.String("date", schedule.FormatDate(appt.ChannelingDate)),
		zap.Int("session", appt.SessionNumber),
	)
	return appt, nil
}

// lockDayPair locks the two days in date order. Either may be nil when no
// template exists; the same pointer is returned twice for a same-day move.
func lockDayPair(ctx context.Context, tx Tx, oldDate, newDate time.Time) (*schedule.Day, *schedule.Day, error) {
	lock := func(date time.Time) (*schedule.Day, error) {
		day, err := tx.LockDay(ctx, date)
		if errors.Is(err, schedule.ErrDayNotFound) {
			return nil, nil
		}
		return day, err
	}

	oldDate, newDate = schedule.DateOf(oldDate), schedule.DateOf(newDate)
	if oldDate.Equal(newDate) {
		day, err := lock(oldDate)
		return day, day, err
	}

	first, second := oldDate, newDate
	if newDate.Before(oldDate) {
		first, second = newDate, oldDate
	}
	a, err := lock(first)
	if err != nil {
		return nil, nil, err
	}
	b, err := lock(second)
	if err != nil {
		return nil, nil, err
	}
	if first.Equal(oldDate) {
		return a, b, nil
	}
	return b, a, nil
}

// DeleteAppointment releases any binding and removes the record.
func (s *Service) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	var released bool
	appt, err := s.withAppointment(ctx, id, func(ctx context.Context, tx Tx, a *Appointment, now time.Time) error {
		var err error
		if released, err = releaseSlot(ctx, tx, a); err != nil {
			return err
		}
		if err := tx.DeleteAppointment(ctx, a.ID); err != nil {
			return err
		}
		return s.recordEvent(ctx, tx, &a.ID, EventAppointmentDeleted, map[string]any{
			"reference_number":   a.ReferenceNumber,
			"appointment_status": a.AppointmentStatus,
			"payment_status":     a.PaymentStatus,
		})
	})
	if err != nil {
		return err
	}
	s.observeRelease(released, appt, ReasonDeleted)
	return nil
}

// ExpirePendingAppointments abandons unpaid reservations whose hold has
// lapsed. It is called periodically by the expiry worker and returns how many
// reservations it abandoned.
func (s *Service) ExpirePendingAppointments(ctx context.Context) (int, error) {
	candidates, err := s.repo.FindExpiredPending(ctx, s.now(), expiryBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find expired pending appointments: %w", err)
	}

	expired := 0
	for _, appt := range candidates {
		_, changed, err := s.abandon(ctx, appt.ID, ReasonExpired)
		switch {
		case errors.Is(err, ErrAlreadyFinalized), errors.Is(err, ErrAppointmentNotFound):
			// confirmed or deleted since the scan
			s.log.Debug("skip expiry", zap.String("appointment_id", appt.ID.String()), zap.Error(err))
		case err != nil:
			s.log.Error("failed to expire appointment", zap.String("appointment_id", appt.ID.String()), zap.Error(err))
		case changed:
			expired++
		}
	}
	return expired, nil
}
