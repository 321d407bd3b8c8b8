package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/channeling-scheduler/internal/config"
	"github.com/hackgods/channeling-scheduler/internal/logger"
	"github.com/hackgods/channeling-scheduler/internal/metrics"
	"github.com/hackgods/channeling-scheduler/internal/payment"
	redisclient "github.com/hackgods/channeling-scheduler/internal/redis"
	"github.com/hackgods/channeling-scheduler/internal/schedule"
)

const (
	EventAppointmentCreated     = "APPOINTMENT_CREATED"
	EventPaymentConfirmed       = "PAYMENT_CONFIRMED"
	EventPaymentAbandoned       = "PAYMENT_ABANDONED"
	EventAppointmentCancelled   = "APPOINTMENT_CANCELLED"
	EventAppointmentRescheduled = "APPOINTMENT_RESCHEDULED"
	EventStatusChanged          = "APPOINTMENT_STATUS_CHANGED"
	EventAppointmentDeleted     = "APPOINTMENT_DELETED"
	EventSlotTemplateUpdated    = "SLOT_TEMPLATE_UPDATED"
	EventReceiptDelivered       = "RECEIPT_DELIVERED"
)

// Slot release reasons, used as metric labels and event payloads.
const (
	ReasonAbandoned    = "abandoned"
	ReasonExpired      = "expired"
	ReasonGatewayError = "gateway_error"
	ReasonCancelled    = "cancelled"
	ReasonRescheduled  = "rescheduled"
	ReasonDeleted      = "deleted"
)

const maxReferenceAttempts = 3

type Service struct {
	repo    Repository
	locker  redisclient.Locker
	gateway payment.Gateway
	metrics *metrics.Metrics
	log     *zap.Logger
	cfg     config.Config
	now     func() time.Time
}

// NewService wires the booking lifecycle. gateway may be nil, in which case
// no payment session is requested after a reservation.
func NewService(repo Repository, locker redisclient.Locker, gateway payment.Gateway, m *metrics.Metrics, log *zap.Logger, cfg config.Config) *Service {
	return &Service{
		repo:    repo,
		locker:  locker,
		gateway: gateway,
		metrics: m,
		log:     logger.OrNop(log),
		cfg:     cfg,
		now:     time.Now,
	}
}

type CreateRequest struct {
	PatientID      uuid.UUID
	PatientContact string
	Date           time.Time
	SessionNumber  int
	Amount         int64 // minor currency units
}

func (r CreateRequest) validate() error {
	switch {
	case r.PatientID == uuid.Nil:
		return fmt.Errorf("%w: patient id is required", ErrValidation)
	case strings.TrimSpace(r.PatientContact) == "":
		return fmt.Errorf("%w: patient contact is required", ErrValidation)
	case r.Amount <= 0:
		return fmt.Errorf("%w: payment amount must be positive", ErrValidation)
	case r.Date.IsZero():
		return fmt.Errorf("%w: channeling date is required", ErrValidation)
	case !schedule.ValidSession(r.SessionNumber):
		return fmt.Errorf("%w: %w: session %d", ErrValidation, schedule.ErrSessionNotFound, r.SessionNumber)
	}
	return nil
}

func sessionLockKey(date time.Time, session int) string {
	return fmt.Sprintf("session:%s:%d", schedule.FormatDate(date), session)
}

func appointmentLockKey(id uuid.UUID) string {
	return "appointment:" + id.String()
}

// CreateAppointment reserves the first free slot of the requested session and
// then asks the payment gateway for a checkout session. The gateway call runs
// after the session lock is released; if it fails the reservation is abandoned.
func (s *Service) CreateAppointment(ctx context.Context, req CreateRequest) (*Booking, error) {
	if err := req.validate(); err != nil {
		s.metrics.ObserveBooking("invalid")
		return nil, err
	}
	date := schedule.DateOf(req.Date)
	if date.Before(schedule.DateOf(s.now())) {
		s.metrics.ObserveBooking("invalid_date")
		return nil, fmt.Errorf("%w: %s is in the past", ErrInvalidDate, schedule.FormatDate(date))
	}

	var (
		booking *Booking
		err     error
	)
	for attempt := 1; attempt <= maxReferenceAttempts; attempt++ {
		booking, err = s.reserve(ctx, date, req)
		if !errors.Is(err, ErrDuplicateReference) {
			break
		}
		s.log.Warn("reference number collision, retrying", zap.Int("attempt", attempt))
	}
	if err != nil {
		s.metrics.ObserveBooking(bookingOutcome(err))
		s.log.Info("reservation rejected",
			zap.String("date", schedule.FormatDate(date)),
			zap.Int("session", req.SessionNumber),
			zap.Error(err),
		)
		return nil, err
	}

	appt := booking.Appointment
	s.metrics.ObserveBooking("reserved")
	s.log.Info("appointment reserved",
		zap.String("appointment_id", appt.ID.String()),
		zap.String("reference_number", appt.ReferenceNumber),
		zap.String("date", schedule.FormatDate(date)),
		zap.Int("session", appt.SessionNumber),
		zap.Int("position", booking.Position),
	)

	if s.gateway == nil {
		return booking, nil
	}

	session, err := s.gateway.CreateSession(ctx, payment.Request{
		AppointmentID:   appt.ID,
		ReferenceNumber: appt.ReferenceNumber,
		Amount:          appt.PaymentAmount,
		PatientContact:  appt.PatientContact,
	})
	if err != nil {
		s.log.Error("payment initiation failed, abandoning reservation",
			zap.String("appointment_id", appt.ID.String()),
			zap.Error(err),
		)
		if _, _, abErr := s.abandon(context.WithoutCancel(ctx), appt.ID, ReasonGatewayError); abErr != nil {
			// left pending; the expiry worker releases it after the TTL
			s.log.Error("abandon after gateway failure",
				zap.String("appointment_id", appt.ID.String()),
				zap.Error(abErr),
			)
		}
		return nil, fmt.Errorf("%w: %v", ErrPaymentUnavailable, err)
	}

	booking.Payment = session
	return booking, nil
}

func (s *Service) reserve(ctx context.Context, date time.Time, req CreateRequest) (*Booking, error) {
	now := s.now()
	appt := &Appointment{
		ID:                uuid.New(),
		ReferenceNumber:   newReferenceNumber(date),
		PatientID:         req.PatientID,
		PatientContact:    strings.TrimSpace(req.PatientContact),
		PaymentAmount:     req.Amount,
		PaymentStatus:     PaymentPending,
		AppointmentStatus: StatusWaiting,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if s.cfg.AppointmentTTL > 0 {
		expiresAt := now.Add(s.cfg.AppointmentTTL)
		appt.ExpiresAt = &expiresAt
	}

	var position int
	err := s.withLock(ctx, sessionLockKey(date, req.SessionNumber), func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			day, err := tx.LockDay(ctx, date)
			if errors.Is(err, schedule.ErrDayNotFound) {
				return fmt.Errorf("%w: no channeling sessions on %s", ErrInvalidDate, schedule.FormatDate(date))
			}
			if err != nil {
				return err
			}
			if !day.HasFree() {
				return fmt.Errorf("%w: no free slots on %s", ErrInvalidDate, schedule.FormatDate(date))
			}

			alloc, err := day.Reserve(req.SessionNumber, appt.ID)
			if err != nil {
				return allocationErr(err)
			}
			appt.bind(alloc)
			appt.DoctorName = day.DoctorName
			position = alloc.Position

			if err := tx.UpdateDay(ctx, day); err != nil {
				return err
			}
			if err := tx.InsertAppointment(ctx, appt); err != nil {
				return err
			}
			return s.recordEvent(ctx, tx, &appt.ID, EventAppointmentCreated, map[string]any{
				"reference_number": appt.ReferenceNumber,
				"date":             schedule.FormatDate(date),
				"session":          appt.SessionNumber,
				"slot_index":       appt.SlotIndex,
				"amount":           appt.PaymentAmount,
			})
		})
	})
	if err != nil {
		return nil, err
	}
	return &Booking{Appointment: appt, Position: position}, nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointmentByID(ctx, id)
}

func (s *Service) GetAppointmentByReference(ctx context.Context, ref string) (*Appointment, error) {
	ref = strings.ToUpper(strings.TrimSpace(ref))
	if ref == "" {
		return nil, fmt.Errorf("%w: reference number is required", ErrValidation)
	}
	return s.repo.GetAppointmentByReference(ctx, ref)
}

// GetNextFreeSlot is a relaxed read for display. A date without a template
// simply has no free slot.
func (s *Service) GetNextFreeSlot(ctx context.Context, date time.Time, session int) (SlotView, bool, error) {
	if !schedule.ValidSession(session) {
		return SlotView{}, false, fmt.Errorf("%w: %w: session %d", ErrValidation, schedule.ErrSessionNotFound, session)
	}

	day, err := s.repo.GetDay(ctx, date)
	if errors.Is(err, schedule.ErrDayNotFound) {
		return SlotView{}, false, nil
	}
	if err != nil {
		return SlotView{}, false, fmt.Errorf("load day: %w", err)
	}

	alloc, ok, err := day.FindNextFree(session)
	if err != nil || !ok {
		return SlotView{}, false, err
	}
	return SlotView{
		Date:          alloc.Date,
		SessionNumber: alloc.SessionNumber,
		Position:      alloc.Position,
		Start:         alloc.Start,
		End:           alloc.End,
	}, true, nil
}

// ListAvailableDates returns dates in [from, to] with at least one free slot.
func (s *Service) ListAvailableDates(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	from, to = schedule.DateOf(from), schedule.DateOf(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end %s is before start %s", ErrValidation, schedule.FormatDate(to), schedule.FormatDate(from))
	}
	if limit := s.cfg.AvailabilityMaxRange; limit > 0 && to.Sub(from) > time.Duration(limit)*24*time.Hour {
		return nil, fmt.Errorf("%w: range may span at most %d days", ErrValidation, limit)
	}

	dates, err := s.repo.ListAvailableDates(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("list available dates: %w", err)
	}
	return dates, nil
}

// RecordEvent appends an audit entry outside any transaction.
func (s *Service) RecordEvent(ctx context.Context, appointmentID *uuid.UUID, eventType string, payload map[string]any) {
	ev, err := s.newEvent(appointmentID, eventType, payload)
	if err != nil {
		s.log.Error("marshal event payload", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error("insert event log", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (s *Service) recordEvent(ctx context.Context, tx Tx, appointmentID *uuid.UUID, eventType string, payload map[string]any) error {
	ev, err := s.newEvent(appointmentID, eventType, payload)
	if err != nil {
		return err
	}
	return tx.InsertEvent(ctx, ev)
}

func (s *Service) newEvent(appointmentID *uuid.UUID, eventType string, payload map[string]any) (EventLog, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return EventLog{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.now(),
	}, nil
}

// withLock maps a lost lock race to ErrConflict.
func (s *Service) withLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	err := s.locker.WithLock(ctx, key, fn)
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		return fmt.Errorf("%w: %s", ErrConflict, key)
	}
	return err
}

func allocationErr(err error) error {
	switch {
	case errors.Is(err, schedule.ErrNoCapacity):
		return fmt.Errorf("%w: %w", ErrSlotUnavailable, err)
	case errors.Is(err, schedule.ErrSessionNotFound):
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return err
}

func bookingOutcome(err error) string {
	switch {
	case errors.Is(err, ErrSlotUnavailable):
		return "no_capacity"
	case errors.Is(err, ErrInvalidDate):
		return "invalid_date"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "invalid"
	}
	return "error"
}
