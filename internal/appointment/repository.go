package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/channeling-scheduler/internal/schedule"
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	// Relaxed reads, used for display only
	GetDay(ctx context.Context, date time.Time) (*schedule.Day, error)
	ListAvailableDates(ctx context.Context, from, to time.Time) ([]time.Time, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByReference(ctx context.Context, ref string) (*Appointment, error)

	// Expiry worker
	FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]Appointment, error)

	// Receipts confirmed but not yet delivered, oldest first
	ListPendingReceipts(ctx context.Context, limit int) ([]PendingReceipt, error)

	// Event logging outside a transaction
	InsertEvent(ctx context.Context, ev EventLog) error

	// InTx runs fn in one transaction; any error rolls everything back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view. Lock* methods hold row locks until commit so
// "check free" and "bind" are never separated.
type Tx interface {
	LockDay(ctx context.Context, date time.Time) (*schedule.Day, error)
	InsertDay(ctx context.Context, day *schedule.Day) error
	UpdateDay(ctx context.Context, day *schedule.Day) error

	LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error
	DeleteAppointment(ctx context.Context, id uuid.UUID) error

	// MarkPaymentProcessed records paymentID for appointmentID. It returns the
	// appointment already holding paymentID, or uuid.Nil when newly recorded.
	MarkPaymentProcessed(ctx context.Context, paymentID string, appointmentID uuid.UUID) (uuid.UUID, error)

	// EnqueueReceipt stores the receipt owed for a confirmed payment. It
	// commits or rolls back with the confirmation itself.
	EnqueueReceipt(ctx context.Context, r PendingReceipt) error
	// LockPendingReceipt reports false when nothing is owed for the appointment.
	LockPendingReceipt(ctx context.Context, appointmentID uuid.UUID) (PendingReceipt, bool, error)
	MarkReceiptDelivered(ctx context.Context, appointmentID uuid.UUID, at time.Time) error

	InsertEvent(ctx context.Context, ev EventLog) error
}
