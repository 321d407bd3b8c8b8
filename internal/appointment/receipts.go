package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PendingReceipt is a receipt owed for a confirmed payment. It stays pending
// until a send succeeds, so a failed send is retried by the next delivery
// attempt rather than lost.
type PendingReceipt struct {
	AppointmentID uuid.UUID
	PaymentID     string
	AmountPaid    int64
	CreatedAt     time.Time
}

// ReceiptSender delivers one receipt. A non-nil error leaves it pending.
type ReceiptSender func(ctx context.Context, a *Appointment, r PendingReceipt) error

// DeliverReceipt sends the receipt owed for the appointment, if any, and marks
// it delivered. Concurrent callers serialize on the appointment lock and the
// outbox row, so a receipt is sent at most once after a successful send.
func (s *Service) DeliverReceipt(ctx context.Context, id uuid.UUID, send ReceiptSender) (bool, error) {
	var sent bool
	_, err := s.withAppointment(ctx, id, func(ctx context.Context, tx Tx, a *Appointment, now time.Time) error {
		pr, ok, err := tx.LockPendingReceipt(ctx, id)
		if err != nil || !ok {
			return err
		}
		if err := send(ctx, a, pr); err != nil {
			return fmt.Errorf("send receipt: %w", err)
		}
		if err := tx.MarkReceiptDelivered(ctx, id, now); err != nil {
			return err
		}
		sent = true
		return s.recordEvent(ctx, tx, &a.ID, EventReceiptDelivered, map[string]any{
			"payment_id":  pr.PaymentID,
			"amount_paid": pr.AmountPaid,
		})
	})
	if err != nil {
		return false, err
	}
	if sent {
		s.log.Info("receipt delivered", zap.String("appointment_id", id.String()))
	}
	return sent, nil
}

// PendingReceipts lists receipts still owed, oldest first.
func (s *Service) PendingReceipts(ctx context.Context, limit int) ([]PendingReceipt, error) {
	receipts, err := s.repo.ListPendingReceipts(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending receipts: %w", err)
	}
	return receipts, nil
}
