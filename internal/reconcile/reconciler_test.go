package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/channeling-scheduler/internal/appointment"
	"github.com/hackgods/channeling-scheduler/internal/notify"
)

// fakeLifecycle confirms a single appointment once and queues its receipt,
// like the real service.
type fakeLifecycle struct {
	mu       sync.Mutex
	appt     *appointment.Appointment
	confirms int
	events   []string
	receipt  *appointment.PendingReceipt
}

func newFakeLifecycle(amount int64) *fakeLifecycle {
	return &fakeLifecycle{appt: &appointment.Appointment{
		ID:                uuid.New(),
		ReferenceNumber:   "CH261020-00000001",
		PatientContact:    "+94771234567",
		ChannelingDate:    time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC),
		SessionNumber:     1,
		StartingTime:      8*60 + 10,
		PaymentAmount:     amount,
		PaymentStatus:     appointment.PaymentPending,
		AppointmentStatus: appointment.StatusWaiting,
	}}
}

func (f *fakeLifecycle) ConfirmPayment(_ context.Context, id uuid.UUID, paymentID string, amountPaid int64) (*appointment.Appointment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.appt.ID {
		return nil, false, appointment.ErrAppointmentNotFound
	}
	if f.appt.PaymentStatus == appointment.PaymentCompleted && *f.appt.PaymentID == paymentID {
		c := *f.appt
		return &c, false, nil
	}
	if err := f.appt.ConfirmPayment(paymentID, time.Now()); err != nil {
		return nil, false, err
	}
	f.confirms++
	f.receipt = &appointment.PendingReceipt{AppointmentID: id, PaymentID: paymentID, AmountPaid: amountPaid}
	c := *f.appt
	return &c, true, nil
}

func (f *fakeLifecycle) DeliverReceipt(ctx context.Context, id uuid.UUID, send appointment.ReceiptSender) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.appt.ID || f.receipt == nil {
		return false, nil
	}
	c := *f.appt
	if err := send(ctx, &c, *f.receipt); err != nil {
		return false, err
	}
	f.receipt = nil
	return true, nil
}

func (f *fakeLifecycle) PendingReceipts(context.Context, int) ([]appointment.PendingReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receipt == nil {
		return nil, nil
	}
	return []appointment.PendingReceipt{*f.receipt}, nil
}

func (f *fakeLifecycle) AbandonPayment(_ context.Context, id uuid.UUID, _ string) (*appointment.Appointment, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	changed, err := f.appt.AbandonPayment(time.Now())
	if err != nil {
		return nil, false, err
	}
	c := *f.appt
	return &c, changed, nil
}

func (f *fakeLifecycle) RecordEvent(_ context.Context, _ *uuid.UUID, eventType string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
}

type countingNotifier struct {
	mu       sync.Mutex
	receipts []notify.Receipt
	err      error
}

func (n *countingNotifier) fail(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.err = err
}

func (n *countingNotifier) SendReceipt(_ context.Context, r notify.Receipt) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.receipts = append(n.receipts, r)
	return nil
}

func TestConfirmTwiceNotifiesOnce(t *testing.T) {
	lc := newFakeLifecycle(2500)
	n := &countingNotifier{}
	r := New(lc, n, nil, nil)
	ctx := context.Background()

	first, err := r.OnPaymentConfirmed(ctx, lc.appt.ID, "pay_1", 2500)
	require.NoError(t, err)
	assert.True(t, first.Confirmed)
	assert.True(t, first.Notified)
	assert.Nil(t, first.Mismatch)

	second, err := r.OnPaymentConfirmed(ctx, lc.appt.ID, "pay_1", 2500)
	require.NoError(t, err)
	assert.False(t, second.Confirmed)
	assert.False(t, second.Notified)
	assert.Equal(t, appointment.PaymentCompleted, second.Appointment.PaymentStatus)

	require.Len(t, n.receipts, 1)
	receipt := n.receipts[0]
	assert.Equal(t, lc.appt.ID.String(), receipt.AppointmentID)
	assert.Equal(t, "+94771234567", receipt.PatientContact)
	assert.Equal(t, int64(2500), receipt.Amount)
	assert.Equal(t, "2026-10-20", receipt.Date)
	assert.Equal(t, "08:10", receipt.Time)
}

func TestConcurrentRedeliveryNotifiesOnce(t *testing.T) {
	lc := newFakeLifecycle(1000)
	n := &countingNotifier{}
	r := New(lc, n, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.OnPaymentConfirmed(context.Background(), lc.appt.ID, "pay_1", 1000)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, n.receipts, 1)
	assert.Equal(t, 1, lc.confirms)
}

func TestAmountMismatchWarnsButConfirms(t *testing.T) {
	lc := newFakeLifecycle(2500)
	n := &countingNotifier{}
	r := New(lc, n, nil, nil)

	res, err := r.OnPaymentConfirmed(context.Background(), lc.appt.ID, "pay_1", 2000)
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	require.NotNil(t, res.Mismatch)
	assert.Equal(t, int64(2500), res.Mismatch.Expected)
	assert.Equal(t, int64(2000), res.Mismatch.Paid)
	assert.Equal(t, []string{EventAmountMismatch}, lc.events)
	assert.Len(t, n.receipts, 1)
}

func TestLateConfirmationAfterAbandonIsRejected(t *testing.T) {
	lc := newFakeLifecycle(1000)
	n := &countingNotifier{}
	r := New(lc, n, nil, nil)
	ctx := context.Background()

	a, err := r.OnPaymentAbandoned(ctx, lc.appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, a.AppointmentStatus)

	_, err = r.OnPaymentAbandoned(ctx, lc.appt.ID)
	require.NoError(t, err)

	_, err = r.OnPaymentConfirmed(ctx, lc.appt.ID, "pay_late", 1000)
	require.ErrorIs(t, err, appointment.ErrAlreadyFinalized)
	assert.Empty(t, n.receipts)
}

func TestNotificationFailureDoesNotUndoConfirmation(t *testing.T) {
	lc := newFakeLifecycle(1000)
	n := &countingNotifier{err: errors.New("broker down")}
	r := New(lc, n, nil, nil)

	res, err := r.OnPaymentConfirmed(context.Background(), lc.appt.ID, "pay_1", 1000)
	require.NoError(t, err)
	assert.True(t, res.Confirmed)
	assert.False(t, res.Notified)
	assert.Equal(t, appointment.PaymentCompleted, lc.appt.PaymentStatus)
}

func TestRedeliveryRetriesFailedReceiptOnce(t *testing.T) {
	lc := newFakeLifecycle(1000)
	n := &countingNotifier{err: errors.New("broker down")}
	r := New(lc, n, nil, nil)
	ctx := context.Background()

	first, err := r.OnPaymentConfirmed(ctx, lc.appt.ID, "pay_1", 1000)
	require.NoError(t, err)
	assert.True(t, first.Confirmed)
	assert.False(t, first.Notified)
	assert.Empty(t, n.receipts)

	n.fail(nil)

	second, err := r.OnPaymentConfirmed(ctx, lc.appt.ID, "pay_1", 1000)
	require.NoError(t, err)
	assert.False(t, second.Confirmed)
	assert.True(t, second.Notified)

	third, err := r.OnPaymentConfirmed(ctx, lc.appt.ID, "pay_1", 1000)
	require.NoError(t, err)
	assert.False(t, third.Notified)

	require.Len(t, n.receipts, 1)
	assert.Equal(t, int64(1000), n.receipts[0].Amount)
	assert.Equal(t, 1, lc.confirms)
}

func TestFlushReceiptsSendsWhatIsOwed(t *testing.T) {
	lc := newFakeLifecycle(1000)
	n := &countingNotifier{err: errors.New("broker down")}
	r := New(lc, n, nil, nil)
	ctx := context.Background()

	_, err := r.OnPaymentConfirmed(ctx, lc.appt.ID, "pay_1", 900)
	require.NoError(t, err)

	sent, err := r.FlushReceipts(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, sent)

	n.fail(nil)
	sent, err = r.FlushReceipts(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	sent, err = r.FlushReceipts(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, sent)

	require.Len(t, n.receipts, 1)
	assert.Equal(t, int64(900), n.receipts[0].Amount)
}

func TestUnknownAppointment(t *testing.T) {
	r := New(newFakeLifecycle(1), &countingNotifier{}, nil, nil)
	_, err := r.OnPaymentConfirmed(context.Background(), uuid.New(), "pay_1", 1)
	require.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
}
