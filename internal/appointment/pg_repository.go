package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/channeling-scheduler/internal/schedule"
)

const pgUniqueViolation = "23505"

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txBeginner interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

type PgRepository struct {
	pool txBeginner
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func newPgRepositoryWithPool(pool txBeginner) *PgRepository {
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, reference_number, patient_id, patient_contact, channeling_date,
	session_number, slot_index, starting_time, ending_time, doctor_name, payment_id,
	payment_amount, payment_status, appointment_status, expires_at, created_at, updated_at`

const receiptColumns = `appointment_id, payment_id, amount_paid, created_at`

// Helpers

func scanDay(row pgx.Row) (*schedule.Day, error) {
	var d schedule.Day
	var sessions []byte

	err := row.Scan(&d.Date, &d.DoctorName, &sessions, &d.Version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, schedule.ErrDayNotFound
		}
		return nil, err
	}

	if err := json.Unmarshal(sessions, &d.Sessions); err != nil {
		return nil, fmt.Errorf("decode sessions for %s: %w", schedule.FormatDate(d.Date), err)
	}
	d.Date = schedule.DateOf(d.Date)
	return &d, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var start, end string
	var session int16

	err := row.Scan(
		&a.ID,
		&a.ReferenceNumber,
		&a.PatientID,
		&a.PatientContact,
		&a.ChannelingDate,
		&session,
		&a.SlotIndex,
		&start,
		&end,
		&a.DoctorName,
		&a.PaymentID,
		&a.PaymentAmount,
		&a.PaymentStatus,
		&a.AppointmentStatus,
		&a.ExpiresAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.SessionNumber = int(session)
	a.ChannelingDate = schedule.DateOf(a.ChannelingDate)
	if a.StartingTime, err = schedule.ParseClock(start); err != nil {
		return nil, err
	}
	if a.EndingTime, err = schedule.ParseClock(end); err != nil {
		return nil, err
	}
	return &a, nil
}

// Interface methods

func (r *PgRepository) GetDay(ctx context.Context, date time.Time) (*schedule.Day, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT date, doctor_name, sessions, version
		FROM channeling_days
		WHERE date = $1
	`, schedule.DateOf(date))
	return scanDay(row)
}

func (r *PgRepository) ListAvailableDates(ctx context.Context, from, to time.Time) ([]time.Time, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date
		FROM channeling_days
		WHERE date BETWEEN $1 AND $2
		  AND free_slots > 0
		ORDER BY date
	`, schedule.DateOf(from), schedule.DateOf(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dates []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		dates = append(dates, schedule.DateOf(d))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return dates, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByReference(ctx context.Context, ref string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE reference_number = $1
	`, ref)
	return scanAppointment(row)
}

func (r *PgRepository) FindExpiredPending(ctx context.Context, now time.Time, limit int) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE payment_status = 'pending'
		  AND appointment_status = 'waiting'
		  AND expires_at IS NOT NULL
		  AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) ListPendingReceipts(ctx context.Context, limit int) ([]PendingReceipt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+receiptColumns+`
		FROM receipt_outbox
		WHERE delivered_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending receipts: %w", err)
	}
	defer rows.Close()

	var result []PendingReceipt
	for rows.Next() {
		var pr PendingReceipt
		if err := rows.Scan(&pr.AppointmentID, &pr.PaymentID, &pr.AmountPaid, &pr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending receipt: %w", err)
		}
		result = append(result, pr)
	}
	return result, rows.Err()
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	return insertEvent(ctx, r.pool, ev)
}

func (r *PgRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockDay(ctx context.Context, date time.Time) (*schedule.Day, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT date, doctor_name, sessions, version
		FROM channeling_days
		WHERE date = $1
		FOR UPDATE
	`, schedule.DateOf(date))
	return scanDay(row)
}

func (t *pgTx) InsertDay(ctx context.Context, day *schedule.Day) error {
	sessions, err := json.Marshal(day.Sessions)
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}

	ct, err := t.tx.Exec(ctx, `
		INSERT INTO channeling_days (date, doctor_name, sessions, free_slots, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, now(), now())
		ON CONFLICT (date) DO NOTHING
	`, schedule.DateOf(day.Date), day.DoctorName, sessions, day.FreeSlots())
	if err != nil {
		return fmt.Errorf("insert channeling day: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: day %s created concurrently", ErrConflict, schedule.FormatDate(day.Date))
	}
	day.Version = 0
	return nil
}

func (t *pgTx) UpdateDay(ctx context.Context, day *schedule.Day) error {
	sessions, err := json.Marshal(day.Sessions)
	if err != nil {
		return fmt.Errorf("encode sessions: %w", err)
	}

	ct, err := t.tx.Exec(ctx, `
		UPDATE channeling_days
		SET sessions = $2,
		    doctor_name = $3,
		    free_slots = $4,
		    version = version + 1,
		    updated_at = now()
		WHERE date = $1
		  AND version = $5
	`, schedule.DateOf(day.Date), sessions, day.DoctorName, day.FreeSlots(), day.Version)
	if err != nil {
		return fmt.Errorf("update channeling day: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: day %s version %d is stale", ErrConflict, schedule.FormatDate(day.Date), day.Version)
	}
	day.Version++
	return nil
}

func (t *pgTx) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanAppointment(row)
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments (`+appointmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		a.ID,
		a.ReferenceNumber,
		a.PatientID,
		a.PatientContact,
		a.ChannelingDate,
		int16(a.SessionNumber),
		a.SlotIndex,
		a.StartingTime.String(),
		a.EndingTime.String(),
		a.DoctorName,
		a.PaymentID,
		a.PaymentAmount,
		a.PaymentStatus,
		a.AppointmentStatus,
		a.ExpiresAt,
		a.CreatedAt,
		a.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateReference, a.ReferenceNumber)
		}
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateAppointment(ctx context.Context, a *Appointment) error {
	ct, err := t.tx.Exec(ctx, `
		UPDATE appointments
		SET channeling_date = $2,
		    session_number = $3,
		    slot_index = $4,
		    starting_time = $5,
		    ending_time = $6,
		    payment_id = $7,
		    payment_status = $8,
		    appointment_status = $9,
		    expires_at = $10,
		    updated_at = $11
		WHERE id = $1
	`,
		a.ID,
		a.ChannelingDate,
		int16(a.SessionNumber),
		a.SlotIndex,
		a.StartingTime.String(),
		a.EndingTime.String(),
		a.PaymentID,
		a.PaymentStatus,
		a.AppointmentStatus,
		a.ExpiresAt,
		a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (t *pgTx) DeleteAppointment(ctx context.Context, id uuid.UUID) error {
	ct, err := t.tx.Exec(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (t *pgTx) MarkPaymentProcessed(ctx context.Context, paymentID string, appointmentID uuid.UUID) (uuid.UUID, error) {
	ct, err := t.tx.Exec(ctx, `
		INSERT INTO processed_payments (payment_id, appointment_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, paymentID, appointmentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mark payment processed: %w", err)
	}
	if ct.RowsAffected() > 0 {
		return uuid.Nil, nil
	}

	var owner uuid.UUID
	err = t.tx.QueryRow(ctx, `
		SELECT appointment_id FROM processed_payments WHERE payment_id = $1
	`, paymentID).Scan(&owner)
	if err != nil {
		return uuid.Nil, fmt.Errorf("load processed payment: %w", err)
	}
	return owner, nil
}

func (t *pgTx) EnqueueReceipt(ctx context.Context, r PendingReceipt) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO receipt_outbox (appointment_id, payment_id, amount_paid, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (appointment_id) DO NOTHING
	`, r.AppointmentID, r.PaymentID, r.AmountPaid, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("enqueue receipt: %w", err)
	}
	return nil
}

func (t *pgTx) LockPendingReceipt(ctx context.Context, appointmentID uuid.UUID) (PendingReceipt, bool, error) {
	var pr PendingReceipt
	err := t.tx.QueryRow(ctx, `
		SELECT `+receiptColumns+`
		FROM receipt_outbox
		WHERE appointment_id = $1 AND delivered_at IS NULL
		FOR UPDATE
	`, appointmentID).Scan(&pr.AppointmentID, &pr.PaymentID, &pr.AmountPaid, &pr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return PendingReceipt{}, false, nil
	}
	if err != nil {
		return PendingReceipt{}, false, fmt.Errorf("lock pending receipt: %w", err)
	}
	return pr, true, nil
}

func (t *pgTx) MarkReceiptDelivered(ctx context.Context, appointmentID uuid.UUID, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE receipt_outbox
		SET delivered_at = $2
		WHERE appointment_id = $1 AND delivered_at IS NULL
	`, appointmentID, at)
	if err != nil {
		return fmt.Errorf("mark receipt delivered: %w", err)
	}
	return nil
}

func (t *pgTx) InsertEvent(ctx context.Context, ev EventLog) error {
	return insertEvent(ctx, t.tx, ev)
}

func insertEvent(ctx context.Context, q interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}, ev EventLog) error {
	_, err := q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
