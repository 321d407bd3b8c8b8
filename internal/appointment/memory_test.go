package appointment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/channeling-scheduler/internal/config"
	"github.com/hackgods/channeling-scheduler/internal/payment"
	redisclient "github.com/hackgods/channeling-scheduler/internal/redis"
	"github.com/hackgods/channeling-scheduler/internal/schedule"
)

// memRepo is an in-memory Repository. A transaction holds the store mutex for
// its whole life and works on copies that are published only on commit.
type memRepo struct {
	mu       sync.Mutex
	days     map[string]*schedule.Day
	appts    map[uuid.UUID]*Appointment
	payments map[string]uuid.UUID
	refs     map[string]uuid.UUID
	receipts map[uuid.UUID]*memReceipt
	events   []EventLog
}

type memReceipt struct {
	PendingReceipt
	delivered bool
}

func newMemRepo() *memRepo {
	return &memRepo{
		days:     map[string]*schedule.Day{},
		appts:    map[uuid.UUID]*Appointment{},
		payments: map[string]uuid.UUID{},
		refs:     map[string]uuid.UUID{},
		receipts: map[uuid.UUID]*memReceipt{},
	}
}

func copyAppointment(a *Appointment) *Appointment {
	c := *a
	if a.PaymentID != nil {
		id := *a.PaymentID
		c.PaymentID = &id
	}
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func (m *memRepo) GetDay(_ context.Context, date time.Time) (*schedule.Day, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.days[schedule.FormatDate(date)]
	if !ok {
		return nil, schedule.ErrDayNotFound
	}
	return d.Clone(), nil
}

func (m *memRepo) ListAvailableDates(_ context.Context, from, to time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var inRange []*schedule.Day
	for _, d := range m.days {
		if !d.Date.Before(from) && !d.Date.After(to) {
			inRange = append(inRange, d)
		}
	}
	return schedule.AvailableDates(inRange), nil
}

func (m *memRepo) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return copyAppointment(a), nil
}

func (m *memRepo) GetAppointmentByReference(_ context.Context, ref string) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.refs[ref]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return copyAppointment(m.appts[id]), nil
}

func (m *memRepo) FindExpiredPending(_ context.Context, now time.Time, limit int) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Appointment
	for _, a := range m.appts {
		if a.PaymentStatus == PaymentPending && a.AppointmentStatus == StatusWaiting &&
			a.ExpiresAt != nil && a.ExpiresAt.Before(now) {
			out = append(out, *copyAppointment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) ListPendingReceipts(_ context.Context, limit int) ([]PendingReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingReceipt
	for _, r := range m.receipts {
		if !r.delivered {
			out = append(out, r.PendingReceipt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepo) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memRepo) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		repo:     m,
		days:     map[string]*schedule.Day{},
		appts:    map[uuid.UUID]*Appointment{},
		deleted:  map[uuid.UUID]bool{},
		payments: map[string]uuid.UUID{},
		receipts: map[uuid.UUID]*memReceipt{},
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (m *memRepo) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.EventType)
	}
	return out
}

func (m *memRepo) putDay(t *testing.T, day *schedule.Day) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.days[schedule.FormatDate(day.Date)] = day.Clone()
}

type memTx struct {
	repo     *memRepo
	days     map[string]*schedule.Day
	appts    map[uuid.UUID]*Appointment
	deleted  map[uuid.UUID]bool
	payments map[string]uuid.UUID
	receipts map[uuid.UUID]*memReceipt
	events   []EventLog
}

func (t *memTx) currentDay(key string) (*schedule.Day, bool) {
	if d, ok := t.days[key]; ok {
		return d, true
	}
	d, ok := t.repo.days[key]
	return d, ok
}

func (t *memTx) LockDay(_ context.Context, date time.Time) (*schedule.Day, error) {
	d, ok := t.currentDay(schedule.FormatDate(date))
	if !ok {
		return nil, schedule.ErrDayNotFound
	}
	return d.Clone(), nil
}

func (t *memTx) InsertDay(_ context.Context, day *schedule.Day) error {
	key := schedule.FormatDate(day.Date)
	if _, ok := t.currentDay(key); ok {
		return ErrConflict
	}
	day.Version = 0
	t.days[key] = day.Clone()
	return nil
}

func (t *memTx) UpdateDay(_ context.Context, day *schedule.Day) error {
	key := schedule.FormatDate(day.Date)
	cur, ok := t.currentDay(key)
	if !ok || cur.Version != day.Version {
		return ErrConflict
	}
	day.Version++
	t.days[key] = day.Clone()
	return nil
}

func (t *memTx) currentAppointment(id uuid.UUID) (*Appointment, bool) {
	if t.deleted[id] {
		return nil, false
	}
	if a, ok := t.appts[id]; ok {
		return a, true
	}
	a, ok := t.repo.appts[id]
	return a, ok
}

func (t *memTx) LockAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := t.currentAppointment(id)
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return copyAppointment(a), nil
}

func (t *memTx) InsertAppointment(_ context.Context, a *Appointment) error {
	if _, ok := t.repo.refs[a.ReferenceNumber]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, a.ReferenceNumber)
	}
	t.appts[a.ID] = copyAppointment(a)
	return nil
}

func (t *memTx) UpdateAppointment(_ context.Context, a *Appointment) error {
	if _, ok := t.currentAppointment(a.ID); !ok {
		return ErrAppointmentNotFound
	}
	t.appts[a.ID] = copyAppointment(a)
	return nil
}

func (t *memTx) DeleteAppointment(_ context.Context, id uuid.UUID) error {
	if _, ok := t.currentAppointment(id); !ok {
		return ErrAppointmentNotFound
	}
	delete(t.appts, id)
	t.deleted[id] = true
	return nil
}

func (t *memTx) MarkPaymentProcessed(_ context.Context, paymentID string, appointmentID uuid.UUID) (uuid.UUID, error) {
	if owner, ok := t.repo.payments[paymentID]; ok {
		return owner, nil
	}
	if owner, ok := t.payments[paymentID]; ok {
		return owner, nil
	}
	t.payments[paymentID] = appointmentID
	return uuid.Nil, nil
}

func (t *memTx) currentReceipt(id uuid.UUID) (*memReceipt, bool) {
	if r, ok := t.receipts[id]; ok {
		return r, true
	}
	r, ok := t.repo.receipts[id]
	return r, ok
}

func (t *memTx) EnqueueReceipt(_ context.Context, r PendingReceipt) error {
	if _, ok := t.currentReceipt(r.AppointmentID); ok {
		return nil
	}
	t.receipts[r.AppointmentID] = &memReceipt{PendingReceipt: r}
	return nil
}

func (t *memTx) LockPendingReceipt(_ context.Context, id uuid.UUID) (PendingReceipt, bool, error) {
	r, ok := t.currentReceipt(id)
	if !ok || r.delivered {
		return PendingReceipt{}, false, nil
	}
	return r.PendingReceipt, true, nil
}

func (t *memTx) MarkReceiptDelivered(_ context.Context, id uuid.UUID, _ time.Time) error {
	r, ok := t.currentReceipt(id)
	if !ok || r.delivered {
		return nil
	}
	t.receipts[id] = &memReceipt{PendingReceipt: r.PendingReceipt, delivered: true}
	return nil
}

func (t *memTx) InsertEvent(_ context.Context, ev EventLog) error {
	t.events = append(t.events, ev)
	return nil
}

func (t *memTx) commit() {
	for k, d := range t.days {
		t.repo.days[k] = d
	}
	for id, a := range t.appts {
		t.repo.appts[id] = a
		t.repo.refs[a.ReferenceNumber] = id
	}
	for id := range t.deleted {
		if a, ok := t.repo.appts[id]; ok {
			delete(t.repo.refs, a.ReferenceNumber)
		}
		delete(t.repo.appts, id)
	}
	for p, id := range t.payments {
		t.repo.payments[p] = id
	}
	for id, r := range t.receipts {
		t.repo.receipts[id] = r
	}
	t.repo.events = append(t.repo.events, t.events...)
}

// memLocker serializes callers per key and blocks until the key is free.
type memLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMemLocker() *memLocker {
	return &memLocker{locks: map[string]*sync.Mutex{}}
}

func (l *memLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

type busyLocker struct{}

func (busyLocker) WithLock(context.Context, string, func(ctx context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

type stubGateway struct {
	err   error
	calls atomic.Int32
}

func (g *stubGateway) CreateSession(_ context.Context, req payment.Request) (*payment.Session, error) {
	g.calls.Add(1)
	if g.err != nil {
		return nil, g.err
	}
	return &payment.Session{SessionID: "ps_" + req.AppointmentID.String(), CheckoutURL: "https://pay.test/" + req.ReferenceNumber}, nil
}

var (
	testNow  = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	testDate = time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
)

// testClock is a mutable clock safe for concurrent readers.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	svc     *Service
	repo    *memRepo
	gateway *stubGateway
	clock   *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := newMemRepo()
	gw := &stubGateway{}
	clock := &testClock{now: testNow}
	cfg := config.Config{
		AppointmentTTL:       10 * time.Minute,
		DoctorName:           "Dr. Test",
		AvailabilityMaxRange: 31,
	}
	svc := NewService(repo, newMemLocker(), gw, nil, nil, cfg)
	svc.now = clock.Now
	return &testEnv{svc: svc, repo: repo, gateway: gw, clock: clock}
}

// addDay stores a day whose session 1 has slots ten minutes apart from 08:00.
func (e *testEnv) addDay(t *testing.T, date time.Time, session1Slots int) *schedule.Day {
	t.Helper()
	templates := []schedule.SessionTemplate{
		{Number: 1, Start: 8 * 60, End: schedule.Clock(8*60 + 10*session1Slots), SlotLength: 10 * time.Minute},
		{Number: 2, Start: 13 * 60, End: 13*60 + 20, SlotLength: 10 * time.Minute},
	}
	day, err := schedule.NewDay(date, "Dr. Test", templates)
	require.NoError(t, err)
	e.repo.putDay(t, day)
	return day
}

func (e *testEnv) create(t *testing.T, date time.Time, session int) *Appointment {
	t.Helper()
	b, err := e.svc.CreateAppointment(context.Background(), CreateRequest{
		PatientID:      uuid.New(),
		PatientContact: "+94771234567",
		Date:           date,
		SessionNumber:  session,
		Amount:         1000,
	})
	require.NoError(t, err)
	return b.Appointment
}

func (e *testEnv) confirmed(t *testing.T, date time.Time, session int) *Appointment {
	t.Helper()
	a := e.create(t, date, session)
	confirmed, changed, err := e.svc.ConfirmPayment(context.Background(), a.ID, "pay_"+a.ID.String(), a.PaymentAmount)
	require.NoError(t, err)
	require.True(t, changed)
	return confirmed
}
