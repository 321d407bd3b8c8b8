package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/channeling-scheduler/internal/appointment"
	"github.com/hackgods/channeling-scheduler/internal/payment"
	"github.com/hackgods/channeling-scheduler/internal/reconcile"
	"github.com/hackgods/channeling-scheduler/internal/schedule"
)

var testDate = time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)

// fakeService answers every call with appt unless err is set.
type fakeService struct {
	appt  *appointment.Appointment
	err   error
	calls []string

	lastCreate     appointment.CreateRequest
	lastStatus     appointment.AppointmentStatus
	lastTemplates  []schedule.SessionTemplate
	lastActive     bool
	nextFree       appointment.SlotView
	nextFreeFound  bool
	availableDates []time.Time
}

func sampleAppointment() *appointment.Appointment {
	expires := time.Date(2026, 10, 16, 9, 10, 0, 0, time.UTC)
	return &appointment.Appointment{
		ID:                uuid.MustParse("0b9f0f8e-43a1-4d3c-9a77-1c2b3d4e5f60"),
		ReferenceNumber:   "CH261020-0A1B2C3D",
		PatientID:         uuid.MustParse("7c1d2e3f-4a5b-4c6d-8e7f-8091a2b3c4d5"),
		PatientContact:    "+94771234567",
		ChannelingDate:    testDate,
		SessionNumber:     1,
		SlotIndex:         2,
		StartingTime:      8*60 + 20,
		EndingTime:        8*60 + 30,
		DoctorName:        "Dr. Test",
		PaymentAmount:     2500,
		PaymentStatus:     appointment.PaymentPending,
		AppointmentStatus: appointment.StatusWaiting,
		ExpiresAt:         &expires,
	}
}

func (f *fakeService) result(call string) (*appointment.Appointment, error) {
	f.calls = append(f.calls, call)
	if f.err != nil {
		return nil, f.err
	}
	return f.appt, nil
}

func (f *fakeService) CreateAppointment(_ context.Context, req appointment.CreateRequest) (*appointment.Booking, error) {
	f.lastCreate = req
	a, err := f.result("create")
	if err != nil {
		return nil, err
	}
	return &appointment.Booking{
		Appointment: a,
		Position:    a.SlotIndex + 1,
		Payment:     &payment.Session{SessionID: "fake:1", CheckoutURL: "http://localhost/payments/fake/1"},
	}, nil
}

func (f *fakeService) GetAppointment(context.Context, uuid.UUID) (*appointment.Appointment, error) {
	return f.result("get")
}

func (f *fakeService) GetAppointmentByReference(context.Context, string) (*appointment.Appointment, error) {
	return f.result("by_reference")
}

func (f *fakeService) CancelAppointment(context.Context, uuid.UUID) (*appointment.Appointment, error) {
	return f.result("cancel")
}

func (f *fakeService) SetClinicalStatus(_ context.Context, _ uuid.UUID, status appointment.AppointmentStatus) (*appointment.Appointment, error) {
	f.lastStatus = status
	return f.result("status")
}

func (f *fakeService) RescheduleAppointment(context.Context, uuid.UUID, time.Time, int) (*appointment.Appointment, error) {
	return f.result("reschedule")
}

func (f *fakeService) DeleteAppointment(context.Context, uuid.UUID) error {
	_, err := f.result("delete")
	return err
}

func (f *fakeService) GetNextFreeSlot(context.Context, time.Time, int) (appointment.SlotView, bool, error) {
	f.calls = append(f.calls, "next_free")
	return f.nextFree, f.nextFreeFound, f.err
}

func (f *fakeService) ListAvailableDates(context.Context, time.Time, time.Time) ([]time.Time, error) {
	f.calls = append(f.calls, "available")
	return f.availableDates, f.err
}

func (f *fakeService) GetDay(_ context.Context, date time.Time) (*schedule.Day, error) {
	f.calls = append(f.calls, "get_day")
	if f.err != nil {
		return nil, f.err
	}
	return schedule.NewDay(date, "Dr. Test", schedule.DefaultTemplates(10*time.Minute))
}

func (f *fakeService) ConfigureDay(_ context.Context, date time.Time, doctorName string, templates []schedule.SessionTemplate) (*schedule.Day, error) {
	f.calls = append(f.calls, "configure_day")
	f.lastTemplates = templates
	if f.err != nil {
		return nil, f.err
	}
	return schedule.NewDay(date, doctorName, templates)
}

func (f *fakeService) SetSlotActive(_ context.Context, date time.Time, _, _ int, active bool) (*schedule.Day, error) {
	f.calls = append(f.calls, "slot_active")
	f.lastActive = active
	if f.err != nil {
		return nil, f.err
	}
	return schedule.NewDay(date, "Dr. Test", schedule.DefaultTemplates(10*time.Minute))
}

type fakeReconciler struct {
	result *reconcile.Result
	err    error
}

func (f *fakeReconciler) OnPaymentConfirmed(context.Context, uuid.UUID, string, int64) (*reconcile.Result, error) {
	return f.result, f.err
}

func (f *fakeReconciler) OnPaymentAbandoned(context.Context, uuid.UUID) (*appointment.Appointment, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result.Appointment, nil
}

func newTestRouter(svc *fakeService, rec *fakeReconciler) http.Handler {
	if rec == nil {
		rec = &fakeReconciler{}
	}
	return NewRouter(RouterConfig{Service: svc, Reconciler: rec})
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func validCreateBody() map[string]any {
	return map[string]any{
		"patient_id":      "7c1d2e3f-4a5b-4c6d-8e7f-8091a2b3c4d5",
		"patient_contact": "+94771234567",
		"date":            "2026-10-20",
		"session_number":  1,
		"amount":          2500,
	}
}

func TestCreateAppointment(t *testing.T) {
	svc := &fakeService{appt: sampleAppointment()}
	rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/appointments", validCreateBody())

	require.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[BookingResponse](t, rec)
	assert.Equal(t, "CH261020-0A1B2C3D", resp.ReferenceNumber)
	assert.Equal(t, 3, resp.Position)
	assert.Equal(t, "08:20", resp.Start)
	assert.Equal(t, "2026-10-20", resp.Date)
	assert.Equal(t, "pending", resp.PaymentStatus)
	assert.Equal(t, "http://localhost/payments/fake/1", resp.CheckoutURL)

	assert.Equal(t, testDate, svc.lastCreate.Date)
	assert.Equal(t, 1, svc.lastCreate.SessionNumber)
	assert.Equal(t, int64(2500), svc.lastCreate.Amount)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestCreateAppointmentRejectsInvalidBody(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m map[string]any)
	}{
		{"missing patient id", func(m map[string]any) { delete(m, "patient_id") }},
		{"patient id not uuid", func(m map[string]any) { m["patient_id"] = "abc" }},
		{"session out of range", func(m map[string]any) { m["session_number"] = 4 }},
		{"zero amount", func(m map[string]any) { m["amount"] = 0 }},
		{"bad date", func(m map[string]any) { m["date"] = "20/10/2026" }},
		{"unknown field", func(m map[string]any) { m["slot_id"] = "x" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{appt: sampleAppointment()}
			body := validCreateBody()
			tt.mutate(body)

			rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/appointments", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, svc.calls)
		})
	}
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: %w", appointment.ErrValidation, schedule.ErrSessionNotFound), http.StatusBadRequest, "validation_failed"},
		{appointment.ErrInvalidDate, http.StatusUnprocessableEntity, "invalid_date"},
		{fmt.Errorf("%w: %w", appointment.ErrSlotUnavailable, schedule.ErrNoCapacity), http.StatusConflict, "slot_unavailable"},
		{appointment.ErrConflict, http.StatusConflict, "conflict"},
		{appointment.ErrPaymentUnavailable, http.StatusBadGateway, "payment_unavailable"},
		{appointment.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
		{errors.New("disk on fire"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			svc := &fakeService{err: tt.err}
			rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/appointments", validCreateBody())

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, rec).Error)
		})
	}
}

func TestConflictSetsRetryAfter(t *testing.T) {
	svc := &fakeService{err: appointment.ErrConflict}
	rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/appointments/"+sampleAppointment().ID.String()+"/cancel", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestTransitionErrorsAreConflicts(t *testing.T) {
	id := sampleAppointment().ID.String()
	for _, err := range []error{appointment.ErrState, appointment.ErrAlreadyFinalized, schedule.ErrSlotBound} {
		svc := &fakeService{err: err}
		rec := do(t, newTestRouter(svc, nil), http.MethodPut, "/appointments/"+id+"/status", map[string]any{"status": "attending"})
		assert.Equal(t, http.StatusConflict, rec.Code, err.Error())
	}
}

func TestGetAppointment(t *testing.T) {
	svc := &fakeService{appt: sampleAppointment()}
	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodGet, "/appointments/"+sampleAppointment().ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sampleAppointment().ID, decode[AppointmentResponse](t, rec).ID)

	rec = do(t, h, http.MethodGet, "/appointments/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/appointments/by-reference/ch261020-0a1b2c3d", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"get", "by_reference"}, svc.calls)
}

func TestSetStatus(t *testing.T) {
	svc := &fakeService{appt: sampleAppointment()}
	h := newTestRouter(svc, nil)
	path := "/appointments/" + sampleAppointment().ID.String() + "/status"

	rec := do(t, h, http.MethodPut, path, map[string]any{"status": "no-show"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, appointment.StatusNoShow, svc.lastStatus)

	rec = do(t, h, http.MethodPut, path, map[string]any{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteAppointment(t *testing.T) {
	svc := &fakeService{appt: sampleAppointment()}
	rec := do(t, newTestRouter(svc, nil), http.MethodDelete, "/appointments/"+sampleAppointment().ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"delete"}, svc.calls)
}

func TestReschedule(t *testing.T) {
	svc := &fakeService{appt: sampleAppointment()}
	path := "/appointments/" + sampleAppointment().ID.String() + "/reschedule"

	rec := do(t, newTestRouter(svc, nil), http.MethodPost, path, map[string]any{"date": "2026-10-21", "session_number": 2})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, newTestRouter(svc, nil), http.MethodPost, path, map[string]any{"date": "2026-10-21"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfirmPayment(t *testing.T) {
	confirmed := sampleAppointment()
	paymentID := "pay_1"
	confirmed.PaymentID = &paymentID
	confirmed.PaymentStatus = appointment.PaymentCompleted
	rec := &fakeReconciler{result: &reconcile.Result{
		Appointment: confirmed,
		Confirmed:   true,
		Notified:    true,
		Mismatch:    &reconcile.AmountMismatch{AppointmentID: confirmed.ID, Expected: 2500, Paid: 2000},
	}}
	h := newTestRouter(&fakeService{}, rec)
	path := "/appointments/" + confirmed.ID.String() + "/payment/confirm"

	resp := do(t, h, http.MethodPost, path, map[string]any{"payment_id": "pay_1", "amount_paid": 2000})
	require.Equal(t, http.StatusOK, resp.Code)
	body := decode[ReconciliationResponse](t, resp)
	assert.True(t, body.Confirmed)
	assert.True(t, body.Notified)
	assert.Equal(t, "completed", body.Appointment.PaymentStatus)
	require.NotNil(t, body.AmountMismatch)
	assert.Equal(t, int64(2000), body.AmountMismatch.Paid)

	resp = do(t, h, http.MethodPost, path, map[string]any{"amount_paid": 2000})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestConfirmPaymentRejectedAfterAbandon(t *testing.T) {
	rec := &fakeReconciler{err: appointment.ErrAlreadyFinalized}
	h := newTestRouter(&fakeService{}, rec)

	resp := do(t, h, http.MethodPost, "/appointments/"+uuid.NewString()+"/payment/confirm", map[string]any{"payment_id": "pay_1", "amount_paid": 1})
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "already_finalized", decode[ErrorResponse](t, resp).Error)
}

func TestAbandonPayment(t *testing.T) {
	cancelled := sampleAppointment()
	cancelled.PaymentStatus = appointment.PaymentCancelled
	cancelled.AppointmentStatus = appointment.StatusCancelled
	h := newTestRouter(&fakeService{}, &fakeReconciler{result: &reconcile.Result{Appointment: cancelled}})

	resp := do(t, h, http.MethodPost, "/appointments/"+cancelled.ID.String()+"/payment/abandon", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "cancelled", decode[AppointmentResponse](t, resp).AppointmentStatus)
}

func TestNextFreeSlot(t *testing.T) {
	svc := &fakeService{
		nextFree:      appointment.SlotView{Date: testDate, SessionNumber: 2, Position: 4, Start: 13*60 + 30, End: 13*60 + 40},
		nextFreeFound: true,
	}
	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodGet, "/days/2026-10-20/sessions/2/next-free", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[NextFreeResponse](t, rec)
	assert.True(t, resp.Available)
	assert.Equal(t, 4, resp.Position)
	assert.Equal(t, "13:30", resp.Start)

	svc.nextFreeFound = false
	rec = do(t, h, http.MethodGet, "/days/2026-10-20/sessions/2/next-free", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = decode[NextFreeResponse](t, rec)
	assert.False(t, resp.Available)
	assert.Empty(t, resp.Start)

	rec = do(t, h, http.MethodGet, "/days/2026-10-20/sessions/two/next-free", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAvailability(t *testing.T) {
	svc := &fakeService{availableDates: []time.Time{testDate, testDate.AddDate(0, 0, 2)}}
	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodGet, "/availability?from=2026-10-20&to=2026-10-25", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"2026-10-20", "2026-10-22"}, decode[AvailabilityResponse](t, rec).Dates)

	rec = do(t, h, http.MethodGet, "/availability?from=2026-10-20", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfigureDay(t *testing.T) {
	svc := &fakeService{}
	body := map[string]any{
		"doctor_name": "Dr. Perera",
		"sessions": []map[string]any{
			{"number": 1, "start": "08:00", "end": "09:00", "slot_minutes": 15},
		},
	}
	rec := do(t, newTestRouter(svc, nil), http.MethodPut, "/days/2026-10-20", body)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, svc.lastTemplates, 1)
	assert.Equal(t, schedule.Clock(8*60), svc.lastTemplates[0].Start)
	assert.Equal(t, 15*time.Minute, svc.lastTemplates[0].SlotLength)

	day := decode[schedule.Day](t, rec)
	assert.Equal(t, "Dr. Perera", day.DoctorName)
	assert.Len(t, day.Sessions[0].Slots, 4)
}

func TestConfigureDayRejectsBadClock(t *testing.T) {
	svc := &fakeService{}
	body := map[string]any{
		"sessions": []map[string]any{{"number": 1, "start": "8am", "end": "09:00", "slot_minutes": 15}},
	}
	rec := do(t, newTestRouter(svc, nil), http.MethodPut, "/days/2026-10-20", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.calls)
}

func TestSetSlotActive(t *testing.T) {
	svc := &fakeService{}
	h := newTestRouter(svc, nil)

	rec := do(t, h, http.MethodPatch, "/days/2026-10-20/sessions/1/slots/3", map[string]any{"active": false})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, svc.lastActive)

	rec = do(t, h, http.MethodPatch, "/days/2026-10-20/sessions/1/slots/3", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.err = schedule.ErrSlotBound
	rec = do(t, h, http.MethodPatch, "/days/2026-10-20/sessions/1/slots/3", map[string]any{"active": false})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetDayNotFound(t *testing.T) {
	svc := &fakeService{err: schedule.ErrDayNotFound}
	rec := do(t, newTestRouter(svc, nil), http.MethodGet, "/days/2026-10-20", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
