package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/channeling-scheduler/internal/appointment"
	"github.com/hackgods/channeling-scheduler/internal/reconcile"
	"github.com/hackgods/channeling-scheduler/internal/schedule"
)

// AppointmentService is the booking surface the HTTP layer drives.
type AppointmentService interface {
	CreateAppointment(ctx context.Context, req appointment.CreateRequest) (*appointment.Booking, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	GetAppointmentByReference(ctx context.Context, ref string) (*appointment.Appointment, error)
	CancelAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	SetClinicalStatus(ctx context.Context, id uuid.UUID, status appointment.AppointmentStatus) (*appointment.Appointment, error)
	RescheduleAppointment(ctx context.Context, id uuid.UUID, newDate time.Time, newSession int) (*appointment.Appointment, error)
	DeleteAppointment(ctx context.Context, id uuid.UUID) error
	GetNextFreeSlot(ctx context.Context, date time.Time, session int) (appointment.SlotView, bool, error)
	ListAvailableDates(ctx context.Context, from, to time.Time) ([]time.Time, error)
	GetDay(ctx context.Context, date time.Time) (*schedule.Day, error)
	ConfigureDay(ctx context.Context, date time.Time, doctorName string, templates []schedule.SessionTemplate) (*schedule.Day, error)
	SetSlotActive(ctx context.Context, date time.Time, session, slotIndex int, active bool) (*schedule.Day, error)
}

// PaymentReconciler handles gateway callbacks.
type PaymentReconciler interface {
	OnPaymentConfirmed(ctx context.Context, appointmentID uuid.UUID, paymentID string, amountPaid int64) (*reconcile.Result, error)
	OnPaymentAbandoned(ctx context.Context, appointmentID uuid.UUID) (*appointment.Appointment, error)
}

func createAppointmentHandler(svc AppointmentService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		patientID, err := uuid.Parse(req.PatientID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_patient_id", "patient_id must be a valid UUID")
			return
		}
		date, err := schedule.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date_format", err.Error())
			return
		}

		booking, err := svc.CreateAppointment(r.Context(), appointment.CreateRequest{
			PatientID:      patientID,
			PatientContact: req.PatientContact,
			Date:           date,
			SessionNumber:  req.SessionNumber,
			Amount:         req.Amount,
		})
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusCreated, toBookingResponse(booking))
	}
}

func getAppointmentHandler(svc AppointmentService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}
		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func getAppointmentByReferenceHandler(svc AppointmentService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appt, err := svc.GetAppointmentByReference(r.Context(), chi.URLParam(r, "ref"))
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func confirmPaymentHandler(rec PaymentReconciler, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}
		var req ConfirmPaymentRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		res, err := rec.OnPaymentConfirmed(r.Context(), id, req.PaymentID, req.AmountPaid)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toReconciliationResponse(res))
	}
}

func abandonPaymentHandler(rec PaymentReconciler, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}
		appt, err := rec.OnPaymentAbandoned(r.Context(), id)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func cancelAppointmentHandler(svc AppointmentService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}
		appt, err := svc.CancelAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func setStatusHandler(svc AppointmentService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}
		var req StatusRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		appt, err := svc.SetClinicalStatus(r.Context(), id, appointment.AppointmentStatus(req.Status))
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func rescheduleHandler(svc AppointmentService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}
		var req RescheduleRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		date, err := schedule.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date_format", err.Error())
			return
		}
		appt, err := svc.RescheduleAppointment(r.Context(), id, date, req.SessionNumber)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func deleteAppointmentHandler(svc AppointmentService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := appointmentIDParam(w, r)
		if !ok {
			return
		}
		if err := svc.DeleteAppointment(r.Context(), id); err != nil {
			writeServiceError(w, log, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func availabilityHandler(svc AppointmentService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		from, err := schedule.ParseDate(q.Get("from"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date_format", "from: "+err.Error())
			return
		}
		to, err := schedule.ParseDate(q.Get("to"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_date_format", "to: "+err.Error())
			return
		}
		dates, err := svc.ListAvailableDates(r.Context(), from, to)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		resp := AvailabilityResponse{
			From:  schedule.FormatDate(from),
			To:    schedule.FormatDate(to),
			Dates: make([]string, 0, len(dates)),
		}
		for _, d := range dates {
			resp.Dates = append(resp.Dates, schedule.FormatDate(d))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getDayHandler(svc AppointmentService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := dateParam(w, r)
		if !ok {
			return
		}
		day, err := svc.GetDay(r.Context(), date)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, day)
	}
}

func configureDayHandler(svc AppointmentService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := dateParam(w, r)
		if !ok {
			return
		}
		var req ConfigureDayRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		templates := make([]schedule.SessionTemplate, 0, len(req.Sessions))
		for _, s := range req.Sessions {
			start, err := schedule.ParseClock(s.Start)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_time_format", err.Error())
				return
			}
			end, err := schedule.ParseClock(s.End)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_time_format", err.Error())
				return
			}
			templates = append(templates, schedule.SessionTemplate{
				Number:     s.Number,
				Start:      start,
				End:        end,
				SlotLength: time.Duration(s.SlotMinutes) * time.Minute,
			})
		}
		day, err := svc.ConfigureDay(r.Context(), date, req.DoctorName, templates)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, day)
	}
}

func setSlotActiveHandler(svc AppointmentService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := dateParam(w, r)
		if !ok {
			return
		}
		session, ok := intParam(w, r, "session")
		if !ok {
			return
		}
		index, ok := intParam(w, r, "index")
		if !ok {
			return
		}
		var req SlotToggleRequest
		if !decodeAndValidate(w, r, &req) {
			return
		}
		day, err := svc.SetSlotActive(r.Context(), date, session, index, *req.Active)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		writeJSON(w, http.StatusOK, day)
	}
}

func nextFreeSlotHandler(svc AppointmentService, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		date, ok := dateParam(w, r)
		if !ok {
			return
		}
		session, ok := intParam(w, r, "session")
		if !ok {
			return
		}
		view, found, err := svc.GetNextFreeSlot(r.Context(), date, session)
		if err != nil {
			writeServiceError(w, log, err)
			return
		}
		resp := NextFreeResponse{
			Available:     found,
			Date:          schedule.FormatDate(date),
			SessionNumber: session,
		}
		if found {
			resp.Position = view.Position
			resp.Start = view.Start.String()
			resp.End = view.End.String()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func appointmentIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func dateParam(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	date, err := schedule.ParseDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_date_format", err.Error())
		return time.Time{}, false
	}
	return date, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	n, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+name, name+" must be an integer")
		return 0, false
	}
	return n, true
}
