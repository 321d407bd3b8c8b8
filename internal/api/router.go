package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"

	"github.com/hackgods/channeling-scheduler/internal/logger"
)

type RouterConfig struct {
	Service    AppointmentService
	Reconciler PaymentReconciler
	Health     *HealthHandler
	// Metrics serves /metrics when set.
	Metrics      http.Handler
	Logger       *zap.Logger
	CORSOrigins  []string
	RateLimitRPS int
}

func NewRouter(cfg RouterConfig) http.Handler {
	log := logger.OrNop(cfg.Logger)
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		if cfg.RateLimitRPS > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimitRPS, time.Second))
		}

		svc := cfg.Service
		r.Get("/availability", availabilityHandler(svc, log))

		r.Route("/days/{date}", func(r chi.Router) {
			r.Get("/", getDayHandler(svc, log))
			r.Put("/", configureDayHandler(svc, log))
			r.Get("/sessions/{session}/next-free", nextFreeSlotHandler(svc, log))
			r.Patch("/sessions/{session}/slots/{index}", setSlotActiveHandler(svc, log))
		})

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", createAppointmentHandler(svc, log))
			r.Get("/by-reference/{ref}", getAppointmentByReferenceHandler(svc, log))
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", getAppointmentHandler(svc, log))
				r.Delete("/", deleteAppointmentHandler(svc, log))
				r.Put("/status", setStatusHandler(svc, log))
				r.Post("/cancel", cancelAppointmentHandler(svc, log))
				r.Post("/reschedule", rescheduleHandler(svc, log))
				r.Post("/payment/confirm", confirmPaymentHandler(cfg.Reconciler, log))
				r.Post("/payment/abandon", abandonPaymentHandler(cfg.Reconciler, log))
			})
		})
	})

	return r
}
