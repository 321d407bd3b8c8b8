package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"go.uber.org/zap"

	"github.com/hackgods/channeling-scheduler/internal/appointment"
	"github.com/hackgods/channeling-scheduler/internal/config"
	"github.com/hackgods/channeling-scheduler/internal/db"
	"github.com/hackgods/channeling-scheduler/internal/logger"
	"github.com/hackgods/channeling-scheduler/internal/payment"
	"github.com/hackgods/channeling-scheduler/internal/schedule"
)

// seed opens channeling days for the next SEED_DAYS days, skipping Sundays.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("config load error: " + err.Error())
	}

	log, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	days := getInt("SEED_DAYS", 30)
	slotLength := getDuration("SEED_SLOT_LENGTH", 10*time.Minute)
	log.Info("seed starting", zap.Int("days", days), zap.Duration("slot_length", slotLength))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		log.Fatal("migrate", zap.Error(err))
	}

	// Day configuration runs inside a row-locked transaction and takes no Redis lock.
	svc := appointment.NewService(appointment.NewPgRepository(pool), nil, payment.NewFakeGateway(cfg.PublicBaseURL), nil, log, cfg)

	templates := schedule.DefaultTemplates(slotLength)

	today := schedule.DateOf(time.Now().UTC())
	seeded := 0
	for i := 0; i < days; i++ {
		date := today.AddDate(0, 0, i)
		if date.Weekday() == time.Sunday {
			continue
		}
		if _, err := svc.GetDay(ctx, date); err == nil {
			log.Info("day already configured, skipped", zap.String("date", schedule.FormatDate(date)))
			continue
		} else if !errors.Is(err, schedule.ErrDayNotFound) {
			log.Fatal("load day", zap.String("date", schedule.FormatDate(date)), zap.Error(err))
		}

		doctor := "Dr. " + gofakeit.FirstName() + " " + gofakeit.LastName()
		day, err := svc.ConfigureDay(ctx, date, doctor, templates)
		if err != nil {
			log.Fatal("configure day", zap.String("date", schedule.FormatDate(date)), zap.Error(err))
		}
		seeded++
		log.Info("day seeded",
			zap.String("date", schedule.FormatDate(date)),
			zap.String("doctor", day.DoctorName),
			zap.Int("free_slots", day.FreeSlots()),
		)
	}

	log.Info("seed complete", zap.Int("days_seeded", seeded))
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
