package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hackgods/channeling-scheduler/internal/schedule"
)

func (s *Service) GetDay(ctx context.Context, date time.Time) (*schedule.Day, error) {
	return s.repo.GetDay(ctx, date)
}

// ConfigureDay creates the day from session templates, or appends the
// templates' slots to an existing day. Existing slots are never rewritten.
func (s *Service) ConfigureDay(ctx context.Context, date time.Time, doctorName string, templates []schedule.SessionTemplate) (*schedule.Day, error) {
	date = schedule.DateOf(date)
	doctorName = strings.TrimSpace(doctorName)
	if len(templates) == 0 {
		return nil, fmt.Errorf("%w: at least one session template is required", ErrValidation)
	}

	var (
		out     *schedule.Day
		created bool
	)
	err := s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
		day, err := tx.LockDay(ctx, date)
		switch {
		case errors.Is(err, schedule.ErrDayNotFound):
			name := doctorName
			if name == "" {
				name = s.cfg.DoctorName
			}
			if day, err = schedule.NewDay(date, name, templates); err != nil {
				return fmt.Errorf("%w: %w", ErrValidation, err)
			}
			if err := tx.InsertDay(ctx, day); err != nil {
				return err
			}
			created = true
		case err != nil:
			return err
		default:
			if err := day.Extend(templates); err != nil {
				return fmt.Errorf("%w: %w", ErrValidation, err)
			}
			if doctorName != "" {
				day.DoctorName = doctorName
			}
			if err := tx.UpdateDay(ctx, day); err != nil {
				return err
			}
		}

		out = day
		return s.recordEvent(ctx, tx, nil, EventSlotTemplateUpdated, map[string]any{
			"date":       schedule.FormatDate(date),
			"created":    created,
			"templates":  templates,
			"free_slots": day.FreeSlots(),
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("channeling day configured",
		zap.String("date", schedule.FormatDate(date)),
		zap.Bool("created", created),
		zap.Int("free_slots", out.FreeSlots()),
	)
	return out, nil
}

// SetSlotActive toggles one slot. Deactivating a bound slot fails with
// schedule.ErrSlotBound.
func (s *Service) SetSlotActive(ctx context.Context, date time.Time, session, slotIndex int, active bool) (*schedule.Day, error) {
	if !schedule.ValidSession(session) {
		return nil, fmt.Errorf("%w: session %d", schedule.ErrSessionNotFound, session)
	}
	date = schedule.DateOf(date)

	var out *schedule.Day
	err := s.withLock(ctx, sessionLockKey(date, session), func(ctx context.Context) error {
		return s.repo.InTx(ctx, func(ctx context.Context, tx Tx) error {
			day, err := tx.LockDay(ctx, date)
			if err != nil {
				return err
			}
			if err := day.SetSlotActive(session, slotIndex, active); err != nil {
				return err
			}
			if err := tx.UpdateDay(ctx, day); err != nil {
				return err
			}
			out = day
			return s.recordEvent(ctx, tx, nil, EventSlotTemplateUpdated, map[string]any{
				"date":       schedule.FormatDate(date),
				"session":    session,
				"slot_index": slotIndex,
				"active":     active,
			})
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("slot toggled",
		zap.String("date", schedule.FormatDate(date)),
		zap.Int("session", session),
		zap.Int("slot_index", slotIndex),
		zap.Bool("active", active),
	)
	return out, nil
}
