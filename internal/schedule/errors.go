package schedule

import "errors"

var (
	ErrDayNotFound     = errors.New("channeling day not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrSlotNotFound    = errors.New("slot not found")
	ErrNoCapacity      = errors.New("no free slot left in session")
	ErrSlotBound       = errors.New("slot is bound to a live appointment")
	ErrInvalidTemplate = errors.New("invalid schedule template")
)
