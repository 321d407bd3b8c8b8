package schedule

import (
	"fmt"
	"time"
)

// SessionTemplate describes a session window cut into equal slots.
type SessionTemplate struct {
	Number     int           `json:"number"`
	Start      Clock         `json:"start"`
	End        Clock         `json:"end"`
	SlotLength time.Duration `json:"slot_length"`
}

// DefaultTemplates returns morning, afternoon and evening windows.
func DefaultTemplates(slotLength time.Duration) []SessionTemplate {
	return []SessionTemplate{
		{Number: 1, Start: 8 * 60, End: 12 * 60, SlotLength: slotLength},
		{Number: 2, Start: 13 * 60, End: 17 * 60, SlotLength: slotLength},
		{Number: 3, Start: 18 * 60, End: 21 * 60, SlotLength: slotLength},
	}
}

// BuildSlots cuts the window into active slots. A trailing remainder shorter
// than SlotLength is dropped.
func BuildSlots(t SessionTemplate) ([]TimeSlot, error) {
	if !ValidSession(t.Number) {
		return nil, fmt.Errorf("%w: session %d", ErrInvalidTemplate, t.Number)
	}
	if t.SlotLength < time.Minute {
		return nil, fmt.Errorf("%w: slot length %s", ErrInvalidTemplate, t.SlotLength)
	}
	if !t.Start.Valid() || !t.End.Valid() || t.Start >= t.End {
		return nil, fmt.Errorf("%w: window %s-%s", ErrInvalidTemplate, t.Start, t.End)
	}

	var slots []TimeSlot
	for start := t.Start; start.Add(t.SlotLength) <= t.End; start = start.Add(t.SlotLength) {
		slots = append(slots, TimeSlot{
			Start:  start,
			End:    start.Add(t.SlotLength),
			Active: true,
		})
	}
	if len(slots) == 0 {
		return nil, fmt.Errorf("%w: window %s-%s shorter than one slot", ErrInvalidTemplate, t.Start, t.End)
	}
	return slots, nil
}

// NewDay builds a day from session templates. Sessions without a template stay empty.
func NewDay(date time.Time, doctorName string, templates []SessionTemplate) (*Day, error) {
	d := &Day{
		Date:       DateOf(date),
		DoctorName: doctorName,
		Sessions:   emptySessions(),
	}
	if err := d.Extend(templates); err != nil {
		return nil, err
	}
	return d, nil
}

// Extend appends template slots to the matching sessions. New slots must start
// at or after the end of the session's last existing slot; existing slots and
// their bindings are never rewritten.
func (d *Day) Extend(templates []SessionTemplate) error {
	staged := d.Clone()
	for _, t := range templates {
		slots, err := BuildSlots(t)
		if err != nil {
			return err
		}
		s := &staged.Sessions[t.Number-1]
		if n := len(s.Slots); n > 0 && slots[0].Start < s.Slots[n-1].End {
			return fmt.Errorf("%w: session %d extension starts at %s before existing end %s",
				ErrInvalidTemplate, t.Number, slots[0].Start, s.Slots[n-1].End)
		}
		s.Slots = append(s.Slots, slots...)
	}
	if err := staged.Validate(); err != nil {
		return err
	}
	d.Sessions = staged.Sessions
	return nil
}
