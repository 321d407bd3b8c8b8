package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// SessionCount is the number of fixed daily sessions.
const SessionCount = 3

const dateLayout = "2006-01-02"

type TimeSlot struct {
	Start         Clock      `json:"start"`
	End           Clock      `json:"end"`
	Active        bool       `json:"active"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`
}

// Free reports whether the slot can be handed out.
func (s TimeSlot) Free() bool {
	return s.Active && s.AppointmentID == nil
}

type Session struct {
	Number int        `json:"number"`
	Slots  []TimeSlot `json:"slots"`
}

// Day is the per-date slot template document. Sessions[i] holds session i+1.
type Day struct {
	Date       time.Time             `json:"date"`
	DoctorName string                `json:"doctor_name"`
	Sessions   [SessionCount]Session `json:"sessions"`
	Version    int64                 `json:"version"`
}

// Allocation describes one slot of a day as shown to a patient.
type Allocation struct {
	Date          time.Time `json:"date"`
	SessionNumber int       `json:"session_number"`
	SlotIndex     int       `json:"slot_index"`
	Position      int       `json:"position"`
	Start         Clock     `json:"start"`
	End           Clock     `json:"end"`
}

// DateOf truncates t to its calendar date at UTC midnight.
func DateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q must be YYYY-MM-DD: %w", s, err)
	}
	return t, nil
}

func FormatDate(t time.Time) string {
	return t.Format(dateLayout)
}

func ValidSession(n int) bool {
	return n >= 1 && n <= SessionCount
}

func emptySessions() [SessionCount]Session {
	var sessions [SessionCount]Session
	for i := range sessions {
		sessions[i] = Session{Number: i + 1, Slots: []TimeSlot{}}
	}
	return sessions
}

// Session returns session n (1-based).
func (d *Day) Session(n int) (*Session, error) {
	if !ValidSession(n) {
		return nil, fmt.Errorf("%w: session %d", ErrSessionNotFound, n)
	}
	return &d.Sessions[n-1], nil
}

// FindNextFree applies first-fit over the active slots of session n.
func (d *Day) FindNextFree(n int) (Allocation, bool, error) {
	s, err := d.Session(n)
	if err != nil {
		return Allocation{}, false, err
	}

	position := 0
	for i, slot := range s.Slots {
		if !slot.Active {
			continue
		}
		position++
		if slot.AppointmentID == nil {
			return d.allocation(n, i, position), true, nil
		}
	}
	return Allocation{}, false, nil
}

// Reserve binds the first free active slot of session n to appointmentID.
func (d *Day) Reserve(n int, appointmentID uuid.UUID) (Allocation, error) {
	alloc, ok, err := d.FindNextFree(n)
	if err != nil {
		return Allocation{}, err
	}
	if !ok {
		return Allocation{}, fmt.Errorf("%w: %s session %d", ErrNoCapacity, FormatDate(d.Date), n)
	}

	id := appointmentID
	d.Sessions[n-1].Slots[alloc.SlotIndex].AppointmentID = &id
	return alloc, nil
}

// Release clears the binding of appointmentID in session n. It reports whether
// a slot was cleared; a missing or foreign binding is a no-op.
func (d *Day) Release(n int, appointmentID uuid.UUID) bool {
	if !ValidSession(n) {
		return false
	}
	slots := d.Sessions[n-1].Slots
	for i := range slots {
		if slots[i].AppointmentID != nil && *slots[i].AppointmentID == appointmentID {
			slots[i].AppointmentID = nil
			return true
		}
	}
	return false
}

// Locate finds the slot currently bound to appointmentID.
func (d *Day) Locate(appointmentID uuid.UUID) (Allocation, bool) {
	for si := range d.Sessions {
		position := 0
		for i, slot := range d.Sessions[si].Slots {
			if slot.Active {
				position++
			}
			if slot.AppointmentID != nil && *slot.AppointmentID == appointmentID {
				return d.allocation(si+1, i, position), true
			}
		}
	}
	return Allocation{}, false
}

// SetSlotActive toggles a slot. Deactivating a bound slot fails with ErrSlotBound.
func (d *Day) SetSlotActive(n, slotIndex int, active bool) error {
	s, err := d.Session(n)
	if err != nil {
		return err
	}
	if slotIndex < 0 || slotIndex >= len(s.Slots) {
		return fmt.Errorf("%w: session %d index %d", ErrSlotNotFound, n, slotIndex)
	}
	slot := &s.Slots[slotIndex]
	if !active && slot.AppointmentID != nil {
		return fmt.Errorf("%w: session %d index %d", ErrSlotBound, n, slotIndex)
	}
	slot.Active = active
	return nil
}

func (d *Day) FreeSlots() int {
	free := 0
	for _, s := range d.Sessions {
		for _, slot := range s.Slots {
			if slot.Free() {
				free++
			}
		}
	}
	return free
}

func (d *Day) HasFree() bool {
	return d.FreeSlots() > 0
}

// Validate checks slot ordering and overlap within each session.
func (d *Day) Validate() error {
	for si, s := range d.Sessions {
		if s.Number != si+1 {
			return fmt.Errorf("%w: session at position %d numbered %d", ErrInvalidTemplate, si+1, s.Number)
		}
		for i, slot := range s.Slots {
			if !slot.Start.Valid() || !slot.End.Valid() || slot.Start >= slot.End {
				return fmt.Errorf("%w: session %d slot %d has bad bounds %s-%s",
					ErrInvalidTemplate, s.Number, i, slot.Start, slot.End)
			}
			if i > 0 && slot.Start < s.Slots[i-1].End {
				return fmt.Errorf("%w: session %d slot %d overlaps its predecessor",
					ErrInvalidTemplate, s.Number, i)
			}
		}
	}
	return nil
}

func (d *Day) allocation(n, index, position int) Allocation {
	slot := d.Sessions[n-1].Slots[index]
	return Allocation{
		Date:          d.Date,
		SessionNumber: n,
		SlotIndex:     index,
		Position:      position,
		Start:         slot.Start,
		End:           slot.End,
	}
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (d *Day) Clone() *Day {
	out := *d
	for i := range d.Sessions {
		slots := make([]TimeSlot, len(d.Sessions[i].Slots))
		for j, slot := range d.Sessions[i].Slots {
			if slot.AppointmentID != nil {
				id := *slot.AppointmentID
				slot.AppointmentID = &id
			}
			slots[j] = slot
		}
		out.Sessions[i].Slots = slots
	}
	return &out
}

// AvailableDates returns, in ascending order, the dates among days that have
// at least one free slot in any session.
func AvailableDates(days []*Day) []time.Time {
	var dates []time.Time
	for _, d := range days {
		if d.HasFree() {
			dates = append(dates, DateOf(d.Date))
		}
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return dates
}
