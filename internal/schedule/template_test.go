package schedule

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildSlots(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    SessionTemplate
		want    int
		wantErr bool
	}{
		{"even split", SessionTemplate{Number: 1, Start: 8 * 60, End: 12 * 60, SlotLength: 30 * time.Minute}, 8, false},
		{"remainder dropped", SessionTemplate{Number: 2, Start: 13 * 60, End: 13*60 + 50, SlotLength: 20 * time.Minute}, 2, false},
		{"bad session", SessionTemplate{Number: 4, Start: 8 * 60, End: 9 * 60, SlotLength: 10 * time.Minute}, 0, true},
		{"inverted window", SessionTemplate{Number: 1, Start: 10 * 60, End: 9 * 60, SlotLength: 10 * time.Minute}, 0, true},
		{"window shorter than slot", SessionTemplate{Number: 1, Start: 9 * 60, End: 9*60 + 5, SlotLength: 10 * time.Minute}, 0, true},
		{"zero length", SessionTemplate{Number: 1, Start: 9 * 60, End: 10 * 60}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slots, err := BuildSlots(tt.tmpl)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTemplate)
				return
			}
			require.NoError(t, err)
			assert.Len(t, slots, tt.want)
			for i := 1; i < len(slots); i++ {
				assert.Equal(t, slots[i-1].End, slots[i].Start)
			}
		})
	}
}

func TestExtendAppendsAfterExistingSlots(t *testing.T) {
	d, err := NewDay(testDate, "", []SessionTemplate{
		{Number: 1, Start: 9 * 60, End: 10 * 60, SlotLength: 30 * time.Minute},
	})
	require.NoError(t, err)
	id := uuid.New()
	_, err = d.Reserve(1, id)
	require.NoError(t, err)

	err = d.Extend([]SessionTemplate{
		{Number: 1, Start: 10 * 60, End: 11 * 60, SlotLength: 30 * time.Minute},
	})
	require.NoError(t, err)
	require.Len(t, d.Sessions[0].Slots, 4)

	alloc, ok := d.Locate(id)
	require.True(t, ok)
	assert.Equal(t, 0, alloc.SlotIndex)
}

func TestExtendRejectsOverlapAtomically(t *testing.T) {
	d, err := NewDay(testDate, "", []SessionTemplate{
		{Number: 1, Start: 9 * 60, End: 10 * 60, SlotLength: 30 * time.Minute},
	})
	require.NoError(t, err)

	err = d.Extend([]SessionTemplate{
		{Number: 2, Start: 13 * 60, End: 14 * 60, SlotLength: 30 * time.Minute},
		{Number: 1, Start: 9*60 + 30, End: 11 * 60, SlotLength: 30 * time.Minute},
	})
	assert.ErrorIs(t, err, ErrInvalidTemplate)
	assert.Len(t, d.Sessions[0].Slots, 2)
	assert.Empty(t, d.Sessions[1].Slots)
}

func TestValidateDetectsOverlap(t *testing.T) {
	d, err := NewDay(testDate, "", nil)
	require.NoError(t, err)
	d.Sessions[0].Slots = []TimeSlot{
		{Start: 9 * 60, End: 9*60 + 30, Active: true},
		{Start: 9*60 + 15, End: 9*60 + 45, Active: true},
	}
	assert.ErrorIs(t, d.Validate(), ErrInvalidTemplate)
}

func TestClockJSON(t *testing.T) {
	c, err := ParseClock("07:05")
	require.NoError(t, err)
	assert.Equal(t, Clock(7*60+5), c)

	raw, err := c.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"07:05"`, string(raw))

	var back Clock
	require.NoError(t, back.UnmarshalJSON([]byte(`"21:30"`)))
	assert.Equal(t, "21:30", back.String())

	assert.Error(t, back.UnmarshalJSON([]byte(`"9am"`)))
	assert.Error(t, back.UnmarshalJSON([]byte(`930`)))
}
