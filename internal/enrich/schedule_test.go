package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutordex/aggregator/internal/domain"
)

func TestParseSchedule_ExplicitDayAndRange(t *testing.T) {
	ta := ParseSchedule([]string{"Mon/Wed 7-9pm"})
	require.Len(t, ta.Explicit, 2)
	assert.Equal(t, domain.ScheduleSlot{Day: "Mon", Start: "19:00", End: "21:00", Raw: "Mon/Wed 7-9pm"}, ta.Explicit[0])
	assert.Equal(t, "Wed", ta.Explicit[1].Day)
	assert.Empty(t, ta.Estimated)
	assert.Empty(t, ta.Note)
}

func TestParseSchedule_MeridiemInheritance(t *testing.T) {
	ta := ParseSchedule([]string{"Sat 11-1pm"})
	require.Len(t, ta.Explicit, 1)
	assert.Equal(t, "11:00", ta.Explicit[0].Start)
	assert.Equal(t, "13:00", ta.Explicit[0].End)
}

func TestParseSchedule_TwentyFourHourClock(t *testing.T) {
	ta := ParseSchedule([]string{"Tue 1430-1630", "Thu 14:30 to 16:30"})
	require.Len(t, ta.Explicit, 2)
	for _, s := range ta.Explicit {
		assert.Equal(t, "14:30", s.Start)
		assert.Equal(t, "16:30", s.End)
	}
}

func TestParseSchedule_DayRange(t *testing.T) {
	ta := ParseSchedule([]string{"Mon-Thu 8pm to 10pm"})
	require.Len(t, ta.Explicit, 4)
	days := make([]string, 0, 4)
	for _, s := range ta.Explicit {
		days = append(days, s.Day)
	}
	assert.Equal(t, []string{"Mon", "Tue", "Wed", "Thu"}, days)
}

func TestParseSchedule_WeekendMornings(t *testing.T) {
	ta := ParseSchedule([]string{"Weekend mornings"})
	require.Len(t, ta.Estimated, 2)
	assert.Equal(t, domain.ScheduleSlot{Day: "Sat", Start: "09:00", End: "12:00", Raw: "Weekend mornings"}, ta.Estimated[0])
	assert.Equal(t, "Sun", ta.Estimated[1].Day)
	assert.Empty(t, ta.Explicit)
}

func TestParseSchedule_OpenEndedBound(t *testing.T) {
	ta := ParseSchedule([]string{"Weekdays after 7.30pm"})
	require.Len(t, ta.Estimated, 5)
	assert.Equal(t, "Mon", ta.Estimated[0].Day)
	assert.Equal(t, "19:30", ta.Estimated[0].Start)
	assert.Empty(t, ta.Estimated[0].End)
}

func TestParseSchedule_DayOnly(t *testing.T) {
	ta := ParseSchedule([]string{"Sunday"})
	require.Len(t, ta.Estimated, 1)
	assert.Equal(t, domain.ScheduleSlot{Day: "Sun", Raw: "Sunday"}, ta.Estimated[0])
}

func TestParseSchedule_TimeOnly(t *testing.T) {
	ta := ParseSchedule([]string{"3pm to 5pm any location"})
	require.Len(t, ta.Estimated, 1)
	assert.Empty(t, ta.Estimated[0].Day)
	assert.Equal(t, "15:00", ta.Estimated[0].Start)
	assert.Equal(t, "17:00", ta.Estimated[0].End)
}

func TestParseSchedule_UnparseableGoesToNote(t *testing.T) {
	ta := ParseSchedule([]string{"2 lessons per week, 1.5h each", "flexible"})
	assert.Empty(t, ta.Explicit)
	assert.Empty(t, ta.Estimated)
	assert.Equal(t, "2 lessons per week, 1.5h each; flexible", ta.Note)
}

func TestParseSchedule_DedupesAcrossPhrases(t *testing.T) {
	ta := ParseSchedule([]string{"Mon 7-9pm", "Monday 7pm-9pm"})
	assert.Len(t, ta.Explicit, 1)
}

func TestParseSchedule_Empty(t *testing.T) {
	ta := ParseSchedule(nil)
	assert.Empty(t, ta.Explicit)
	assert.Empty(t, ta.Estimated)
	assert.Empty(t, ta.Note)
}
