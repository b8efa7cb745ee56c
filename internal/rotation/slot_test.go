package rotation

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anji4cp/streamnexus/internal/stream"
)

func items(durations ...time.Duration) []stream.RotationItem {
	out := make([]stream.RotationItem, len(durations))
	for i, d := range durations {
		out[i] = stream.RotationItem{OrderIndex: i, ContentRef: "item.mp4", Duration: d}
	}
	return out
}

func at(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }

func TestCurrentSlot_Allocation(t *testing.T) {
	daily := Window{Start: at(9, 0), End: at(12, 0), Repeat: stream.RepeatDaily}
	three := items(0, 0, 0)
	declared := items(20*time.Minute, 40*time.Minute)

	tests := []struct {
		name      string
		now       time.Time
		items     []stream.RotationItem
		policy    Policy
		wantIdx   int
		wantStart time.Time
		wantEnd   time.Time
	}{
		{"equal first slot", at(9, 0), three, PolicyEqual, 0, at(9, 0), at(10, 0)},
		{"equal middle slot", at(10, 30), three, PolicyEqual, 1, at(10, 0), at(11, 0)},
		{"equal last slot", at(11, 59), three, PolicyEqual, 2, at(11, 0), at(12, 0)},
		{"equal next day", at(10, 30).AddDate(0, 0, 3), three, PolicyEqual, 1, at(10, 0).AddDate(0, 0, 3), at(11, 0).AddDate(0, 0, 3)},
		{"declared wraps", at(10, 10), declared, PolicyDeclared, 0, at(10, 0), at(10, 20)},
		{"declared second item", at(10, 25), declared, PolicyDeclared, 1, at(10, 20), at(11, 0)},
		{"declared clamps to window end", at(11, 50), items(20*time.Minute, 45*time.Minute), PolicyDeclared, 1, at(11, 30), at(12, 0)},
		{"auto picks declared", at(9, 30), declared, PolicyAuto, 1, at(9, 20), at(10, 0)},
		{"auto falls back to equal", at(9, 30), items(20*time.Minute, 0), "", 0, at(9, 0), at(10, 30)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := CurrentSlot(tt.now, daily, tt.items, tt.policy)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIdx, s.Index)
			assert.True(t, tt.wantStart.Equal(s.Start), "start %s want %s", s.Start, tt.wantStart)
			assert.True(t, tt.wantEnd.Equal(s.End), "end %s want %s", s.End, tt.wantEnd)
		})
	}
}

func TestCurrentSlot_EqualRemainderGoesToLastSlot(t *testing.T) {
	w := Window{Start: at(9, 0), End: at(9, 0).Add(10 * time.Second), Repeat: stream.RepeatNone}
	s, err := CurrentSlot(at(9, 0).Add(9*time.Second), w, items(0, 0, 0), PolicyEqual)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Index)
	assert.Equal(t, 10*time.Second-2*(10*time.Second/3), s.End.Sub(s.Start))
}

func TestCurrentSlot_MissingDuration(t *testing.T) {
	w := Window{Start: at(9, 0), End: at(12, 0), Repeat: stream.RepeatDaily}
	_, err := CurrentSlot(at(10, 0), w, items(time.Minute, 0), PolicyDeclared)
	assert.ErrorIs(t, err, stream.ErrMissingDuration)
}

func TestCurrentSlot_OneShotWindow(t *testing.T) {
	w := Window{Start: at(9, 0), End: at(12, 0), Repeat: stream.RepeatNone}

	s, err := CurrentSlot(at(8, 0), w, items(0), PolicyEqual)
	assert.ErrorIs(t, err, ErrOutsideWindow)
	assert.Equal(t, -1, s.Index)
	assert.True(t, at(9, 0).Equal(s.OccurrenceStart))

	_, err = CurrentSlot(at(12, 0), w, items(0), PolicyEqual)
	assert.ErrorIs(t, err, ErrWindowElapsed)

	s, err = CurrentSlot(at(11, 0), w, items(0, 0), PolicyEqual)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Index)
}

func TestCurrentSlot_DailyOutsideReportsNextOccurrence(t *testing.T) {
	w := Window{Start: at(9, 0), End: at(12, 0), Repeat: stream.RepeatDaily}
	s, err := CurrentSlot(at(13, 0).AddDate(0, 0, 1), w, items(0), PolicyEqual)
	assert.ErrorIs(t, err, ErrOutsideWindow)
	assert.True(t, at(9, 0).AddDate(0, 0, 2).Equal(s.OccurrenceStart))
}

func TestCurrentSlot_CrossesMidnight(t *testing.T) {
	w := Window{Start: at(22, 0), End: at(2, 0).AddDate(0, 0, 1), Repeat: stream.RepeatDaily}
	now := at(1, 0).AddDate(0, 0, 5)
	s, err := CurrentSlot(now, w, items(0, 0), PolicyEqual)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Index)
	assert.True(t, at(22, 0).AddDate(0, 0, 4).Equal(s.OccurrenceStart))
	assert.True(t, at(0, 0).AddDate(0, 0, 5).Equal(s.Start))
}

func TestCurrentSlot_WeeklyWraps(t *testing.T) {
	// Monday 20:00 to Tuesday 04:00
	w := Window{Start: at(20, 0), End: at(4, 0).AddDate(0, 0, 1), Repeat: stream.RepeatWeekly}
	now := at(2, 0).AddDate(0, 0, 15) // Tuesday two weeks later
	s, err := CurrentSlot(now, w, items(0, 0), PolicyEqual)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Index)
	assert.True(t, at(20, 0).AddDate(0, 0, 14).Equal(s.OccurrenceStart))

	_, err = CurrentSlot(at(2, 0).AddDate(0, 0, 16), w, items(0, 0), PolicyEqual)
	assert.ErrorIs(t, err, ErrOutsideWindow)
}

func TestCurrentSlot_KeepsWallClockAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, loc)
	w := Window{Start: start, End: start.Add(time.Hour), Repeat: stream.RepeatDaily}
	// clocks moved forward on March 8
	now := time.Date(2026, 3, 9, 9, 40, 0, 0, loc)
	s, err := CurrentSlot(now, w, items(0, 0), PolicyEqual)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Index)
	assert.True(t, time.Date(2026, 3, 9, 9, 0, 0, 0, loc).Equal(s.OccurrenceStart))
	assert.True(t, time.Date(2026, 3, 9, 10, 0, 0, 0, loc).Equal(s.OccurrenceEnd))
}

func TestCurrentSlot_RejectsBadInput(t *testing.T) {
	w := Window{Start: at(9, 0), End: at(12, 0), Repeat: stream.RepeatDaily}
	_, err := CurrentSlot(at(10, 0), w, nil, PolicyEqual)
	assert.ErrorIs(t, err, stream.ErrNoItems)

	_, err = CurrentSlot(at(10, 0), Window{Start: at(9, 0), End: at(9, 0), Repeat: stream.RepeatDaily}, items(0), PolicyEqual)
	assert.ErrorIs(t, err, stream.ErrInvalidWindow)

	_, err = CurrentSlot(at(10, 0), w, items(0), Policy("random"))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrOutsideWindow))
}
