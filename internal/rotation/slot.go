package rotation

import (
	"errors"
	"fmt"
	"time"

	"github.com/anji4cp/streamnexus/internal/stream"
)

var (
	// ErrOutsideWindow means no occurrence of the window covers the instant.
	ErrOutsideWindow = errors.New("outside rotation window")
	// ErrWindowElapsed means a one-shot window is over for good.
	ErrWindowElapsed = errors.New("rotation window has elapsed")
)

// Policy decides how an occurrence is split between items.
type Policy string

const (
	PolicyEqual    Policy = "equal"
	PolicyDeclared Policy = "declared"
	PolicyAuto     Policy = "auto"
)

func (p Policy) Valid() bool {
	switch p {
	case PolicyEqual, PolicyDeclared, PolicyAuto, "":
		return true
	}
	return false
}

// Window is the recurring time box of a rotation. Start carries the location in
// which daily and weekly occurrences keep their wall-clock time.
type Window struct {
	Start  time.Time
	End    time.Time
	Repeat stream.RepeatMode
}

func WindowOf(r stream.Rotation) Window {
	return Window{Start: r.StartTime, End: r.EndTime, Repeat: r.RepeatMode}
}

// Slot is the item owning an instant. With ErrOutsideWindow, Index is -1 and the
// occurrence bounds describe the next occurrence, if any.
type Slot struct {
	Index           int
	Start           time.Time
	End             time.Time
	OccurrenceStart time.Time
	OccurrenceEnd   time.Time
}

// CurrentSlot resolves which item should be playing at now.
func CurrentSlot(now time.Time, w Window, items []stream.RotationItem, p Policy) (Slot, error) {
	if len(items) == 0 {
		return Slot{Index: -1}, stream.ErrNoItems
	}
	if !w.End.After(w.Start) {
		return Slot{Index: -1}, stream.ErrInvalidWindow
	}
	occStart, occEnd, err := occurrence(now, w)
	if err != nil {
		return Slot{Index: -1, OccurrenceStart: occStart, OccurrenceEnd: occEnd}, err
	}
	slot := Slot{OccurrenceStart: occStart, OccurrenceEnd: occEnd}

	switch p {
	case PolicyEqual:
		slot.Index, slot.Start, slot.End = equalSlot(now, occStart, occEnd, len(items))
	case PolicyDeclared:
		if slot.Index, slot.Start, slot.End, err = declaredSlot(now, occStart, occEnd, items); err != nil {
			return Slot{Index: -1}, err
		}
	case PolicyAuto, "":
		if allDeclared(items) {
			slot.Index, slot.Start, slot.End, _ = declaredSlot(now, occStart, occEnd, items)
		} else {
			slot.Index, slot.Start, slot.End = equalSlot(now, occStart, occEnd, len(items))
		}
	default:
		return Slot{Index: -1}, fmt.Errorf("unknown allocation policy %q", p)
	}
	return slot, nil
}

// occurrence returns the occurrence containing now. Outside of one it returns the
// next occurrence bounds with ErrOutsideWindow, or ErrWindowElapsed when there is none.
func occurrence(now time.Time, w Window) (time.Time, time.Time, error) {
	days := 0
	switch w.Repeat {
	case stream.RepeatDaily:
		days = 1
	case stream.RepeatWeekly:
		days = 7
	case stream.RepeatNone:
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("invalid repeat mode %q", w.Repeat)
	}
	if now.Before(w.Start) {
		return w.Start, w.End, ErrOutsideWindow
	}
	if days == 0 {
		if now.Before(w.End) {
			return w.Start, w.End, nil
		}
		return time.Time{}, time.Time{}, ErrWindowElapsed
	}

	// estimate the occurrence number, then correct for DST shifts
	k := int(now.Sub(w.Start).Hours()/24) / days
	at := func(k int) (time.Time, time.Time) {
		return w.Start.AddDate(0, 0, k*days), w.End.AddDate(0, 0, k*days)
	}
	s, e := at(k)
	for k > 0 && s.After(now) {
		k--
		s, e = at(k)
	}
	for {
		ns, ne := at(k + 1)
		if ns.After(now) {
			if now.Before(e) {
				return s, e, nil
			}
			return ns, ne, ErrOutsideWindow
		}
		k++
		s, e = ns, ne
	}
}

func equalSlot(now, occStart, occEnd time.Time, n int) (int, time.Time, time.Time) {
	length := occEnd.Sub(occStart) / time.Duration(n)
	if length <= 0 {
		return 0, occStart, occEnd
	}
	idx := int(now.Sub(occStart) / length)
	if idx >= n {
		idx = n - 1
	}
	start := occStart.Add(time.Duration(idx) * length)
	if idx == n-1 {
		// the last slot absorbs the division remainder
		return idx, start, occEnd
	}
	return idx, start, start.Add(length)
}

// declaredSlot plays items for their declared durations in order, wrapping
// around until the occurrence closes.
func declaredSlot(now, occStart, occEnd time.Time, items []stream.RotationItem) (int, time.Time, time.Time, error) {
	var cycle time.Duration
	for _, it := range items {
		if it.Duration <= 0 {
			return -1, time.Time{}, time.Time{}, fmt.Errorf("item %d: %w", it.OrderIndex, stream.ErrMissingDuration)
		}
		cycle += it.Duration
	}
	elapsed := now.Sub(occStart)
	pos := elapsed % cycle
	cycleStart := occStart.Add(elapsed - pos)
	var acc time.Duration
	for i, it := range items {
		if pos < acc+it.Duration {
			start := cycleStart.Add(acc)
			end := start.Add(it.Duration)
			if end.After(occEnd) {
				end = occEnd
			}
			return i, start, end, nil
		}
		acc += it.Duration
	}
	// pos < cycle, so the loop always returns
	return len(items) - 1, cycleStart, occEnd, nil
}

func allDeclared(items []stream.RotationItem) bool {
	for _, it := range items {
		if it.Duration <= 0 {
			return false
		}
	}
	return true
}
