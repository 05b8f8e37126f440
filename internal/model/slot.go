package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidSlot = errors.New("invalid time slot")

// TimeSlot is a half-open interval [Start, End) bound to a task or a
// calendar event. Title is display text only and is not part of Key.
type TimeSlot struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	TaskID   string    `json:"task_id"`
	Title    string    `json:"title,omitempty"`
	Location string    `json:"location,omitempty"`
	Resource string    `json:"resource,omitempty"`
}

func (s TimeSlot) Validate() error {
	if !s.Start.Before(s.End) {
		return fmt.Errorf("%w: %s start %s not before end %s", ErrInvalidSlot, s.TaskID, s.Start.Format(time.RFC3339), s.End.Format(time.RFC3339))
	}
	return nil
}

func (s TimeSlot) Duration() time.Duration { return s.End.Sub(s.Start) }

// Overlaps reports whether the two half-open ranges intersect.
func (s TimeSlot) Overlaps(o TimeSlot) bool {
	return s.Start.Before(o.End) && o.Start.Before(s.End)
}

// Gap returns the idle time between two non-overlapping slots (0 if they touch or overlap).
func (s TimeSlot) Gap(o TimeSlot) time.Duration {
	if s.Overlaps(o) {
		return 0
	}
	if !s.End.After(o.Start) {
		return o.Start.Sub(s.End)
	}
	return s.Start.Sub(o.End)
}

// At returns the slot moved so that it begins at start, keeping its length.
func (s TimeSlot) At(start time.Time) TimeSlot {
	d := s.Duration()
	s.Start = start
	s.End = start.Add(d)
	return s
}

// Within reports whether s lies entirely inside w.
func (s TimeSlot) Within(w Window) bool {
	return !s.Start.Before(w.Start) && !s.End.After(w.End)
}

// Key is a stable fingerprint of the slot: same task, same instants -> same key.
func (s TimeSlot) Key() string {
	return s.TaskID + "@" + strconv.FormatInt(s.Start.Unix(), 10) + "-" + strconv.FormatInt(s.End.Unix(), 10)
}

// Window is a half-open time range used for queries and horizons.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (w Window) Valid() bool { return w.Start.Before(w.End) }

// TimeOfDay is a wall-clock offset in minutes from midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// On anchors t to the calendar day of `day` in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, int(t)/60, int(t)%60, 0, 0, day.Location())
}

// TimeOfDayOf extracts the wall-clock offset of ts.
func TimeOfDayOf(ts time.Time) TimeOfDay {
	return TimeOfDay(ts.Hour()*60 + ts.Minute())
}

// ParseTimeOfDay parses "HH:MM" (24h). "24:00" is accepted as end of day.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	hh, mm, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	h, err1 := strconv.Atoi(hh)
	m, err2 := strconv.Atoi(mm)
	if err1 != nil || err2 != nil || h < 0 || m < 0 || m > 59 || h > 24 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

func (t TimeOfDay) Valid() bool { return t >= 0 && t <= minutesPerDay }

func CloneSlots(in []TimeSlot) []TimeSlot {
	if in == nil {
		return nil
	}
	return append([]TimeSlot(nil), in...)
}
