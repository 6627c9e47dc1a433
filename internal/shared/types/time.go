package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Time is a wall clock time of day with minute precision, e.g. a dosage
// start time.
type Time struct {
	Hour   int
	Minute int
}

func NewTime(hour, minute int) Time {
	return Time{Hour: hour, Minute: minute}
}

// TimeOf extracts the time of day from t.
func TimeOf(t time.Time) Time {
	return Time{Hour: t.Hour(), Minute: t.Minute()}
}

// ParseTime parses "HH:MM".
func ParseTime(s string) (Time, error) {
	var t Time
	if _, err := fmt.Sscanf(s, "%d:%d", &t.Hour, &t.Minute); err != nil {
		return Time{}, fmt.Errorf("invalid time %q: %w", s, err)
	}
	if err := t.Validate(); err != nil {
		return Time{}, err
	}
	return t, nil
}

func (t Time) Validate() error {
	if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
		return fmt.Errorf("invalid time %02d:%02d", t.Hour, t.Minute)
	}
	return nil
}

// On returns the instant this time falls on the calendar day of day, in
// day's location.
func (t Time) On(day time.Time) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, t.Hour, t.Minute, 0, 0, day.Location())
}

func (t Time) Before(other Time) bool {
	return t.Hour < other.Hour || (t.Hour == other.Hour && t.Minute < other.Minute)
}

func (t Time) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// DateOnly truncates t to midnight in its own location.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Clock returns the current time. Components take one so tests can pin "now".
type Clock func() time.Time

// SystemClock is the default Clock.
func SystemClock() time.Time {
	return time.Now()
}
