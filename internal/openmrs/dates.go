package openmrs

import (
	"fmt"
	"time"
)

// DateLayout is the timestamp format used by the OpenMRS REST API.
const DateLayout = "2006-01-02T15:04:05.000-0700"

func FormatDate(t time.Time) string {
	return t.Format(DateLayout)
}

// ParseDate parses an OpenMRS timestamp. Date-only values ("1970-01-01"),
// as returned for birthdates, are accepted too.
func ParseDate(s string) (time.Time, error) {
	if t, err := time.Parse(DateLayout, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid openmrs date %q", s)
}
