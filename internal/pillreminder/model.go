// Package pillreminder tracks medication dosages and emits repeat reminders
// while a dosage window is open.
package pillreminder

import (
	"errors"
	"fmt"
	"time"

	"github.com/motech/platform/internal/shared/types"
)

type Medicine struct {
	Name      string    `json:"name"`
	StartDate time.Time `json:"start_date"`
	// EndDate zero means the medicine has no end date.
	EndDate time.Time `json:"end_date,omitempty"`
}

// IsActive reports whether the medicine is prescribed on now's calendar day.
func (m Medicine) IsActive(now time.Time) bool {
	day := types.DateOnly(now)
	if !m.StartDate.IsZero() && day.Before(types.DateOnly(m.StartDate)) {
		return false
	}
	if !m.EndDate.IsZero() && day.After(types.DateOnly(m.EndDate)) {
		return false
	}
	return true
}

type Dosage struct {
	ID        string     `json:"id"`
	StartTime types.Time `json:"start_time"`
	// ResponseLastCapturedDate is the day the patient last confirmed the dose.
	ResponseLastCapturedDate time.Time  `json:"response_last_captured_date,omitempty"`
	Medicines                []Medicine `json:"medicines"`
}

// IsTodaysDosageResponseCaptured reports whether the dose for now's day has
// already been confirmed.
func (d Dosage) IsTodaysDosageResponseCaptured(now time.Time) bool {
	if d.ResponseLastCapturedDate.IsZero() {
		return false
	}
	return types.DateOnly(d.ResponseLastCapturedDate).Equal(types.DateOnly(now))
}

// IsResponseCapturedFor reports whether the dose for the window opened at
// start was confirmed. A confirmation dated after midnight still counts for a
// window that opened the evening before.
func (d Dosage) IsResponseCapturedFor(start time.Time) bool {
	if d.ResponseLastCapturedDate.IsZero() {
		return false
	}
	return d.IsTodaysDosageResponseCaptured(start) || !d.ResponseLastCapturedDate.Before(start)
}

// IsActive reports whether any medicine of the dosage is active. A dosage
// without medicines is always active.
func (d Dosage) IsActive(now time.Time) bool {
	if len(d.Medicines) == 0 {
		return true
	}
	for _, m := range d.Medicines {
		if m.IsActive(now) {
			return true
		}
	}
	return false
}

// Regimen is the set of dosages prescribed to one patient.
type Regimen struct {
	ID                              string   `json:"id"`
	ExternalID                      string   `json:"external_id"`
	ReminderRepeatWindowInHours     int      `json:"reminder_repeat_window_in_hours"`
	ReminderRepeatIntervalInMinutes int      `json:"reminder_repeat_interval_in_minutes"`
	Dosages                         []Dosage `json:"dosages"`
}

func (r Regimen) Validate() error {
	if r.ExternalID == "" {
		return errors.New("regimen external id is required")
	}
	if r.ReminderRepeatWindowInHours <= 0 {
		return fmt.Errorf("regimen %s: reminder window must be positive", r.ExternalID)
	}
	if r.ReminderRepeatIntervalInMinutes <= 0 {
		return fmt.Errorf("regimen %s: reminder interval must be positive", r.ExternalID)
	}
	if len(r.Dosages) == 0 {
		return fmt.Errorf("regimen %s: at least one dosage is required", r.ExternalID)
	}
	seen := make(map[string]bool, len(r.Dosages))
	for _, d := range r.Dosages {
		if d.ID == "" {
			return fmt.Errorf("regimen %s: dosage id is required", r.ExternalID)
		}
		if seen[d.ID] {
			return fmt.Errorf("regimen %s: duplicate dosage %s", r.ExternalID, d.ID)
		}
		seen[d.ID] = true
		if err := d.StartTime.Validate(); err != nil {
			return fmt.Errorf("regimen %s dosage %s: %w", r.ExternalID, d.ID, err)
		}
	}
	return nil
}
