package pillreminder

import (
	"time"

	"github.com/motech/platform/internal/shared/types"
)

// ReminderTime counts repeat reminders within a dosage window.
type ReminderTime struct {
	clock types.Clock
}

func NewReminderTime(clock types.Clock) *ReminderTime {
	if clock == nil {
		clock = types.SystemClock
	}
	return &ReminderTime{clock: clock}
}

// TimesPillRemindersSent returns how many reminders have gone out for the
// dosage today: one per full interval since the start time, capped at the
// number the window allows. Before today's start time the count belongs to
// yesterday's window if it is still open past midnight, and is 0 otherwise.
func (p *ReminderTime) TimesPillRemindersSent(dosage Dosage, pillWindowInHours, reminderRetryIntervalMinutes int) int {
	now := p.clock()
	start := dosage.StartTime.On(now)
	if now.Before(start) {
		var open bool
		if start, open = OpenWindow(dosage, pillWindowInHours, now); !open {
			return 0
		}
	}
	return p.TimesSentSince(start, pillWindowInHours, reminderRetryIntervalMinutes)
}

// TimesSentSince counts reminders for a window that opened at start.
func (p *ReminderTime) TimesSentSince(start time.Time, pillWindowInHours, reminderRetryIntervalMinutes int) int {
	if reminderRetryIntervalMinutes <= 0 {
		return 0
	}
	now := p.clock()
	if now.Before(start) {
		return 0
	}

	elapsed := int(now.Sub(start).Minutes())
	sent := elapsed / reminderRetryIntervalMinutes
	return min(sent, p.TimesPillReminderWillBeSent(pillWindowInHours, reminderRetryIntervalMinutes))
}

// TimesPillReminderWillBeSent returns the total reminders a window holds.
func (p *ReminderTime) TimesPillReminderWillBeSent(pillWindowInHours, reminderRetryIntervalMinutes int) int {
	if reminderRetryIntervalMinutes <= 0 || pillWindowInHours <= 0 {
		return 0
	}
	return pillWindowInHours * 60 / reminderRetryIntervalMinutes
}
