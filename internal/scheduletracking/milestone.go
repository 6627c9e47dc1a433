package scheduletracking

import (
	"fmt"
	"time"

	"github.com/motech/platform/internal/shared/types"
)

type WindowName string

const (
	WindowEarliest WindowName = "earliest"
	WindowDue      WindowName = "due"
	WindowLate     WindowName = "late"
	WindowMax      WindowName = "max"
)

// WindowNames lists the windows of a milestone in the order they open.
var WindowNames = []WindowName{WindowEarliest, WindowDue, WindowLate, WindowMax}

func ParseWindowName(s string) (WindowName, error) {
	for _, n := range WindowNames {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown window %q", s)
}

// Alert fires Count times, Interval apart, starting Offset after its window
// opens. A Count below 1 fires once. Index is set by the schedule author and
// is reported with every occurrence.
type Alert struct {
	Offset   WallTime  `json:"offset"`
	Interval *WallTime `json:"interval,omitempty"`
	Count    int       `json:"count"`
	Index    int       `json:"index"`
	// Floating alerts are rebased onto the enrollment date when their first
	// occurrence would fall before it.
	Floating bool `json:"floating"`
}

// MilestoneWindow spans [Begin, End) measured from the milestone's
// reference date.
type MilestoneWindow struct {
	Name   WindowName `json:"name"`
	Period Period     `json:"period"`
	Begin  Period     `json:"begin"`
	End    Period     `json:"end"`
	Alerts []Alert    `json:"alerts,omitempty"`
}

type Milestone struct {
	Name    string            `json:"name"`
	Data    map[string]string `json:"data,omitempty"`
	windows []*MilestoneWindow
	clock   types.Clock
}

// NewMilestone builds the four consecutive windows of a milestone. Window
// offsets accumulate, so the due window begins where earliest ends.
func NewMilestone(name string, earliest, due, late, max Period) *Milestone {
	m := &Milestone{Name: name, clock: types.SystemClock}

	var begin Period
	for i, p := range []Period{earliest, due, late, max} {
		end := begin.Plus(p)
		m.windows = append(m.windows, &MilestoneWindow{
			Name:   WindowNames[i],
			Period: p,
			Begin:  begin,
			End:    end,
		})
		begin = end
	}
	return m
}

// WithClock replaces the milestone's notion of now.
func (m *Milestone) WithClock(clock types.Clock) *Milestone {
	if clock == nil {
		clock = types.SystemClock
	}
	m.clock = clock
	return m
}

func (m *Milestone) MilestoneWindow(name WindowName) *MilestoneWindow {
	for _, w := range m.windows {
		if w.Name == name {
			return w
		}
	}
	return nil
}

// MilestoneWindows returns the windows in order.
func (m *Milestone) MilestoneWindows() []*MilestoneWindow {
	out := make([]*MilestoneWindow, len(m.windows))
	copy(out, m.windows)
	return out
}

// AddAlert appends alerts to a window as given.
func (m *Milestone) AddAlert(name WindowName, alerts ...Alert) error {
	w := m.MilestoneWindow(name)
	if w == nil {
		return fmt.Errorf("milestone %s has no window %s", m.Name, name)
	}
	w.Alerts = append(w.Alerts, alerts...)
	return nil
}

// Alerts returns every alert of the milestone in window order.
func (m *Milestone) Alerts() []Alert {
	var out []Alert
	for _, w := range m.windows {
		out = append(out, w.Alerts...)
	}
	return out
}

// WindowElapsed reports whether the named window has closed for a milestone
// referenced at reference. Both dates are compared at day granularity and
// the closing day itself counts as elapsed.
func (m *Milestone) WindowElapsed(name WindowName, reference time.Time) bool {
	w := m.MilestoneWindow(name)
	if w == nil {
		return false
	}
	now := m.clock()
	end := w.End.AddTo(types.DateOnly(reference.In(now.Location())))
	return !types.DateOnly(now).Before(end)
}

// WindowStart returns when the named window opens for reference.
func (m *Milestone) WindowStart(name WindowName, reference time.Time) time.Time {
	w := m.MilestoneWindow(name)
	if w == nil {
		return time.Time{}
	}
	return w.Begin.AddTo(types.DateOnly(reference))
}

// WindowEnd returns when the named window closes for reference.
func (m *Milestone) WindowEnd(name WindowName, reference time.Time) time.Time {
	w := m.MilestoneWindow(name)
	if w == nil {
		return time.Time{}
	}
	return w.End.AddTo(types.DateOnly(reference))
}

// MaximumDuration is the span from the reference date to the end of the
// max window.
func (m *Milestone) MaximumDuration() Period {
	if len(m.windows) == 0 {
		return Period{}
	}
	return m.windows[len(m.windows)-1].End
}
