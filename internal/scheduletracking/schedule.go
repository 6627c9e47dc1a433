package scheduletracking

import (
	"encoding/json"
	"fmt"
	"os"
)

// Schedule is an ordered sequence of milestones an enrollee works through.
type Schedule struct {
	Name       string
	Milestones []*Milestone
}

func NewSchedule(name string, milestones ...*Milestone) *Schedule {
	return &Schedule{Name: name, Milestones: milestones}
}

func (s *Schedule) FirstMilestone() *Milestone {
	if len(s.Milestones) == 0 {
		return nil
	}
	return s.Milestones[0]
}

func (s *Schedule) Milestone(name string) *Milestone {
	for _, m := range s.Milestones {
		if m.Name == name {
			return m
		}
	}
	return nil
}

// NextMilestone returns the milestone after name, or nil when name is the
// last one or unknown.
func (s *Schedule) NextMilestone(name string) *Milestone {
	for i, m := range s.Milestones {
		if m.Name == name && i+1 < len(s.Milestones) {
			return s.Milestones[i+1]
		}
	}
	return nil
}

type scheduleRecord struct {
	Name       string            `json:"name"`
	Milestones []milestoneRecord `json:"milestones"`
}

type milestoneRecord struct {
	Name    string                `json:"name"`
	Data    map[string]string     `json:"data"`
	Windows map[WindowName]string `json:"windows"`
	Alerts  []alertRecord         `json:"alerts"`
}

type alertRecord struct {
	Window   WindowName `json:"window"`
	Offset   string     `json:"offset"`
	Interval string     `json:"interval"`
	Count    int        `json:"count"`
	Floating bool       `json:"floating"`
	// Index defaults to the alert's position within its window.
	Index *int `json:"index"`
}

// ParseSchedules reads schedule definitions of the form
//
//	[{"name": "IPTI", "milestones": [{"name": "IPTI 1",
//	  "windows": {"earliest": "1 Week", "due": "2 Weeks"},
//	  "alerts": [{"window": "due", "offset": "0 Days", "interval": "1 Day", "count": 3}]}]}]
func ParseSchedules(data []byte) ([]*Schedule, error) {
	var records []scheduleRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode schedules: %w", err)
	}

	schedules := make([]*Schedule, 0, len(records))
	for _, rec := range records {
		if rec.Name == "" {
			return nil, fmt.Errorf("schedule name is required")
		}
		s := &Schedule{Name: rec.Name}
		for _, mr := range rec.Milestones {
			m, err := mr.build()
			if err != nil {
				return nil, fmt.Errorf("schedule %s: %w", rec.Name, err)
			}
			s.Milestones = append(s.Milestones, m)
		}
		if len(s.Milestones) == 0 {
			return nil, fmt.Errorf("schedule %s has no milestones", rec.Name)
		}
		schedules = append(schedules, s)
	}
	return schedules, nil
}

// LoadSchedulesFile reads schedule definitions from path.
func LoadSchedulesFile(path string) ([]*Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedules: %w", err)
	}
	return ParseSchedules(data)
}

func (mr milestoneRecord) build() (*Milestone, error) {
	if mr.Name == "" {
		return nil, fmt.Errorf("milestone name is required")
	}

	periods := make([]Period, len(WindowNames))
	for name, raw := range mr.Windows {
		idx := -1
		for i, n := range WindowNames {
			if n == name {
				idx = i
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("milestone %s: unknown window %q", mr.Name, name)
		}
		if raw == "" {
			continue
		}
		wt, err := ParseWallTime(raw)
		if err != nil {
			return nil, fmt.Errorf("milestone %s: %w", mr.Name, err)
		}
		periods[idx] = wt.AsPeriod()
	}

	m := NewMilestone(mr.Name, periods[0], periods[1], periods[2], periods[3])
	m.Data = mr.Data

	for _, ar := range mr.Alerts {
		offset, err := ParseWallTime(ar.Offset)
		if err != nil {
			return nil, fmt.Errorf("milestone %s alert: %w", mr.Name, err)
		}
		alert := Alert{Offset: offset, Count: ar.Count, Floating: ar.Floating}
		if alert.Count <= 0 {
			alert.Count = 1
		}
		if ar.Index != nil {
			alert.Index = *ar.Index
		} else if w := m.MilestoneWindow(ar.Window); w != nil {
			alert.Index = len(w.Alerts)
		}
		if ar.Interval != "" {
			interval, err := ParseWallTime(ar.Interval)
			if err != nil {
				return nil, fmt.Errorf("milestone %s alert: %w", mr.Name, err)
			}
			alert.Interval = &interval
		}
		if err := m.AddAlert(ar.Window, alert); err != nil {
			return nil, err
		}
	}
	return m, nil
}
