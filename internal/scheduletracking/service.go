package scheduletracking

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/motech/platform/internal/shared/errors"
	"github.com/motech/platform/internal/shared/events"
	"github.com/motech/platform/internal/shared/metrics"
	"github.com/motech/platform/internal/shared/types"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
)

// Event subject and parameter keys.
const (
	SubjectMilestoneAlert = "scheduletracking.milestone.alert"
	SubjectDefaulted      = "scheduletracking.enrollment.defaulted"

	ParamExternalID    = "external_id"
	ParamScheduleName  = "schedule_name"
	ParamMilestoneName = "milestone_name"
	ParamWindowName    = "window_name"
	ParamAlertIndex    = "alert_index"
	ParamOccurrence    = "occurrence"
	ParamReferenceDate = "reference_date"
)

// EnrollmentService enrolls external ids in schedules and raises milestone
// alerts as windows open.
type EnrollmentService struct {
	repo   EnrollmentRepository
	bus    events.EventBus
	clock  types.Clock
	logger zerolog.Logger

	mu        sync.RWMutex
	schedules map[string]*Schedule

	t tomb.Tomb
}

func NewEnrollmentService(repo EnrollmentRepository, bus events.EventBus, clock types.Clock, logger zerolog.Logger) *EnrollmentService {
	if clock == nil {
		clock = types.SystemClock
	}
	return &EnrollmentService{
		repo:      repo,
		bus:       bus,
		clock:     clock,
		logger:    logger.With().Str("component", "scheduletracking").Logger(),
		schedules: make(map[string]*Schedule),
	}
}

// RegisterSchedule makes a schedule available for enrollment. Its
// milestones adopt the service clock.
func (s *EnrollmentService) RegisterSchedule(schedule *Schedule) {
	for _, m := range schedule.Milestones {
		m.WithClock(s.clock)
	}
	s.mu.Lock()
	s.schedules[schedule.Name] = schedule
	s.mu.Unlock()
}

func (s *EnrollmentService) Schedule(name string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	schedule, ok := s.schedules[name]
	if !ok {
		return nil, errors.NotFound("schedule", name)
	}
	return schedule, nil
}

// Enroll starts externalID on scheduleName. An empty startingMilestone means
// the first milestone.
func (s *EnrollmentService) Enroll(ctx context.Context, externalID, scheduleName string, referenceDate time.Time, startingMilestone string) (*Enrollment, error) {
	if externalID == "" {
		return nil, errors.Validation("external id is required", map[string]string{"external_id": "required"})
	}
	schedule, err := s.Schedule(scheduleName)
	if err != nil {
		return nil, err
	}

	milestone := schedule.FirstMilestone()
	if startingMilestone != "" {
		milestone = schedule.Milestone(startingMilestone)
	}
	if milestone == nil {
		return nil, errors.NotFound("milestone", startingMilestone)
	}

	existing, err := s.repo.FindActive(ctx, externalID, scheduleName)
	if err != nil {
		return nil, errors.Wrap(err, "find enrollment")
	}
	if existing != nil {
		return nil, errors.Conflict(fmt.Sprintf("%s is already enrolled in %s", externalID, scheduleName))
	}

	now := s.clock()
	if referenceDate.IsZero() {
		referenceDate = now
	}
	enrollment := &Enrollment{
		ExternalID:           externalID,
		ScheduleName:         scheduleName,
		CurrentMilestoneName: milestone.Name,
		ReferenceDate:        types.DateOnly(referenceDate),
		EnrollmentDate:       now,
		Status:               StatusActive,
	}
	if err := s.repo.Save(ctx, enrollment); err != nil {
		return nil, errors.Wrap(err, "save enrollment")
	}

	s.logger.Info().
		Str("external_id", externalID).
		Str("schedule", scheduleName).
		Str("milestone", milestone.Name).
		Msg("enrolled")
	return enrollment, nil
}

// Fulfill marks the current milestone done on date. The next milestone is
// referenced from the fulfillment date; after the last one the enrollment
// completes.
func (s *EnrollmentService) Fulfill(ctx context.Context, externalID, scheduleName string, date time.Time) (*Enrollment, error) {
	enrollment, schedule, err := s.active(ctx, externalID, scheduleName)
	if err != nil {
		return nil, err
	}
	if date.IsZero() {
		date = s.clock()
	}

	enrollment.Fulfillments = append(enrollment.Fulfillments, Fulfillment{
		MilestoneName: enrollment.CurrentMilestoneName,
		Date:          date,
	})
	enrollment.AlertsSent = nil

	if next := schedule.NextMilestone(enrollment.CurrentMilestoneName); next != nil {
		enrollment.CurrentMilestoneName = next.Name
		enrollment.ReferenceDate = types.DateOnly(date)
	} else {
		enrollment.Status = StatusCompleted
	}

	if err := s.repo.Save(ctx, enrollment); err != nil {
		return nil, errors.Wrap(err, "save enrollment")
	}
	return enrollment, nil
}

func (s *EnrollmentService) Unenroll(ctx context.Context, externalID, scheduleName string) error {
	enrollment, _, err := s.active(ctx, externalID, scheduleName)
	if err != nil {
		return err
	}
	enrollment.Status = StatusUnenrolled
	if err := s.repo.Save(ctx, enrollment); err != nil {
		return errors.Wrap(err, "save enrollment")
	}
	return nil
}

// CurrentWindow returns the first window of the current milestone that has
// not elapsed. Once every window has elapsed it returns max.
func (s *EnrollmentService) CurrentWindow(ctx context.Context, externalID, scheduleName string) (WindowName, error) {
	span, err := s.CurrentWindowSpan(ctx, externalID, scheduleName)
	if err != nil {
		return "", err
	}
	return span.Window, nil
}

// WindowSpan is a window of the current milestone with its open and close
// dates. End is exclusive.
type WindowSpan struct {
	Milestone string     `json:"milestone"`
	Window    WindowName `json:"window"`
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
}

// CurrentWindowSpan is CurrentWindow with the dates the window covers.
func (s *EnrollmentService) CurrentWindowSpan(ctx context.Context, externalID, scheduleName string) (WindowSpan, error) {
	enrollment, schedule, err := s.active(ctx, externalID, scheduleName)
	if err != nil {
		return WindowSpan{}, err
	}
	milestone := schedule.Milestone(enrollment.CurrentMilestoneName)
	window := currentWindow(milestone, enrollment.ReferenceDate)
	return WindowSpan{
		Milestone: milestone.Name,
		Window:    window,
		Start:     milestone.WindowStart(window, enrollment.ReferenceDate),
		End:       milestone.WindowEnd(window, enrollment.ReferenceDate),
	}, nil
}

func currentWindow(m *Milestone, reference time.Time) WindowName {
	for _, w := range m.MilestoneWindows() {
		if w.Period.IsZero() {
			continue
		}
		if !m.WindowElapsed(w.Name, reference) {
			return w.Name
		}
	}
	return WindowMax
}

func (s *EnrollmentService) active(ctx context.Context, externalID, scheduleName string) (*Enrollment, *Schedule, error) {
	schedule, err := s.Schedule(scheduleName)
	if err != nil {
		return nil, nil, err
	}
	enrollment, err := s.repo.FindActive(ctx, externalID, scheduleName)
	if err != nil {
		return nil, nil, errors.Wrap(err, "find enrollment")
	}
	if enrollment == nil {
		return nil, nil, errors.NotFound("enrollment", externalID+"/"+scheduleName)
	}
	if schedule.Milestone(enrollment.CurrentMilestoneName) == nil {
		return nil, nil, errors.NotFound("milestone", enrollment.CurrentMilestoneName)
	}
	return enrollment, schedule, nil
}

type dueAlert struct {
	key        string
	window     WindowName
	alert      Alert
	occurrence int
}

// AlertsDue publishes every alert occurrence that has come due for an active
// enrollment and was not published before. Enrollments whose max window has
// elapsed are marked defaulted. It returns the number of alerts published.
func (s *EnrollmentService) AlertsDue(ctx context.Context) (int, error) {
	now := s.clock()
	enrollments, err := s.repo.ListActive(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list enrollments")
	}

	published := 0
	for i := range enrollments {
		e := &enrollments[i]
		schedule, err := s.Schedule(e.ScheduleName)
		if err != nil {
			s.logger.Warn().Str("schedule", e.ScheduleName).Msg("enrollment references unknown schedule")
			continue
		}
		milestone := schedule.Milestone(e.CurrentMilestoneName)
		if milestone == nil {
			continue
		}

		due := dueAlerts(milestone, e, now)
		sent := 0
		for _, d := range due {
			event := events.NewEvent(SubjectMilestoneAlert, "scheduletracking", map[string]any{
				ParamExternalID:    e.ExternalID,
				ParamScheduleName:  e.ScheduleName,
				ParamMilestoneName: milestone.Name,
				ParamWindowName:    string(d.window),
				ParamAlertIndex:    d.alert.Index,
				ParamOccurrence:    d.occurrence,
				ParamReferenceDate: e.ReferenceDate.Format("2006-01-02"),
			})
			if err := s.bus.Publish(ctx, event); err != nil {
				if sent > 0 {
					if saveErr := s.repo.Save(ctx, e); saveErr != nil {
						s.logger.Error().Err(saveErr).Str("external_id", e.ExternalID).Msg("failed to save sent alerts")
					}
				}
				return published, fmt.Errorf("publish alert: %w", err)
			}
			e.AlertsSent = append(e.AlertsSent, d.key)
			metrics.RecordMilestoneAlert(string(d.window))
			sent++
			published++
		}

		defaulted := milestone.WindowElapsed(WindowMax, e.ReferenceDate)
		if defaulted {
			e.Status = StatusDefaulted
		}
		if len(due) == 0 && !defaulted {
			continue
		}
		if err := s.repo.Save(ctx, e); err != nil {
			return published, errors.Wrap(err, "save enrollment")
		}
		if defaulted {
			s.logger.Info().Str("external_id", e.ExternalID).Str("schedule", e.ScheduleName).Msg("enrollment defaulted")
			event := events.NewEvent(SubjectDefaulted, "scheduletracking", map[string]any{
				ParamExternalID:    e.ExternalID,
				ParamScheduleName:  e.ScheduleName,
				ParamMilestoneName: milestone.Name,
			})
			if err := s.bus.Publish(ctx, event); err != nil {
				return published, fmt.Errorf("publish defaulted: %w", err)
			}
		}
	}
	return published, nil
}

// dueAlerts lists the unsent occurrences of m's alerts that fall at or
// before now. An occurrence belongs to its window only while the window is
// open. Occurrences before the enrollment date are skipped, except that a
// floating alert's series is restarted on the enrollment date.
func dueAlerts(m *Milestone, e *Enrollment, now time.Time) []dueAlert {
	reference := types.DateOnly(e.ReferenceDate)
	enrolled := types.DateOnly(e.EnrollmentDate)

	var due []dueAlert
	for _, w := range m.MilestoneWindows() {
		windowStart := m.WindowStart(w.Name, reference)
		windowEnd := m.WindowEnd(w.Name, reference)

		for pos, a := range w.Alerts {
			at := a.Offset.AsPeriod().AddTo(windowStart)
			if a.Floating && at.Before(enrolled) {
				at = enrolled
			}

			count := a.Count
			if count < 1 || a.Interval == nil || a.Interval.AsPeriod().IsZero() {
				count = 1
			}
			for k := 0; k < count; k++ {
				if k > 0 {
					at = a.Interval.AsPeriod().AddTo(at)
				}
				if !at.Before(windowEnd) || at.After(now) {
					break
				}
				if at.Before(enrolled) {
					continue
				}
				// Keyed by position so alerts sharing an Index stay distinct.
				key := fmt.Sprintf("%s|%s|%d|%d", m.Name, w.Name, pos, k)
				if e.alertSent(key) {
					continue
				}
				due = append(due, dueAlert{key: key, window: w.Name, alert: a, occurrence: k})
			}
		}
	}
	return due
}

// Start runs AlertsDue every interval until Stop or ctx is done.
func (s *EnrollmentService) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.t.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.t.Dying():
				return nil
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n, err := s.AlertsDue(ctx); err != nil {
					s.logger.Error().Err(err).Msg("alert run failed")
				} else if n > 0 {
					s.logger.Debug().Int("published", n).Msg("milestone alerts published")
				}
			}
		}
	})
}

func (s *EnrollmentService) Stop() error {
	s.t.Kill(nil)
	return s.t.Wait()
}
