package pillreminder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/motech/platform/internal/shared/errors"
	"github.com/motech/platform/internal/shared/events"
	"github.com/motech/platform/internal/shared/metrics"
	"github.com/motech/platform/internal/shared/types"
	"github.com/rs/zerolog"
	"gopkg.in/tomb.v2"
)

// Event subjects and parameter keys.
const (
	SubjectReminder = "pillreminder.reminder"

	ParamExternalID         = "external_id"
	ParamDosageID           = "dosage_id"
	ParamTimesSent          = "times_sent"
	ParamTotalTimesToBeSent = "total_times_to_be_sent"
	ParamDosageStartTime    = "dosage_start_time"
)

// Scheduler emits reminder events for every enrolled regimen whose dosage
// window is open and whose dose has not been confirmed today.
type Scheduler struct {
	bus    events.EventBus
	timing *ReminderTime
	clock  types.Clock
	tick   time.Duration
	logger zerolog.Logger

	mu       sync.Mutex
	regimens map[string]*Regimen
	// last reminder count emitted per dosage window
	emitted map[emissionKey]int

	t tomb.Tomb
}

func NewScheduler(bus events.EventBus, clock types.Clock, tick time.Duration, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = types.SystemClock
	}
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		bus:      bus,
		timing:   NewReminderTime(clock),
		clock:    clock,
		tick:     tick,
		logger:   logger.With().Str("component", "pillreminder_scheduler").Logger(),
		regimens: make(map[string]*Regimen),
		emitted:  make(map[emissionKey]int),
	}
}

// Enroll starts reminders for regimen, replacing any regimen with the same
// external id.
func (s *Scheduler) Enroll(regimen Regimen) error {
	if err := regimen.Validate(); err != nil {
		return errors.BadRequest(err.Error())
	}
	if regimen.ID == "" {
		regimen.ID = types.NewID().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r := regimen
	r.Dosages = append([]Dosage(nil), regimen.Dosages...)
	s.regimens[regimen.ExternalID] = &r
	return nil
}

// Unenroll stops reminders for externalID.
func (s *Scheduler) Unenroll(externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.regimens[externalID]; !ok {
		return errors.NotFound("regimen", externalID)
	}
	delete(s.regimens, externalID)
	return nil
}

// Regimen returns a copy of the enrolled regimen.
func (s *Scheduler) Regimen(externalID string) (Regimen, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.regimens[externalID]
	if !ok {
		return Regimen{}, false
	}
	cp := *r
	cp.Dosages = append([]Dosage(nil), r.Dosages...)
	return cp, true
}

// CaptureDosageResponse records that the patient took the dose on date,
// which silences reminders for that day.
func (s *Scheduler) CaptureDosageResponse(externalID, dosageID string, date time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regimens[externalID]
	if !ok {
		return errors.NotFound("regimen", externalID)
	}
	for i := range r.Dosages {
		if r.Dosages[i].ID == dosageID {
			r.Dosages[i].ResponseLastCapturedDate = date
			return nil
		}
	}
	return errors.NotFound("dosage", dosageID)
}

// emissionKey names one dosage window by the day it opened.
type emissionKey struct {
	externalID string
	dosageID   string
	day        string
}

const dayLayout = "2006-01-02"

type pendingReminder struct {
	key   emissionKey
	event events.Event
	count int
}

// Tick evaluates every dosage once and publishes due reminders. It returns
// the number of events published.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.clock()
	pending := s.collect(now)

	published := 0
	for _, p := range pending {
		if err := s.bus.Publish(ctx, p.event); err != nil {
			return published, fmt.Errorf("publish reminder: %w", err)
		}
		s.mu.Lock()
		s.emitted[p.key] = p.count
		s.mu.Unlock()

		metrics.RecordPillReminder()
		published++
	}
	return published, nil
}

func (s *Scheduler) collect(now time.Time) []pendingReminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneEmitted(now)

	ids := make([]string, 0, len(s.regimens))
	for id := range s.regimens {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var pending []pendingReminder
	for _, id := range ids {
		r := s.regimens[id]
		for _, d := range r.Dosages {
			if !d.IsActive(now) {
				continue
			}
			start, open := OpenWindow(d, r.ReminderRepeatWindowInHours, now)
			if !open || d.IsResponseCapturedFor(start) {
				continue
			}

			sent := s.timing.TimesSentSince(start, r.ReminderRepeatWindowInHours, r.ReminderRepeatIntervalInMinutes)
			key := emissionKey{externalID: r.ExternalID, dosageID: d.ID, day: start.Format(dayLayout)}
			if last, ok := s.emitted[key]; ok && last == sent {
				continue
			}

			total := s.timing.TimesPillReminderWillBeSent(r.ReminderRepeatWindowInHours, r.ReminderRepeatIntervalInMinutes)
			pending = append(pending, pendingReminder{
				key:   key,
				count: sent,
				event: events.NewEvent(SubjectReminder, "pillreminder", map[string]any{
					ParamExternalID:         r.ExternalID,
					ParamDosageID:           d.ID,
					ParamTimesSent:          sent,
					ParamTotalTimesToBeSent: total,
					ParamDosageStartTime:    d.StartTime.String(),
				}),
			})
		}
	}
	return pending
}

// pruneEmitted drops counts for windows that opened before yesterday. A
// window opened yesterday may still be open after midnight.
func (s *Scheduler) pruneEmitted(now time.Time) {
	cutoff := now.AddDate(0, 0, -1).Format(dayLayout)
	for key := range s.emitted {
		if key.day < cutoff {
			delete(s.emitted, key)
		}
	}
}

func (s *Scheduler) emittedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emitted)
}

// OpenWindow returns the start of the dosage window containing now. A window
// that opened yesterday and runs past midnight counts as open.
func OpenWindow(d Dosage, windowInHours int, now time.Time) (time.Time, bool) {
	window := time.Duration(windowInHours) * time.Hour
	for _, day := range []time.Time{now, now.AddDate(0, 0, -1)} {
		start := d.StartTime.On(day)
		if !now.Before(start) && now.Before(start.Add(window)) {
			return start, true
		}
	}
	return time.Time{}, false
}

// Start runs Tick on the configured interval until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.t.Go(func() error {
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		for {
			select {
			case <-s.t.Dying():
				return nil
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if n, err := s.Tick(ctx); err != nil {
					s.logger.Error().Err(err).Msg("reminder tick failed")
				} else if n > 0 {
					s.logger.Debug().Int("published", n).Msg("reminders published")
				}
			}
		}
	})
	s.logger.Info().Dur("tick", s.tick).Msg("pill reminder scheduler started")
}

// Stop halts the scheduler and waits for the loop to exit.
func (s *Scheduler) Stop() error {
	s.t.Kill(nil)
	return s.t.Wait()
}
