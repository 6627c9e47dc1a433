package scheduletracking

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/motech/platform/internal/shared/types"
)

type EnrollmentStatus string

const (
	StatusActive     EnrollmentStatus = "ACTIVE"
	StatusCompleted  EnrollmentStatus = "COMPLETED"
	StatusDefaulted  EnrollmentStatus = "DEFAULTED"
	StatusUnenrolled EnrollmentStatus = "UNENROLLED"
)

type Fulfillment struct {
	MilestoneName string    `json:"milestone_name"`
	Date          time.Time `json:"date"`
}

// Enrollment tracks one external id through one schedule. ReferenceDate is
// the reference of the current milestone and moves forward on fulfillment.
type Enrollment struct {
	ID                   string           `json:"id"`
	ExternalID           string           `json:"external_id"`
	ScheduleName         string           `json:"schedule_name"`
	CurrentMilestoneName string           `json:"current_milestone_name"`
	ReferenceDate        time.Time        `json:"reference_date"`
	EnrollmentDate       time.Time        `json:"enrollment_date"`
	Status               EnrollmentStatus `json:"status"`
	Fulfillments         []Fulfillment    `json:"fulfillments,omitempty"`
	// AlertsSent holds the keys of alert occurrences already published for
	// the current milestone.
	AlertsSent []string `json:"alerts_sent,omitempty"`
}

func (e *Enrollment) IsActive() bool {
	return e.Status == StatusActive
}

func (e *Enrollment) alertSent(key string) bool {
	for _, k := range e.AlertsSent {
		if k == key {
			return true
		}
	}
	return false
}

func (e Enrollment) clone() Enrollment {
	e.Fulfillments = append([]Fulfillment(nil), e.Fulfillments...)
	e.AlertsSent = append([]string(nil), e.AlertsSent...)
	return e
}

// EnrollmentRepository persists enrollments.
type EnrollmentRepository interface {
	// Save inserts or replaces the enrollment. An empty ID is assigned.
	Save(ctx context.Context, e *Enrollment) error
	// FindActive returns the active enrollment, or nil when there is none.
	FindActive(ctx context.Context, externalID, scheduleName string) (*Enrollment, error)
	ListActive(ctx context.Context) ([]Enrollment, error)
}

// MemoryEnrollmentRepository keeps enrollments in process.
type MemoryEnrollmentRepository struct {
	mu          sync.RWMutex
	enrollments map[string]Enrollment
}

func NewMemoryEnrollmentRepository() *MemoryEnrollmentRepository {
	return &MemoryEnrollmentRepository{enrollments: make(map[string]Enrollment)}
}

func (r *MemoryEnrollmentRepository) Save(_ context.Context, e *Enrollment) error {
	if e.ID == "" {
		e.ID = types.NewID().String()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enrollments[e.ID] = e.clone()
	return nil
}

func (r *MemoryEnrollmentRepository) FindActive(_ context.Context, externalID, scheduleName string) (*Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.enrollments {
		if e.ExternalID == externalID && e.ScheduleName == scheduleName && e.IsActive() {
			found := e.clone()
			return &found, nil
		}
	}
	return nil, nil
}

func (r *MemoryEnrollmentRepository) ListActive(_ context.Context) ([]Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Enrollment
	for _, e := range r.enrollments {
		if e.IsActive() {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnrollmentDate.Equal(out[j].EnrollmentDate) {
			return out[i].EnrollmentDate.Before(out[j].EnrollmentDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
