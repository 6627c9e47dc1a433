package mrs

import (
	"context"
	"fmt"
	"strings"
)

// EncounterAdapter reads and writes encounters in an MRS
type EncounterAdapter interface {
	CreateEncounter(ctx context.Context, encounter Encounter) (*Encounter, error)
	GetAllEncountersByPatientMotechID(ctx context.Context, motechID string) ([]Encounter, error)
	// GetLatestEncounterByPatientMotechID returns nil when the patient has no
	// encounter of the given type. A blank type matches every encounter.
	GetLatestEncounterByPatientMotechID(ctx context.Context, motechID, encounterType string) (*Encounter, error)
	DeleteEncounter(ctx context.Context, id string) error
}

// PatientAdapter resolves patients in an MRS
type PatientAdapter interface {
	// GetPatientByMotechID returns nil, nil when no patient carries the id.
	GetPatientByMotechID(ctx context.Context, motechID string) (*Patient, error)
}

// Error is returned by adapters for any failure talking to the MRS.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("mrs %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// LatestEncounter picks the most recent encounter. A non-blank
// encounterType restricts the choice to encounters of exactly that type.
// Among equal dates the earliest in the slice wins.
func LatestEncounter(encounters []Encounter, encounterType string) *Encounter {
	filter := strings.TrimSpace(encounterType) != ""

	var latest *Encounter
	for i := range encounters {
		enc := &encounters[i]
		if filter && enc.EncounterType != encounterType {
			continue
		}
		if latest == nil || enc.Date.After(latest.Date) {
			latest = enc
		}
	}
	if latest == nil {
		return nil
	}
	found := *latest
	return &found
}
