package types

import (
	"fmt"

	"github.com/google/uuid"
)

// ID is a UUID string. Regimens, enrollments, queued SMS messages and events
// are keyed by one.
type ID string

func NewID() ID {
	return ID(uuid.New().String())
}

// ParseID accepts any UUID form and returns it in canonical lower case.
func ParseID(s string) (ID, error) {
	parsed, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid id %q: %w", s, err)
	}
	return ID(parsed.String()), nil
}

func (id ID) String() string {
	return string(id)
}

func (id ID) IsZero() bool {
	return id == ""
}
