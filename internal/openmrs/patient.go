package openmrs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/motech/platform/internal/mrs"
)

// PatientAdapter finds patients by the MOTECH id stored as an OpenMRS
// patient identifier.
type PatientAdapter struct {
	client *RestfulClient
	urls   URLHolder
}

func NewPatientAdapter(client *RestfulClient, urls URLHolder) *PatientAdapter {
	return &PatientAdapter{client: client, urls: urls}
}

func (a *PatientAdapter) GetPatientByMotechID(ctx context.Context, motechID string) (*mrs.Patient, error) {
	raw, err := a.client.GetEntity(ctx, a.urls.PatientSearchByMotechID(motechID))
	if err != nil {
		return nil, mrs.NewError("get patient", err)
	}

	var resp resultsJSON[patientJSON]
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, mrs.NewError("get patient", fmt.Errorf("decode patients: %w", err))
	}

	for _, p := range resp.Results {
		if !hasIdentifier(p, motechID) {
			continue
		}
		person, err := ConvertPerson(p.Person)
		if err != nil {
			return nil, mrs.NewError("get patient", err)
		}
		patient := &mrs.Patient{ID: p.UUID, MotechID: motechID, Person: person}
		if len(p.Identifiers) > 0 {
			patient.Facility = ConvertFacility(p.Identifiers[0].Location)
		}
		return patient, nil
	}
	return nil, nil
}

func hasIdentifier(p patientJSON, motechID string) bool {
	for _, id := range p.Identifiers {
		if id.Identifier == motechID {
			return true
		}
	}
	return false
}

var _ mrs.PatientAdapter = (*PatientAdapter)(nil)
