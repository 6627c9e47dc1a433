package openmrs

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/motech/platform/internal/mrs"
	"github.com/motech/platform/internal/shared/errors"
	"github.com/rs/zerolog"
)

// EncounterAdapter stores and reads encounters through the OpenMRS
// encounter resource.
type EncounterAdapter struct {
	client   *RestfulClient
	patients mrs.PatientAdapter
	urls     URLHolder
	logger   zerolog.Logger
}

func NewEncounterAdapter(client *RestfulClient, patients mrs.PatientAdapter, urls URLHolder, logger zerolog.Logger) *EncounterAdapter {
	return &EncounterAdapter{
		client:   client,
		patients: patients,
		urls:     urls,
		logger:   logger.With().Str("component", "openmrs_encounters").Logger(),
	}
}

// CreateEncounter posts the encounter and returns a copy carrying the uuid
// OpenMRS assigned. The creator is not sent; the web services reject it.
func (a *EncounterAdapter) CreateEncounter(ctx context.Context, enc mrs.Encounter) (*mrs.Encounter, error) {
	if enc.Facility == nil || enc.Patient == nil || enc.Provider == nil {
		return nil, mrs.NewError("create encounter", fmt.Errorf("facility, patient and provider are required"))
	}

	obs, err := observationsToJSON(enc.Observations, func(name string) (string, error) {
		return a.resolveConceptUUID(ctx, name)
	})
	if err != nil {
		return nil, err
	}

	body := map[string]any{
		"location":          enc.Facility.ID,
		"encounterType":     enc.EncounterType,
		"encounterDatetime": FormatDate(enc.Date),
		"patient":           enc.Patient.ID,
		"provider":          enc.Provider.ID,
		"obs":               obs,
	}

	raw, err := a.client.PostForEntity(ctx, a.urls.EncounterPath(), body)
	if err != nil {
		a.logger.Error().Err(err).Msg("could not create encounter")
		return nil, mrs.NewError("create encounter", err)
	}

	var created refJSON
	if err := json.Unmarshal(raw, &created); err != nil {
		return nil, mrs.NewError("create encounter", fmt.Errorf("decode response: %w", err))
	}

	result := enc
	result.ID = created.UUID
	return &result, nil
}

func (a *EncounterAdapter) resolveConceptUUID(ctx context.Context, name string) (string, error) {
	raw, err := a.client.GetEntity(ctx, a.urls.ConceptSearchByName(name))
	if err != nil {
		a.logger.Error().Err(err).Str("concept", name).Msg("could not retrieve concept uuid")
		return "", mrs.NewError("resolve concept", err)
	}

	var resp resultsJSON[refJSON]
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", mrs.NewError("resolve concept", fmt.Errorf("decode concepts: %w", err))
	}

	switch {
	case len(resp.Results) == 0:
		a.logger.Error().Str("concept", name).Msg("no concept found")
		return "", mrs.NewError("resolve concept",
			fmt.Errorf("can't create an encounter because no concept was found with name: %s", name))
	case len(resp.Results) > 1:
		a.logger.Warn().Str("concept", name).Int("matches", len(resp.Results)).Msg("found more than 1 concept, using the first")
	}
	return resp.Results[0].UUID, nil
}

// GetAllEncountersByPatientMotechID returns an empty slice when the patient
// is unknown.
func (a *EncounterAdapter) GetAllEncountersByPatientMotechID(ctx context.Context, motechID string) ([]mrs.Encounter, error) {
	patient, err := a.patients.GetPatientByMotechID(ctx, motechID)
	if err != nil {
		return nil, err
	}
	if patient == nil {
		return []mrs.Encounter{}, nil
	}

	raw, err := a.client.GetEntity(ctx, a.urls.EncountersByPatientUUID(patient.ID))
	if err != nil {
		a.logger.Error().Err(err).Str("motech_id", motechID).Msg("error retrieving encounters")
		return nil, mrs.NewError("get encounters", err)
	}

	var resp resultsJSON[encounterJSON]
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, mrs.NewError("get encounters", fmt.Errorf("decode encounters: %w", err))
	}

	encounters := make([]mrs.Encounter, 0, len(resp.Results))
	for _, e := range resp.Results {
		enc, err := a.convertEncounter(ctx, e, patient)
		if err != nil {
			a.logger.Error().Err(err).Str("motech_id", motechID).Msg("error converting encounter")
			return nil, mrs.NewError("get encounters", err)
		}
		encounters = append(encounters, *enc)
	}
	return encounters, nil
}

func (a *EncounterAdapter) convertEncounter(ctx context.Context, e encounterJSON, patient *mrs.Patient) (*mrs.Encounter, error) {
	date, err := ParseDate(e.EncounterDatetime)
	if err != nil {
		return nil, fmt.Errorf("encounter %s: %w", e.UUID, err)
	}
	obs, err := convertObservations(e.Obs)
	if err != nil {
		return nil, fmt.Errorf("encounter %s: %w", e.UUID, err)
	}

	enc := &mrs.Encounter{
		ID:           e.UUID,
		Date:         date,
		Facility:     ConvertFacility(e.Location),
		Patient:      patient,
		Observations: obs,
	}
	if e.EncounterType != nil {
		enc.EncounterType = e.EncounterType.Name
	}
	if e.Provider != nil && e.Provider.UUID != "" {
		provider, err := a.person(ctx, e.Provider.UUID)
		if err != nil {
			return nil, err
		}
		enc.Provider = provider
	}
	return enc, nil
}

func (a *EncounterAdapter) person(ctx context.Context, uuid string) (*mrs.Person, error) {
	raw, err := a.client.GetEntity(ctx, a.urls.PersonFullByUUID(uuid))
	if err != nil {
		return nil, err
	}
	var p personJSON
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode person %s: %w", uuid, err)
	}
	return ConvertPerson(&p)
}

func (a *EncounterAdapter) GetLatestEncounterByPatientMotechID(ctx context.Context, motechID, encounterType string) (*mrs.Encounter, error) {
	encounters, err := a.GetAllEncountersByPatientMotechID(ctx, motechID)
	if err != nil {
		return nil, err
	}
	return mrs.LatestEncounter(encounters, encounterType), nil
}

// DeleteEncounter removes an encounter by uuid.
func (a *EncounterAdapter) DeleteEncounter(ctx context.Context, uuid string) error {
	err := a.client.DeleteEntity(ctx, a.urls.EncounterByUUID(uuid))
	var httpErr *HTTPError
	switch {
	case err == nil:
		a.logger.Info().Str("encounter", uuid).Msg("encounter deleted")
		return nil
	case stderrors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound:
		return errors.NotFound("encounter", uuid)
	default:
		return mrs.NewError("delete encounter", err)
	}
}

var _ mrs.EncounterAdapter = (*EncounterAdapter)(nil)
