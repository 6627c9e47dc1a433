package openmrs

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/motech/platform/internal/mrs"
)

// OpenMRS resource representations, limited to the fields the adapters read.

type locationJSON struct {
	UUID           string `json:"uuid"`
	Display        string `json:"display"`
	Name           string `json:"name"`
	Country        string `json:"country"`
	StateProvince  string `json:"stateProvince"`
	CountyDistrict string `json:"countyDistrict"`
	Region         string `json:"region"`
	Address6       string `json:"address6"`
}

type nameJSON struct {
	Display    string `json:"display"`
	GivenName  string `json:"givenName"`
	MiddleName string `json:"middleName"`
	FamilyName string `json:"familyName"`
}

type addressJSON struct {
	Address1 string `json:"address1"`
}

type personJSON struct {
	UUID             string       `json:"uuid"`
	Display          string       `json:"display"`
	Gender           string       `json:"gender"`
	Birthdate        string       `json:"birthdate"`
	Dead             bool         `json:"dead"`
	DeathDate        string       `json:"deathDate"`
	PreferredName    *nameJSON    `json:"preferredName"`
	PreferredAddress *addressJSON `json:"preferredAddress"`
}

type identifierJSON struct {
	Identifier string        `json:"identifier"`
	Location   *locationJSON `json:"location"`
}

type patientJSON struct {
	UUID        string           `json:"uuid"`
	Identifiers []identifierJSON `json:"identifiers"`
	Person      *personJSON      `json:"person"`
}

type refJSON struct {
	UUID    string `json:"uuid"`
	Name    string `json:"name"`
	Display string `json:"display"`
}

type obsJSON struct {
	UUID         string          `json:"uuid"`
	ObsDatetime  string          `json:"obsDatetime"`
	Concept      *refJSON        `json:"concept"`
	Value        json.RawMessage `json:"value"`
	GroupMembers []obsJSON       `json:"groupMembers"`
}

type encounterJSON struct {
	UUID              string        `json:"uuid"`
	EncounterDatetime string        `json:"encounterDatetime"`
	EncounterType     *refJSON      `json:"encounterType"`
	Location          *locationJSON `json:"location"`
	Provider          *refJSON      `json:"provider"`
	Obs               []obsJSON     `json:"obs"`
}

type resultsJSON[T any] struct {
	Results []T `json:"results"`
}

// ConvertFacility maps an OpenMRS location to a facility.
func ConvertFacility(l *locationJSON) *mrs.Facility {
	if l == nil {
		return nil
	}
	name := l.Name
	if name == "" {
		name = l.Display
	}
	region := l.Region
	if region == "" {
		region = l.Address6
	}
	return &mrs.Facility{
		ID:             l.UUID,
		Name:           name,
		Country:        l.Country,
		Region:         region,
		CountyDistrict: l.CountyDistrict,
		StateProvince:  l.StateProvince,
	}
}

// ConvertPerson maps a full OpenMRS person representation.
func ConvertPerson(p *personJSON) (*mrs.Person, error) {
	if p == nil {
		return nil, nil
	}
	person := &mrs.Person{
		ID:     p.UUID,
		Gender: p.Gender,
		Dead:   p.Dead,
	}
	if n := p.PreferredName; n != nil {
		person.FirstName = n.GivenName
		person.MiddleName = n.MiddleName
		person.LastName = n.FamilyName
		person.PreferredName = n.GivenName
	}
	if a := p.PreferredAddress; a != nil {
		person.Address = a.Address1
	}
	if p.Birthdate != "" {
		dob, err := ParseDate(p.Birthdate)
		if err != nil {
			return nil, fmt.Errorf("person %s birthdate: %w", p.UUID, err)
		}
		person.DateOfBirth = &dob
	}
	if p.DeathDate != "" {
		dd, err := ParseDate(p.DeathDate)
		if err != nil {
			return nil, fmt.Errorf("person %s death date: %w", p.UUID, err)
		}
		person.DeathDate = &dd
	}
	return person, nil
}

func convertObservations(in []obsJSON) ([]mrs.Observation, error) {
	out := make([]mrs.Observation, 0, len(in))
	for _, o := range in {
		date, err := ParseDate(o.ObsDatetime)
		if err != nil {
			return nil, fmt.Errorf("observation %s: %w", o.UUID, err)
		}
		obs := mrs.Observation{
			ID:    o.UUID,
			Date:  date,
			Value: valueText(o.Value),
		}
		if o.Concept != nil {
			obs.ConceptName = o.Concept.Display
		}
		if len(o.GroupMembers) > 0 {
			members, err := convertObservations(o.GroupMembers)
			if err != nil {
				return nil, err
			}
			obs.DependantObservations = members
		}
		out = append(out, obs)
	}
	return out, nil
}

// valueText renders an observation value as text. Coded values arrive as
// concept objects and are shown by their display name.
func valueText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var ref refJSON
	if err := json.Unmarshal(raw, &ref); err == nil && ref.Display != "" {
		return ref.Display
	}
	return string(raw)
}

// observationsToJSON builds the obs payload of an encounter POST. Concept
// names are resolved to uuids by resolve.
func observationsToJSON(observations []mrs.Observation, resolve func(string) (string, error)) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(observations))
	for _, o := range observations {
		concept, err := resolve(o.ConceptName)
		if err != nil {
			return nil, err
		}
		obj := map[string]any{
			"concept":     concept,
			"value":       formatValue(o.Value),
			"obsDatetime": FormatDate(o.Date),
		}
		if len(o.DependantObservations) > 0 {
			members, err := observationsToJSON(o.DependantObservations, resolve)
			if err != nil {
				return nil, err
			}
			obj["groupMembers"] = members
		}
		out = append(out, obj)
	}
	return out, nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case time.Time:
		return FormatDate(val)
	case fmt.Stringer:
		return val.String()
	default:
		return fmt.Sprint(val)
	}
}
