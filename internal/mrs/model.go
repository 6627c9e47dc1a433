// Package mrs defines medical record system records and the adapter
// interfaces that connect the platform to a concrete MRS such as OpenMRS.
package mrs

import "time"

// Facility is a location where care is delivered
type Facility struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Country        string `json:"country,omitempty"`
	Region         string `json:"region,omitempty"`
	CountyDistrict string `json:"county_district,omitempty"`
	StateProvince  string `json:"state_province,omitempty"`
}

// Person holds demographic data shared by patients and providers
type Person struct {
	ID            string     `json:"id"`
	FirstName     string     `json:"first_name,omitempty"`
	MiddleName    string     `json:"middle_name,omitempty"`
	LastName      string     `json:"last_name,omitempty"`
	PreferredName string     `json:"preferred_name,omitempty"`
	Address       string     `json:"address,omitempty"`
	DateOfBirth   *time.Time `json:"date_of_birth,omitempty"`
	Gender        string     `json:"gender,omitempty"`
	Dead          bool       `json:"dead"`
	DeathDate     *time.Time `json:"death_date,omitempty"`
}

// Patient is a person registered under a MOTECH id
type Patient struct {
	ID       string    `json:"id"`
	MotechID string    `json:"motech_id"`
	Person   *Person   `json:"person,omitempty"`
	Facility *Facility `json:"facility,omitempty"`
}

// User is an MRS system account
type User struct {
	ID       string  `json:"id"`
	SystemID string  `json:"system_id,omitempty"`
	UserName string  `json:"user_name"`
	Person   *Person `json:"person,omitempty"`
}

// Observation is a single recorded value for a concept. Dependant
// observations form an observation group.
type Observation struct {
	ID                    string        `json:"id,omitempty"`
	Date                  time.Time     `json:"date"`
	ConceptName           string        `json:"concept_name"`
	Value                 any           `json:"value"`
	DependantObservations []Observation `json:"dependant_observations,omitempty"`
}

// Encounter is a patient interaction with its observations
type Encounter struct {
	ID            string        `json:"id,omitempty"`
	Provider      *Person       `json:"provider,omitempty"`
	Creator       *User         `json:"creator,omitempty"`
	Facility      *Facility     `json:"facility,omitempty"`
	Date          time.Time     `json:"date"`
	Patient       *Patient      `json:"patient,omitempty"`
	Observations  []Observation `json:"observations,omitempty"`
	EncounterType string        `json:"encounter_type"`
}
