package openmrs

import (
	"net/url"
	"strings"
)

const restPath = "/ws/rest/v1"

// URLHolder builds OpenMRS REST resource URLs from the server base URL.
type URLHolder struct {
	base string
}

func NewURLHolder(baseURL string) URLHolder {
	return URLHolder{base: strings.TrimRight(baseURL, "/") + restPath}
}

func (u URLHolder) EncounterPath() string {
	return u.base + "/encounter"
}

func (u URLHolder) ConceptSearchByName(name string) string {
	return u.base + "/concept?q=" + url.QueryEscape(name)
}

func (u URLHolder) EncountersByPatientUUID(uuid string) string {
	return u.base + "/encounter?patient=" + url.QueryEscape(uuid) + "&v=full"
}

func (u URLHolder) PersonFullByUUID(uuid string) string {
	return u.base + "/person/" + url.PathEscape(uuid) + "?v=full"
}

func (u URLHolder) PatientSearchByMotechID(motechID string) string {
	return u.base + "/patient?q=" + url.QueryEscape(motechID) + "&v=full"
}

func (u URLHolder) CreatorByUUID(uuid string) string {
	return u.base + "/user/" + url.PathEscape(uuid) + "?v=full"
}

func (u URLHolder) EncounterByUUID(uuid string) string {
	return u.base + "/encounter/" + url.PathEscape(uuid)
}
