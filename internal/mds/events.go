package mds

import (
	"strings"

	"github.com/motech/platform/internal/shared/events"
)

// CrudEventType is the action a CRUD event reports.
type CrudEventType string

const (
	CrudCreate CrudEventType = "CREATE"
	CrudUpdate CrudEventType = "UPDATE"
	CrudDelete CrudEventType = "DELETE"
)

// CRUD event subject prefix and parameter names.
const (
	CrudSubjectPrefix = "mds.crud"
	CrudWildcard      = CrudSubjectPrefix + ".*"

	ParamModuleName  = "module_name"
	ParamNamespace   = "namespace"
	ParamEntityName  = "entity_name"
	ParamEntityClass = "entity_class"
	ParamObjectID    = "object_id"
)

const eventSource = "mds"

// SimplifiedModuleName strips the spaces from a module name.
func SimplifiedModuleName(module string) string {
	return strings.ReplaceAll(module, " ", "")
}

// CreateSubject builds mds.crud.<module>.<namespace>.<entity>.<ACTION>.
// Empty parts are left out.
func CreateSubject(module, namespace, entity string, action CrudEventType) string {
	parts := []string{CrudSubjectPrefix}
	for _, p := range []string{SimplifiedModuleName(module), namespace, entity} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	parts = append(parts, string(action))
	return strings.Join(parts, ".")
}

// crudEvent builds the event published after a committed change.
func crudEvent(e *Entity, id string, action CrudEventType) events.Event {
	params := map[string]any{
		ParamModuleName:  SimplifiedModuleName(e.Module),
		ParamEntityName:  e.Name,
		ParamEntityClass: e.ClassName,
		ParamObjectID:    id,
	}
	if e.Namespace != "" {
		params[ParamNamespace] = e.Namespace
	}
	return events.NewEvent(CreateSubject(e.Module, e.Namespace, e.Name, action), eventSource, params)
}
