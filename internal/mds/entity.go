package mds

import (
	"fmt"
	"slices"
	"strings"

	"github.com/motech/platform/internal/shared/errors"
)

// Auto fields present on every entity.
const (
	FieldID               = "id"
	FieldCreator          = "creator"
	FieldOwner            = "owner"
	FieldModifiedBy       = "modifiedBy"
	FieldCreationDate     = "creationDate"
	FieldModificationDate = "modificationDate"
)

// Field metadata keys.
const (
	MetaAutoGenerated = "autoGenerated"
	MetaRelatedClass  = "related.class"
	MetaRelatedField  = "related.field"
)

// Combobox setting names.
const (
	SettingAllowUserSupplied      = "mds.form.label.allowUserSupplied"
	SettingAllowMultipleSelection = "mds.form.label.allowMultipleSelections"
	SettingValues                 = "mds.form.label.values"
)

// ErrRequiredField is returned when a required field is missing or empty.
// It wraps errors.ErrValidation.
var ErrRequiredField = fmt.Errorf("%w: required field", errors.ErrValidation)

// Setting is a named field setting. Values are stored formatted.
type Setting struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Field describes one entity field.
type Field struct {
	Name           string            `json:"name"`
	DisplayName    string            `json:"displayName,omitempty"`
	Type           Type              `json:"type"`
	Required       bool              `json:"required,omitempty"`
	ReadOnly       bool              `json:"readOnly,omitempty"`
	ExposedViaRest bool              `json:"exposedViaRest,omitempty"`
	DefaultValue   string            `json:"defaultValue,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Settings       []Setting         `json:"settings,omitempty"`
}

func (f Field) Meta(key string) string {
	return f.Metadata[key]
}

func (f Field) Setting(name string) (string, bool) {
	for _, s := range f.Settings {
		if s.Name == name {
			return s.Value, true
		}
	}
	return "", false
}

func (f Field) AutoGenerated() bool {
	return f.Meta(MetaAutoGenerated) == "true"
}

// RelatedClass is the class name a relationship field points at.
func (f Field) RelatedClass() string {
	return f.Meta(MetaRelatedClass)
}

// Backlink is the field on the related entity kept in sync with this one.
func (f Field) Backlink() string {
	return f.Meta(MetaRelatedField)
}

func (f Field) boolSetting(name string) bool {
	v, _ := f.Setting(name)
	return v == "true"
}

// ComboboxValues returns the allowed combobox items.
func (f Field) ComboboxValues() []string {
	v, ok := f.Setting(SettingValues)
	if !ok {
		return nil
	}
	return ParseList(v)
}

func (f Field) multiSelect() bool {
	return f.boolSetting(SettingAllowMultipleSelection)
}

// coerce converts v into the field's value, checking combobox items.
func (f Field) coerce(v any) (any, error) {
	if f.Type == TypeCombobox && f.multiSelect() {
		if s, ok := v.(string); ok {
			v = ParseList(s)
		}
		out, err := Coerce(v, TypeList)
		if err != nil || out == nil {
			return out, err
		}
		for _, item := range out.([]string) {
			if err := f.checkComboItem(item); err != nil {
				return nil, err
			}
		}
		return out, nil
	}

	out, err := Coerce(v, f.Type)
	if err != nil {
		return nil, err
	}
	if s, ok := out.(string); ok && f.Type == TypeCombobox && s != "" {
		if err := f.checkComboItem(s); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (f Field) checkComboItem(item string) error {
	if f.boolSetting(SettingAllowUserSupplied) {
		return nil
	}
	if allowed := f.ComboboxValues(); allowed != nil && !slices.Contains(allowed, item) {
		return fmt.Errorf("value %q is not one of %s", item, BuildStringFromList(allowed))
	}
	return nil
}

// LookupFieldType selects how a lookup parameter is matched.
type LookupFieldType string

const (
	LookupValue LookupFieldType = "VALUE"
	LookupRange LookupFieldType = "RANGE"
	LookupSet   LookupFieldType = "SET"
)

// Lookup operators.
const (
	OpEqual            = "="
	OpNotEqual         = "!="
	OpLess             = "<"
	OpLessEqual        = "<="
	OpGreater          = ">"
	OpGreaterEqual     = ">="
	OpStartsWith       = "startsWith()"
	OpEndsWith         = "endsWith()"
	OpMatches          = "matches()"
	OpEqualsIgnoreCase = "equalsIgnoreCase()"
	OpContains         = "contains()"
)

var knownOperators = []string{
	OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual,
	OpStartsWith, OpEndsWith, OpMatches, OpEqualsIgnoreCase, OpContains,
}

type LookupField struct {
	Name           string          `json:"name"`
	Type           LookupFieldType `json:"type,omitempty"`
	CustomOperator string          `json:"customOperator,omitempty"`
}

func (lf LookupField) kind() LookupFieldType {
	if lf.Type == "" {
		return LookupValue
	}
	return lf.Type
}

func (lf LookupField) operator() string {
	if lf.CustomOperator == "" {
		return OpEqual
	}
	return lf.CustomOperator
}

type Lookup struct {
	Name               string        `json:"name"`
	SingleObjectReturn bool          `json:"singleObjectReturn,omitempty"`
	ExposedViaRest     bool          `json:"exposedViaRest,omitempty"`
	Fields             []LookupField `json:"fields"`
}

// Entity describes a class of instances.
type Entity struct {
	ClassName     string   `json:"className"`
	Name          string   `json:"name,omitempty"`
	Module        string   `json:"module,omitempty"`
	Namespace     string   `json:"namespace,omitempty"`
	Fields        []Field  `json:"fields"`
	Lookups       []Lookup `json:"lookups,omitempty"`
	RecordHistory bool     `json:"recordHistory,omitempty"`
}

// SimpleName returns the class name without its package.
func SimpleName(className string) string {
	if i := strings.LastIndex(className, "."); i >= 0 {
		return className[i+1:]
	}
	return className
}

func (e *Entity) Field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (e *Entity) Lookup(name string) (Lookup, bool) {
	for _, l := range e.Lookups {
		if l.Name == name {
			return l, true
		}
	}
	return Lookup{}, false
}

// RelationshipFields returns the fields referencing other instances.
func (e *Entity) RelationshipFields() []Field {
	var out []Field
	for _, f := range e.Fields {
		if f.Type.IsRelationship() {
			out = append(out, f)
		}
	}
	return out
}

func autoFields() []Field {
	auto := map[string]string{MetaAutoGenerated: "true"}
	return []Field{
		{Name: FieldID, DisplayName: "Id", Type: TypeString, ReadOnly: true, ExposedViaRest: true, Metadata: auto},
		{Name: FieldCreator, DisplayName: "Created By", Type: TypeString, ReadOnly: true, ExposedViaRest: true, Metadata: auto},
		{Name: FieldOwner, DisplayName: "Owner", Type: TypeString, ExposedViaRest: true, Metadata: auto},
		{Name: FieldModifiedBy, DisplayName: "Modified By", Type: TypeString, ReadOnly: true, ExposedViaRest: true, Metadata: auto},
		{Name: FieldCreationDate, DisplayName: "Creation Date", Type: TypeDateTime, ReadOnly: true, ExposedViaRest: true, Metadata: auto},
		{Name: FieldModificationDate, DisplayName: "Modification Date", Type: TypeDateTime, ReadOnly: true, ExposedViaRest: true, Metadata: auto},
	}
}

// IsAutoField reports whether name is one of the fields every entity carries.
func IsAutoField(name string) bool {
	switch name {
	case FieldID, FieldCreator, FieldOwner, FieldModifiedBy, FieldCreationDate, FieldModificationDate:
		return true
	}
	return false
}

// validate checks the entity on its own. Relationship targets are checked
// by the registry.
func (e *Entity) validate() error {
	details := map[string]string{}
	if e.ClassName == "" {
		details["className"] = "required"
	}

	seen := map[string]bool{}
	for _, f := range e.Fields {
		switch {
		case f.Name == "":
			details["fields"] = "field name required"
		case seen[f.Name]:
			details[f.Name] = "duplicate field"
		case IsAutoField(f.Name):
			details[f.Name] = "reserved field name"
		case !f.Type.Valid():
			details[f.Name] = fmt.Sprintf("unknown type %q", f.Type)
		case f.Type.IsRelationship() && f.RelatedClass() == "":
			details[f.Name] = "relationship requires " + MetaRelatedClass
		case f.DefaultValue != "":
			if _, err := Parse(f.DefaultValue, f.Type); err != nil {
				details[f.Name] = err.Error()
			}
		}
		seen[f.Name] = true
	}

	for _, l := range e.Lookups {
		for _, lf := range l.Fields {
			if !seen[lf.Name] && !IsAutoField(lf.Name) {
				details["lookup."+l.Name] = "unknown field " + lf.Name
			}
			if lf.CustomOperator != "" && !slices.Contains(knownOperators, lf.CustomOperator) {
				details["lookup."+l.Name] = "unknown operator " + lf.CustomOperator
			}
		}
	}

	if len(details) > 0 {
		return errors.Validation(fmt.Sprintf("invalid entity %s", e.ClassName), details)
	}
	return nil
}
