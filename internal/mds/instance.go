package mds

import (
	"encoding/json"
	"slices"
	"time"
)

// Instance is one stored record of an entity. Values holds the entity's own
// fields; the auto fields live on the struct.
type Instance struct {
	ID               string
	Creator          string
	Owner            string
	ModifiedBy       string
	CreationDate     time.Time
	ModificationDate time.Time
	Values           map[string]any
}

func NewInstance(values map[string]any) *Instance {
	if values == nil {
		values = map[string]any{}
	}
	return &Instance{Values: values}
}

// Get returns a field value, auto fields included.
func (i *Instance) Get(field string) any {
	switch field {
	case FieldID:
		return i.ID
	case FieldCreator:
		return i.Creator
	case FieldOwner:
		return i.Owner
	case FieldModifiedBy:
		return i.ModifiedBy
	case FieldCreationDate:
		return i.CreationDate
	case FieldModificationDate:
		return i.ModificationDate
	}
	return i.Values[field]
}

// Set assigns a field value, auto fields included.
func (i *Instance) Set(field string, v any) *Instance {
	switch field {
	case FieldID:
		i.ID, _ = v.(string)
	case FieldCreator:
		i.Creator, _ = v.(string)
	case FieldOwner:
		i.Owner, _ = v.(string)
	case FieldModifiedBy:
		i.ModifiedBy, _ = v.(string)
	case FieldCreationDate:
		i.CreationDate, _ = v.(time.Time)
	case FieldModificationDate:
		i.ModificationDate, _ = v.(time.Time)
	default:
		if i.Values == nil {
			i.Values = map[string]any{}
		}
		i.Values[field] = v
	}
	return i
}

// String returns a string field, or "" when unset.
func (i *Instance) String(field string) string {
	s, _ := i.Get(field).(string)
	return s
}

// IDs returns the ids held by a relationship field.
func (i *Instance) IDs(field string) []string {
	return relatedIDs(i.Get(field))
}

func relatedIDs(v any) []string {
	switch val := v.(type) {
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	case []string:
		return slices.Clone(val)
	}
	return nil
}

// Clone copies the instance. Slice values are copied; other values are
// immutable.
func (i *Instance) Clone() *Instance {
	c := *i
	c.Values = make(map[string]any, len(i.Values))
	for k, v := range i.Values {
		if list, ok := v.([]string); ok {
			v = slices.Clone(list)
		}
		c.Values[k] = v
	}
	return &c
}

// Map flattens the instance, auto fields included.
func (i *Instance) Map() map[string]any {
	m := make(map[string]any, len(i.Values)+6)
	for k, v := range i.Values {
		m[k] = v
	}
	m[FieldID] = i.ID
	m[FieldCreator] = i.Creator
	m[FieldOwner] = i.Owner
	m[FieldModifiedBy] = i.ModifiedBy
	m[FieldCreationDate] = i.CreationDate
	m[FieldModificationDate] = i.ModificationDate
	return m
}

// InstanceFromMap is the inverse of Map. Unrecognized auto field values are
// dropped; entity values are kept as decoded.
func InstanceFromMap(m map[string]any) *Instance {
	inst := NewInstance(nil)
	for k, v := range m {
		if !IsAutoField(k) {
			inst.Values[k] = v
			continue
		}
		if k == FieldCreationDate || k == FieldModificationDate {
			if s, ok := v.(string); ok {
				ts, err := time.Parse(time.RFC3339Nano, s)
				if err != nil {
					continue
				}
				v = ts
			}
		}
		inst.Set(k, v)
	}
	return inst
}

func (i *Instance) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Map())
}

func (i *Instance) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*i = *InstanceFromMap(m)
	return nil
}
