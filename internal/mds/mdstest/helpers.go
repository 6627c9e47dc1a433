// Package mdstest builds entity metadata and sample values for tests.
package mdstest

import (
	"strconv"
	"time"

	"github.com/motech/platform/internal/mds"
	"github.com/motech/platform/internal/shared/events"
	"github.com/motech/platform/internal/shared/types"
	"github.com/rs/zerolog"
)

// Field returns an optional field of type t.
func Field(name string, t mds.Type) mds.Field {
	return mds.Field{Name: name, DisplayName: name, Type: t}
}

// FieldWithDefault returns a field whose default is def, stored formatted.
func FieldWithDefault(name string, t mds.Type, def any) mds.Field {
	f := Field(name, t)
	f.DefaultValue = mds.Format(def)
	return f
}

// FieldFlags returns a field with the given flags set.
func FieldFlags(name string, t mds.Type, required, exposedViaRest, autoGenerated bool) mds.Field {
	f := Field(name, t)
	f.Required = required
	f.ExposedViaRest = exposedViaRest
	if autoGenerated {
		f.Metadata = map[string]string{mds.MetaAutoGenerated: "true"}
	}
	return f
}

// FieldWithComboboxSettings returns a combobox field offering items.
func FieldWithComboboxSettings(name string, allowUserSupplied, allowMultipleSelections bool, items ...string) mds.Field {
	f := Field(name, mds.TypeCombobox)
	f.Settings = []mds.Setting{
		{Name: mds.SettingAllowUserSupplied, Value: strconv.FormatBool(allowUserSupplied)},
		{Name: mds.SettingAllowMultipleSelection, Value: strconv.FormatBool(allowMultipleSelections)},
		{Name: mds.SettingValues, Value: mds.BuildStringFromList(items)},
	}
	return f
}

// Relationship returns a relationship field to relatedClass. backlink may be
// empty.
func Relationship(name string, t mds.Type, relatedClass, backlink string) mds.Field {
	f := Field(name, t)
	f.Metadata = map[string]string{mds.MetaRelatedClass: relatedClass}
	if backlink != "" {
		f.Metadata[mds.MetaRelatedField] = backlink
	}
	return f
}

// LookupFieldDto returns a VALUE lookup field. An empty operator means "=".
func LookupFieldDto(name, operator string) mds.LookupField {
	return mds.LookupField{Name: name, Type: mds.LookupValue, CustomOperator: operator}
}

// LookupFieldOfType returns a lookup field matched as t.
func LookupFieldOfType(name string, t mds.LookupFieldType) mds.LookupField {
	return mds.LookupField{Name: name, Type: t}
}

// LookupFieldDtos returns VALUE lookup fields for names.
func LookupFieldDtos(names ...string) []mds.LookupField {
	out := make([]mds.LookupField, 0, len(names))
	for _, n := range names {
		out = append(out, LookupFieldDto(n, ""))
	}
	return out
}

// NewVal returns a sample value of type t.
func NewVal(t mds.Type) any {
	switch t {
	case mds.TypeInteger, mds.TypeLong:
		return int64(5)
	case mds.TypeDouble:
		return 2.1
	case mds.TypeString:
		return "test"
	case mds.TypeList:
		return []string{"3", "4", "5"}
	case mds.TypeTime:
		return types.NewTime(10, 54)
	case mds.TypeBoolean:
		return true
	case mds.TypeLocale:
		return "en"
	case mds.TypeDate:
		return types.DateOnly(time.Now().UTC())
	case mds.TypeDateTime:
		return time.Now().UTC().Truncate(time.Second)
	}
	return nil
}

// FindByName returns the field called name, or false.
func FindByName(fields []mds.Field, name string) (mds.Field, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f, true
		}
	}
	return mds.Field{}, false
}

// NewServices wires in-memory data services over registry and bus.
func NewServices(registry *mds.Registry, bus events.EventBus, opts ...mds.Option) *mds.Services {
	return mds.NewServices(registry, mds.NewMemoryStore(), mds.NewMemoryHistoryRepository(), bus, zerolog.Nop(), opts...)
}
