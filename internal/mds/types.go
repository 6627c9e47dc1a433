// Package mds implements metadata data services: entities described at
// runtime by field metadata, stored generically, with CRUD events, instance
// history and relationship backlinks.
package mds

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/motech/platform/internal/shared/types"
)

// Type is a field type.
type Type string

const (
	TypeString   Type = "string"
	TypeInteger  Type = "integer"
	TypeLong     Type = "long"
	TypeDouble   Type = "double"
	TypeBoolean  Type = "boolean"
	TypeDate     Type = "date"
	TypeDateTime Type = "datetime"
	TypeTime     Type = "time"
	TypeLocale   Type = "locale"
	TypeList     Type = "list"
	TypeCombobox Type = "combobox"

	TypeOneToMany  Type = "oneToMany"
	TypeManyToMany Type = "manyToMany"
	TypeOneToOne   Type = "oneToOne"
	TypeManyToOne  Type = "manyToOne"
)

var knownTypes = map[Type]bool{
	TypeString: true, TypeInteger: true, TypeLong: true, TypeDouble: true,
	TypeBoolean: true, TypeDate: true, TypeDateTime: true, TypeTime: true,
	TypeLocale: true, TypeList: true, TypeCombobox: true,
	TypeOneToMany: true, TypeManyToMany: true, TypeOneToOne: true, TypeManyToOne: true,
}

func (t Type) Valid() bool {
	return knownTypes[t]
}

// IsRelationship reports whether the type references other instances.
func (t Type) IsRelationship() bool {
	switch t {
	case TypeOneToMany, TypeManyToMany, TypeOneToOne, TypeManyToOne:
		return true
	}
	return false
}

// IsToMany reports whether a relationship holds a list of ids.
func (t Type) IsToMany() bool {
	return t == TypeOneToMany || t == TypeManyToMany
}

const listSeparator = ","

// BuildStringFromList joins items the way list and combobox values are
// stored in settings: "[a, b, c]".
func BuildStringFromList(items []string) string {
	return "[" + strings.Join(items, ", ") + "]"
}

// ParseList accepts "[a, b]", "a,b" or a single value.
func ParseList(s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	if strings.TrimSpace(s) == "" {
		return []string{}
	}
	parts := strings.Split(s, listSeparator)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

// Format renders a value as the string stored for defaults and accepted by
// Parse.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return strings.Join(val, listSeparator)
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			parts[i] = Format(item)
		}
		return strings.Join(parts, listSeparator)
	case time.Time:
		return val.Format(time.RFC3339)
	case types.Time:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

// Parse converts s into the Go value held for fields of type t.
func Parse(s string, t Type) (any, error) {
	switch t {
	case TypeString, TypeLocale, TypeCombobox:
		return s, nil
	case TypeInteger, TypeLong:
		n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s value %q", t, s)
		}
		return n, nil
	case TypeDouble:
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid double value %q", s)
		}
		return f, nil
	case TypeBoolean:
		b, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid boolean value %q", s)
		}
		return b, nil
	case TypeDate:
		return parseDate(s)
	case TypeDateTime:
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid datetime value %q", s)
		}
		return ts, nil
	case TypeTime:
		return types.ParseTime(strings.TrimSpace(s))
	case TypeList:
		return ParseList(s), nil
	case TypeOneToOne, TypeManyToOne:
		return strings.TrimSpace(s), nil
	case TypeOneToMany, TypeManyToMany:
		return ParseList(s), nil
	}
	return nil, fmt.Errorf("unknown type %q", t)
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if d, err := time.Parse(time.DateOnly, s); err == nil {
		return d, nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date value %q", s)
	}
	return types.DateOnly(ts), nil
}

// Coerce converts a decoded value (string, JSON number, slice) into the Go
// value held for fields of type t. nil stays nil.
func Coerce(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok {
		if t.IsToMany() && s == "" {
			return []string{}, nil
		}
		return Parse(s, t)
	}

	switch t {
	case TypeInteger, TypeLong:
		switch n := v.(type) {
		case int64:
			return n, nil
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("invalid %s value %v", t, n)
			}
			return int64(n), nil
		}
	case TypeDouble:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		}
	case TypeBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case TypeDate:
		if ts, ok := v.(time.Time); ok {
			return types.DateOnly(ts), nil
		}
	case TypeDateTime:
		if ts, ok := v.(time.Time); ok {
			return ts, nil
		}
	case TypeTime:
		if tm, ok := v.(types.Time); ok {
			return tm, nil
		}
	case TypeList, TypeCombobox, TypeOneToMany, TypeManyToMany:
		switch list := v.(type) {
		case []string:
			return append([]string{}, list...), nil
		case []any:
			out := make([]string, 0, len(list))
			for _, item := range list {
				out = append(out, Format(item))
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("invalid %s value %v", t, v)
}
