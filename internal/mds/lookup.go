package mds

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/motech/platform/internal/shared/errors"
	"github.com/motech/platform/internal/shared/types"
)

// Range bounds a RANGE lookup parameter. A nil bound is open.
type Range struct {
	Min any `json:"min"`
	Max any `json:"max"`
}

// rangeSeparator splits "min..max" range parameters.
const rangeSeparator = ".."

func matchLookup(e *Entity, l Lookup, inst *Instance, params map[string]any) (bool, error) {
	for _, lf := range l.Fields {
		f, ok := e.Field(lf.Name)
		if !ok {
			return false, errors.BadRequest(fmt.Sprintf("lookup %s references unknown field %s", l.Name, lf.Name))
		}
		value := inst.Get(lf.Name)
		param := params[lf.Name]

		var (
			match bool
			err   error
		)
		switch lf.kind() {
		case LookupRange:
			match, err = matchRange(f, value, param)
		case LookupSet:
			match, err = matchSet(f, value, param)
		default:
			match, err = matchValue(f, lf.operator(), value, param)
		}
		if err != nil {
			return false, errors.BadRequest(fmt.Sprintf("lookup %s: %s: %v", l.Name, lf.Name, err))
		}
		if !match {
			return false, nil
		}
	}
	return true, nil
}

func paramValue(f Field, op string, p any) (any, error) {
	if p == nil {
		return nil, nil
	}
	t := f.Type
	switch {
	case op == OpContains && (t == TypeList || t.IsToMany() || (t == TypeCombobox && f.multiSelect())):
		return Format(p), nil
	case op == OpMatches || op == OpStartsWith || op == OpEndsWith || op == OpEqualsIgnoreCase || op == OpContains:
		return Format(p), nil
	case t == TypeCombobox && f.multiSelect():
		return Coerce(p, TypeList)
	}
	return Coerce(p, t)
}

func matchValue(f Field, op string, value, param any) (bool, error) {
	pv, err := paramValue(f, op, param)
	if err != nil {
		return false, err
	}

	switch op {
	case OpEqual:
		return equalValues(value, pv), nil
	case OpNotEqual:
		return !equalValues(value, pv), nil
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		c, ok := compareValues(value, pv)
		if !ok {
			return false, nil
		}
		switch op {
		case OpLess:
			return c < 0, nil
		case OpLessEqual:
			return c <= 0, nil
		case OpGreater:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	}

	if value == nil || pv == nil {
		return false, nil
	}
	s, _ := pv.(string)

	switch op {
	case OpStartsWith:
		return strings.HasPrefix(Format(value), s), nil
	case OpEndsWith:
		return strings.HasSuffix(Format(value), s), nil
	case OpEqualsIgnoreCase:
		return strings.EqualFold(Format(value), s), nil
	case OpMatches:
		re, err := regexp.Compile("^(?:" + s + ")$")
		if err != nil {
			return false, fmt.Errorf("invalid pattern %q", s)
		}
		return re.MatchString(Format(value)), nil
	case OpContains:
		if list, ok := value.([]string); ok {
			return slices.Contains(list, s), nil
		}
		return strings.Contains(Format(value), s), nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func matchRange(f Field, value, param any) (bool, error) {
	var r Range
	switch p := param.(type) {
	case nil:
		return true, nil
	case Range:
		r = p
	case *Range:
		r = *p
	case map[string]any:
		r = Range{Min: p["min"], Max: p["max"]}
	case []any:
		if len(p) != 2 {
			return false, fmt.Errorf("range needs two bounds")
		}
		r = Range{Min: p[0], Max: p[1]}
	case []string:
		if len(p) != 2 {
			return false, fmt.Errorf("range needs two bounds")
		}
		r = Range{Min: p[0], Max: p[1]}
	case string:
		lo, hi, ok := strings.Cut(p, rangeSeparator)
		if !ok {
			return false, fmt.Errorf("range %q must look like min%smax", p, rangeSeparator)
		}
		r = Range{Min: emptyToNil(lo), Max: emptyToNil(hi)}
	default:
		return false, fmt.Errorf("unsupported range parameter %T", param)
	}

	if value == nil {
		return false, nil
	}
	lower, err := Coerce(r.Min, f.Type)
	if err != nil {
		return false, err
	}
	upper, err := Coerce(r.Max, f.Type)
	if err != nil {
		return false, err
	}
	if lower != nil {
		if c, ok := compareValues(value, lower); !ok || c < 0 {
			return false, nil
		}
	}
	if upper != nil {
		if c, ok := compareValues(value, upper); !ok || c > 0 {
			return false, nil
		}
	}
	return true, nil
}

func emptyToNil(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func matchSet(f Field, value, param any) (bool, error) {
	var items []any
	switch p := param.(type) {
	case nil:
		return true, nil
	case []any:
		items = p
	case []string:
		for _, s := range p {
			items = append(items, s)
		}
	case string:
		for _, s := range ParseList(p) {
			items = append(items, s)
		}
	default:
		items = []any{p}
	}

	for _, item := range items {
		cv, err := Coerce(item, f.Type)
		if err != nil {
			return false, err
		}
		if equalValues(value, cv) {
			return true, nil
		}
	}
	return false, nil
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return isEmpty(a) && isEmpty(b)
	}
	if la, ok := a.([]string); ok {
		lb, ok := b.([]string)
		return ok && slices.Equal(la, lb)
	}
	c, ok := compareValues(a, b)
	return ok && c == 0
}

// compareValues orders two values of the same kind. ok is false when they
// cannot be compared.
func compareValues(a, b any) (int, bool) {
	// Integers above 2^53 lose precision as float64.
	if ia, ok := integer(a); ok {
		if ib, ok := integer(b); ok {
			return cmp.Compare(ia, ib), true
		}
	}
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}

	switch va := a.(type) {
	case string:
		vb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(va, vb), true
	case time.Time:
		vb, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return va.Compare(vb), true
	case types.Time:
		vb, ok := b.(types.Time)
		if !ok {
			return 0, false
		}
		ma, mb := va.Hour*60+va.Minute, vb.Hour*60+vb.Minute
		switch {
		case ma < mb:
			return -1, true
		case ma > mb:
			return 1, true
		}
		return 0, true
	case bool:
		vb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case va == vb:
			return 0, true
		case !va:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

func integer(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
