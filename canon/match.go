package canon

import (
	"cmp"
	"strings"
	"time"
)

// Result is the outcome of evaluating a filter against a partial object.
type Result uint8

const (
	NoMatch Result = iota
	Match
	// Unknown means the filter could not be decided locally, e.g. it refers
	// to a property the object does not carry or uses an operator that only
	// the server can evaluate.
	Unknown
)

func (r Result) String() string {
	switch r {
	case Match:
		return "match"
	case NoMatch:
		return "no_match"
	default:
		return "unknown"
	}
}

// OrderField is one component of a sort specification.
type OrderField struct {
	Field string `cbor:"field" json:"field"`
	Desc  bool   `cbor:"desc,omitempty" json:"desc,omitempty"`
}

// MatchWhere evaluates w against obj. A nil filter matches everything.
func MatchWhere(obj map[string]any, w Where) Result {
	if len(w) == 0 {
		return Match
	}
	res := Match
	for k, v := range w {
		var r Result
		switch k {
		case opAnd:
			r = allOf(obj, clauseList(v))
		case opOr:
			r = anyOf(obj, clauseList(v))
		case opNot:
			inner, ok := asWhere(v)
			if !ok {
				return Unknown
			}
			r = not(MatchWhere(obj, inner))
		default:
			r = matchField(obj, k, v)
		}
		res = and(res, r)
		if res == NoMatch {
			return NoMatch
		}
	}
	return res
}

func allOf(obj map[string]any, cs []Where) Result {
	res := Match
	for _, c := range cs {
		res = and(res, MatchWhere(obj, c))
		if res == NoMatch {
			return NoMatch
		}
	}
	return res
}

func anyOf(obj map[string]any, cs []Where) Result {
	res := NoMatch
	for _, c := range cs {
		switch MatchWhere(obj, c) {
		case Match:
			return Match
		case Unknown:
			res = Unknown
		}
	}
	return res
}

func and(a, b Result) Result {
	switch {
	case a == NoMatch || b == NoMatch:
		return NoMatch
	case a == Unknown || b == Unknown:
		return Unknown
	}
	return Match
}

func not(r Result) Result {
	switch r {
	case Match:
		return NoMatch
	case NoMatch:
		return Match
	}
	return Unknown
}

func boolResult(b bool) Result {
	if b {
		return Match
	}
	return NoMatch
}

func matchField(obj map[string]any, field string, cond any) Result {
	actual, present := obj[field]
	if !present {
		return Unknown
	}
	ops, ok := asWhere(cond)
	if !ok {
		return boolResult(valueEqual(actual, cond))
	}
	res := Match
	for op, arg := range ops {
		var r Result
		switch op {
		case opEq:
			r = boolResult(valueEqual(actual, arg))
		case "$ne":
			r = boolResult(!valueEqual(actual, arg))
		case "$in":
			r = boolResult(contains(arg, actual))
		case "$gt", "$gte", "$lt", "$lte":
			c, ok := Compare(actual, arg)
			if !ok || actual == nil || arg == nil {
				return Unknown
			}
			switch op {
			case "$gt":
				r = boolResult(c > 0)
			case "$gte":
				r = boolResult(c >= 0)
			case "$lt":
				r = boolResult(c < 0)
			default:
				r = boolResult(c <= 0)
			}
		case "$isNull":
			want, ok := arg.(bool)
			if !ok {
				return Unknown
			}
			r = boolResult((actual == nil) == want)
		case "$startsWith":
			s, ok1 := actual.(string)
			p, ok2 := arg.(string)
			if !ok1 || !ok2 {
				return Unknown
			}
			r = boolResult(strings.HasPrefix(s, p))
		default:
			return Unknown
		}
		res = and(res, r)
	}
	return res
}

func contains(list, v any) bool {
	switch xs := list.(type) {
	case []any:
		for _, x := range xs {
			if valueEqual(x, v) {
				return true
			}
		}
	case []string:
		s, ok := v.(string)
		if !ok {
			return false
		}
		for _, x := range xs {
			if x == s {
				return true
			}
		}
	}
	return false
}

func valueEqual(a, b any) bool {
	if c, ok := Compare(a, b); ok {
		return c == 0
	}
	return Equal(a, b)
}

// Compare orders two scalar values. Numbers compare numerically across Go
// numeric types, strings lexically, false before true, times
// chronologically and nil before everything else. ok is false when the
// values are not mutually comparable.
func Compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0, true
		case a == nil:
			return -1, true
		default:
			return 1, true
		}
	}
	if c, ok := compareInts(a, b); ok {
		return c, true
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		return cmp3(fa < fb, fa > fb), true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return cmp3(!x && y, x && !y), true
	case time.Time:
		y, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(y), true
	}
	return 0, false
}

// CompareObjects orders two objects by the given fields. Values that are
// not comparable are treated as equal for that field.
func CompareObjects(a, b map[string]any, order []OrderField) int {
	for _, f := range order {
		c, ok := Compare(a[f.Field], b[f.Field])
		if !ok || c == 0 {
			continue
		}
		if f.Desc {
			return -c
		}
		return c
	}
	return 0
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

// compareInts compares two integers of any Go integer types exactly; float
// conversion loses precision above 2^53.
func compareInts(a, b any) (int, bool) {
	ma, na, ok := intParts(a)
	if !ok {
		return 0, false
	}
	mb, nb, ok := intParts(b)
	if !ok {
		return 0, false
	}
	switch {
	case na && !nb:
		return -1, true
	case !na && nb:
		return 1, true
	case na:
		return cmp.Compare(mb, ma), true
	}
	return cmp.Compare(ma, mb), true
}

// intParts splits an integer into magnitude and sign.
func intParts(v any) (mag uint64, neg, ok bool) {
	var i int64
	switch x := v.(type) {
	case int:
		i = int64(x)
	case int8:
		i = int64(x)
	case int16:
		i = int64(x)
	case int32:
		i = int64(x)
	case int64:
		i = x
	case uint:
		return uint64(x), false, true
	case uint8:
		return uint64(x), false, true
	case uint16:
		return uint64(x), false, true
	case uint32:
		return uint64(x), false, true
	case uint64:
		return x, false, true
	default:
		return 0, false, false
	}
	if i < 0 {
		return uint64(-(i + 1)) + 1, true, true
	}
	return uint64(i), false, true
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}
