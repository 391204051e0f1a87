package canon

import (
	"maps"
	"slices"
)

// Where is a filter expression over entity properties.
//
// A field maps either to a literal (equality) or to an operator map:
//
//	{"name": "Bob"}
//	{"age": {"$gte": 18, "$lt": 65}}
//	{"$or": [{"team": "core"}, {"team": "infra"}]}
//
// Supported operators: $eq $ne $in $gt $gte $lt $lte $isNull $startsWith,
// and the combinators $and $or $not.
type Where = map[string]any

const (
	opAnd = "$and"
	opOr  = "$or"
	opNot = "$not"
	opEq  = "$eq"
)

// NormalizeWhere returns an equivalent filter in canonical shape:
//
//	{f: {$eq: v}}       -> {f: v}
//	{$and: [c]}         -> c (merged into the parent when no field clashes)
//	{$or: [c]}          -> c
//	{$and: [{$and: x}]} -> {$and: x}
//
// An empty filter normalizes to nil. The input is not modified.
func NormalizeWhere(w Where) Where {
	if len(w) == 0 {
		return nil
	}
	out := make(Where, len(w))
	var lift []Where
	for _, k := range slices.Sorted(maps.Keys(w)) {
		v := w[k]
		switch k {
		case opAnd, opOr:
			clauses := flattenClauses(k, v)
			switch len(clauses) {
			case 0:
			case 1:
				lift = append(lift, clauses[0])
			default:
				out[k] = whereSlice(clauses)
			}
		case opNot:
			if inner, ok := asWhere(v); ok {
				if n := NormalizeWhere(inner); n != nil {
					out[k] = n
				}
				continue
			}
			out[k] = normalizeTree(v)
		default:
			out[k] = normalizeField(v)
		}
	}
	for _, c := range lift {
		if clashes(out, c) {
			out[opAnd] = appendClause(out[opAnd], c)
			continue
		}
		for k, v := range c {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Intersect combines where with every filter in others using $and.
// Empty filters are ignored; a single remaining filter is returned as is.
func Intersect(where Where, others ...Where) Where {
	parts := make([]Where, 0, 1+len(others))
	if n := NormalizeWhere(where); n != nil {
		parts = append(parts, n)
	}
	for _, o := range others {
		if n := NormalizeWhere(o); n != nil {
			parts = append(parts, n)
		}
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	}
	return NormalizeWhere(Where{opAnd: whereSlice(parts)})
}

func normalizeField(v any) any {
	m, ok := asWhere(v)
	if !ok {
		return normalizeTree(v)
	}
	if eq, only := m[opEq]; only && len(m) == 1 {
		return normalizeTree(eq)
	}
	out := make(map[string]any, len(m))
	for op, arg := range m {
		out[op] = normalizeTree(arg)
	}
	return out
}

// flattenClauses normalizes the clauses of a $and/$or and inlines nested
// clauses of the same combinator.
func flattenClauses(op string, v any) []Where {
	var out []Where
	for _, raw := range clauseList(v) {
		c := NormalizeWhere(raw)
		if c == nil {
			continue
		}
		if nested, ok := c[op]; ok && len(c) == 1 {
			out = append(out, clauseList(nested)...)
			continue
		}
		out = append(out, c)
	}
	return out
}

func clauseList(v any) []Where {
	switch x := v.(type) {
	case []Where:
		return x
	case []any:
		out := make([]Where, 0, len(x))
		for _, e := range x {
			if w, ok := asWhere(e); ok {
				out = append(out, w)
			}
		}
		return out
	case Where:
		return []Where{x}
	}
	return nil
}

func asWhere(v any) (Where, bool) {
	switch x := v.(type) {
	case map[string]any:
		return x, true
	case map[any]any:
		m, _ := normalizeTree(x).(map[string]any)
		return m, true
	}
	return nil, false
}

func clashes(dst, src Where) bool {
	for k := range src {
		if _, ok := dst[k]; ok {
			return true
		}
	}
	return false
}

func appendClause(existing any, c Where) []any {
	out := whereSlice(clauseList(existing))
	return append(out, c)
}

func whereSlice(ws []Where) []any {
	out := make([]any, len(ws))
	for i, w := range ws {
		out[i] = w
	}
	return out
}
