package syncache

import (
	"fmt"
	"strings"
	"sync"

	"github.com/unkn0wn-root/syncache/canon"
)

// Kind classifies what a CacheKey identifies.
type Kind uint8

const (
	KindObject Kind = iota + 1
	KindList
	KindAggregation
	KindObjectAggregation
)

func (k Kind) String() string {
	switch k {
	case KindObject:
		return "object"
	case KindList:
		return "list"
	case KindAggregation:
		return "aggregation"
	case KindObjectAggregation:
		return "objectAggregation"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// KindOf returns the kind segment of a CacheKey.String() value, or
// "unknown" when s is not one. Hooks receive keys as strings; this lets
// them aggregate by kind without parsing.
func KindOf(s string) string {
	kind, _, ok := strings.Cut(s, ":")
	if !ok {
		return "unknown"
	}
	switch kind {
	case "object", "list", "aggregation", "objectAggregation":
		return kind
	}
	return "unknown"
}

// CacheKey is the canonical identity of a cacheable thing. Keys are interned
// by the Store that minted them: structurally equal inputs yield the same
// *CacheKey, so keys compare with ==. Keys live as long as their Store.
type CacheKey struct {
	id         uint32
	kind       Kind
	entityType string
	params     canon.ID
	desc       any // primary key, ListDescriptor or AggregationDescriptor
}

func (k *CacheKey) Kind() Kind         { return k.kind }
func (k *CacheKey) EntityType() string { return k.entityType }
func (k *CacheKey) Params() canon.ID   { return k.params }
func (k *CacheKey) String() string     { return k.kind.String() + ":" + k.entityType + ":" + string(k.params) }
func (k *CacheKey) PrimaryKey() any    { return k.descOf(KindObject) }

// List returns the descriptor of a list key.
func (k *CacheKey) List() (ListDescriptor, bool) {
	d, ok := k.desc.(ListDescriptor)
	return d, ok
}

// Aggregation returns the descriptor of an aggregation key.
func (k *CacheKey) Aggregation() (AggregationDescriptor, bool) {
	d, ok := k.desc.(AggregationDescriptor)
	return d, ok
}

func (k *CacheKey) descOf(kind Kind) any {
	if k.kind != kind {
		return nil
	}
	return k.desc
}

// ListDescriptor describes a filtered, ordered collection of one entity type.
type ListDescriptor struct {
	EntityType    string
	Where         canon.Where
	OrderBy       []canon.OrderField
	IntersectWith []canon.Where
}

// AggregationDescriptor describes an aggregate over a filtered set of one
// entity type. WithProperties defines derived properties computed before
// the filter; IntersectWith restricts the set to entities present in
// every listed filter's result.
type AggregationDescriptor struct {
	EntityType     string
	Where          canon.Where
	WithProperties map[string]any
	IntersectWith  []canon.Where
	Aggregate      map[string]any
}

type keyTuple struct {
	kind       Kind
	entityType string
	params     canon.ID
}

// keyRegistry interns CacheKeys and hands out arena ids from a counter.
// Ids are never reused.
type keyRegistry struct {
	canon *canon.Canonicalizer

	mu    sync.Mutex
	next  uint32
	byTup map[keyTuple]*CacheKey
}

func newKeyRegistry() *keyRegistry {
	return &keyRegistry{
		canon: canon.New(),
		byTup: make(map[keyTuple]*CacheKey),
	}
}

func (r *keyRegistry) intern(kind Kind, entityType string, params canon.ID, desc any) *CacheKey {
	t := keyTuple{kind: kind, entityType: entityType, params: params}
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.byTup[t]; ok {
		return k
	}
	k := &CacheKey{
		id:         r.next,
		kind:       kind,
		entityType: entityType,
		params:     params,
		desc:       desc,
	}
	r.next++
	r.byTup[t] = k
	return k
}

func (r *keyRegistry) owns(k *CacheKey) bool {
	if k == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byTup[keyTuple{kind: k.kind, entityType: k.entityType, params: k.params}] == k
}

func (r *keyRegistry) object(entityType string, pk any) *CacheKey {
	pk = canon.Normalize(pk)
	return r.intern(KindObject, entityType, r.canon.Canonicalize("pk", pk), pk)
}

func (r *keyRegistry) list(d ListDescriptor) *CacheKey {
	d.Where = canon.NormalizeWhere(d.Where)
	d.IntersectWith = normalizeAll(d.IntersectWith)
	form := map[string]any{
		"where":         d.Where,
		"orderBy":       orderForm(d.OrderBy),
		"intersectWith": whereForm(d.IntersectWith),
	}
	return r.intern(KindList, d.EntityType, r.canon.Canonicalize("list", form), d)
}

func (r *keyRegistry) aggregation(kind Kind, d AggregationDescriptor) *CacheKey {
	d.Where = canon.NormalizeWhere(d.Where)
	d.IntersectWith = normalizeAll(d.IntersectWith)
	form := map[string]any{
		"where":          d.Where,
		"withProperties": d.WithProperties,
		"intersectWith":  whereForm(d.IntersectWith),
		"aggregate":      d.Aggregate,
	}
	return r.intern(kind, d.EntityType, r.canon.Canonicalize("agg", form), d)
}

func normalizeAll(ws []canon.Where) []canon.Where {
	var out []canon.Where
	for _, w := range ws {
		if n := canon.NormalizeWhere(w); n != nil {
			out = append(out, n)
		}
	}
	return out
}

func whereForm(ws []canon.Where) []any {
	out := make([]any, len(ws))
	for i, w := range ws {
		out[i] = w
	}
	return out
}

func orderForm(of []canon.OrderField) []any {
	out := make([]any, len(of))
	for i, f := range of {
		out[i] = []any{f.Field, f.Desc}
	}
	return out
}
