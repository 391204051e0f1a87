// Package canon turns structured query descriptors (filters, derived
// property specs, aggregation specs, primary keys) into short canonical ids
// so that structurally identical descriptors share one cache slot.
//
// Descriptors are normalized and serialized with deterministic CBOR
// (RFC 8949 core deterministic encoding: map keys sorted, arrays keep their
// order), hashed with xxhash64 and rendered as a fixed-width base36 string
// behind a domain tag:
//
//	where:0k3v8x1q2m9za
//	pk:00a91fz0c4k2e
//
// Ids are stable for the lifetime of a Canonicalizer. Distinct descriptors
// never share an id: a hash match with a different serialized form is
// disambiguated with a ".N" suffix.
package canon

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

// ID is a canonical identifier produced by a Canonicalizer.
type ID string

// Tag returns the domain tag the id was created under.
func (id ID) Tag() string {
	tag, _, _ := strings.Cut(string(id), ":")
	return tag
}

const hashWidth = 13 // 36^13 > 2^64

var (
	detEnc = mustEncMode(cbor.CoreDetEncOptions())
	anyEnc = mustEncMode(cbor.EncOptions{})
	anyDec = mustDecMode(cbor.DecOptions{})
)

func mustEncMode(o cbor.EncOptions) cbor.EncMode {
	em, err := o.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode(o cbor.DecOptions) cbor.DecMode {
	dm, err := o.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}

// Canonicalizer interns descriptors into canonical ids.
// Safe for concurrent use. The zero value is not usable; use New.
type Canonicalizer struct {
	mu     sync.Mutex
	byForm map[string]ID
	byID   map[ID]string
}

func New() *Canonicalizer {
	return &Canonicalizer{
		byForm: make(map[string]ID),
		byID:   make(map[ID]string),
	}
}

// Canonicalize returns the canonical id of descriptor under tag.
// It never fails: descriptors CBOR cannot encode fall back to a Go-syntax
// rendering, which is still deterministic for plain values.
func (c *Canonicalizer) Canonicalize(tag string, descriptor any) ID {
	form := tag + "\x00" + string(Serialize(descriptor))

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byForm[form]; ok {
		return id
	}

	base := ID(tag + ":" + hash36(form))
	id := base
	for n := 1; ; n++ {
		prev, taken := c.byID[id]
		if !taken || prev == form {
			break
		}
		id = ID(string(base) + "." + strconv.Itoa(n))
	}
	c.byForm[form] = id
	c.byID[id] = form
	return id
}

// Len reports how many distinct descriptors have been interned.
func (c *Canonicalizer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byForm)
}

// Serialize returns the canonical byte form of v.
func Serialize(v any) []byte {
	b, err := detEnc.Marshal(Normalize(v))
	if err != nil {
		return []byte(fmt.Sprintf("%#v", v))
	}
	return b
}

// Equal reports whether a and b are structurally equal after normalization
// (map order ignored, integral floats equal to ints).
func Equal(a, b any) bool {
	ab, errA := detEnc.Marshal(Normalize(a))
	bb, errB := detEnc.Marshal(Normalize(b))
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(ab, bb)
}

// Normalize converts v into a plain value tree (maps, slices, scalars)
// with integral numbers collapsed to int64. Structs are converted through
// their CBOR (or json tag) field names.
func Normalize(v any) any {
	if v == nil {
		return nil
	}
	switch v.(type) {
	case map[string]any, []any, string, bool, int, int64, float64:
		return normalizeTree(v)
	}
	b, err := anyEnc.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := anyDec.Unmarshal(b, &out); err != nil {
		return v
	}
	return normalizeTree(out)
}

func normalizeTree(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalizeTree(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[keyString(k)] = normalizeTree(e)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeTree(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalizeTree(e)
		}
		return out
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return normalizeUint(uint64(x))
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return normalizeUint(x)
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	default:
		return v
	}
}

func keyString(k any) string {
	switch x := normalizeTree(k).(type) {
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}

func normalizeUint(u uint64) any {
	if u <= math.MaxInt64 {
		return int64(u)
	}
	return u
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 && !math.IsInf(f, 0) {
		return int64(f)
	}
	return f
}

func hash36(form string) string {
	s := strconv.FormatUint(xxhash.Sum64String(form), 36)
	if len(s) < hashWidth {
		s = strings.Repeat("0", hashWidth-len(s)) + s
	}
	return s
}
