package syncache

import (
	"fmt"
	"maps"
	"time"

	"github.com/unkn0wn-root/syncache/canon"
)

// Status is the fetch state of an Entry.
type Status uint8

const (
	StatusInit Status = iota
	StatusLoading
	StatusLoaded
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Entry is a versioned value stored at one CacheKey in one Layer.
// Entries are immutable once published; writers create new ones.
type Entry struct {
	Key         *CacheKey
	Value       any
	Status      Status
	LastUpdated time.Time
	Err         error
	// Tombstone marks a deleted object; Value is nil.
	Tombstone bool

	// rev changes whenever Value or Tombstone changes, not on status-only
	// writes.
	rev uint64
}

// ListValue is the value of a list key: ordered object keys plus the
// continuation token of the last loaded page.
type ListValue struct {
	Items         []*CacheKey
	NextPageToken string
}

// HasMore reports whether another page can be fetched.
func (v ListValue) HasMore() bool { return v.NextPageToken != "" }

func (v ListValue) equal(o ListValue) bool {
	if v.NextPageToken != o.NextPageToken || len(v.Items) != len(o.Items) {
		return false
	}
	for i := range v.Items {
		if v.Items[i] != o.Items[i] {
			return false
		}
	}
	return true
}

// mergeValue shallow-merges patch into base when both are objects;
// otherwise patch replaces base.
func mergeValue(base, patch any) any {
	bm, ok1 := base.(map[string]any)
	pm, ok2 := patch.(map[string]any)
	if !ok1 || !ok2 {
		return patch
	}
	out := make(map[string]any, len(bm)+len(pm))
	maps.Copy(out, bm)
	maps.Copy(out, pm)
	return out
}

func valuesEqual(a, b any) bool {
	if la, ok := a.(ListValue); ok {
		lb, ok := b.(ListValue)
		return ok && la.equal(lb)
	}
	if _, ok := b.(ListValue); ok {
		return false
	}
	return canon.Equal(a, b)
}

func asObject(v any) (map[string]any, bool) {
	if m, ok := v.(map[string]any); ok {
		return m, true
	}
	if v == nil {
		return nil, false
	}
	m, ok := canon.Normalize(v).(map[string]any)
	return m, ok
}
