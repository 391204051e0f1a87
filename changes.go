package syncache

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// ObjectChange describes one object touched by a batch, as visible after
// the commit.
type ObjectChange struct {
	Key     *CacheKey
	Value   map[string]any
	Deleted bool
}

// Changes records what a committed batch did. Keys whose visible entry did
// not change are absent.
type Changes struct {
	Added    map[*CacheKey]struct{}
	Modified map[*CacheKey]struct{}

	// Objects whose value changed, indexed by entity type. Status-only
	// transitions are not listed here.
	AddedObjects    map[string][]ObjectChange
	ModifiedObjects map[string][]ObjectChange

	// Layer is the layer the batch wrote to; RootLayer for durable batches.
	Layer LayerID
}

func newChanges(layer LayerID) *Changes {
	return &Changes{
		Added:           make(map[*CacheKey]struct{}),
		Modified:        make(map[*CacheKey]struct{}),
		AddedObjects:    make(map[string][]ObjectChange),
		ModifiedObjects: make(map[string][]ObjectChange),
		Layer:           layer,
	}
}

// IsOptimistic reports whether the batch targeted an overlay.
func (c *Changes) IsOptimistic() bool { return c.Layer != RootLayer }

func (c *Changes) IsEmpty() bool { return len(c.Added) == 0 && len(c.Modified) == 0 }

// Has reports whether k was added or modified.
func (c *Changes) Has(k *CacheKey) bool {
	if _, ok := c.Added[k]; ok {
		return true
	}
	_, ok := c.Modified[k]
	return ok
}

// TouchesType reports whether any object of entityType changed value.
func (c *Changes) TouchesType(entityType string) bool {
	return len(c.AddedObjects[entityType]) > 0 || len(c.ModifiedObjects[entityType]) > 0
}

// Objects returns added then modified object changes of entityType.
func (c *Changes) Objects(entityType string) []ObjectChange {
	return slices.Concat(c.AddedObjects[entityType], c.ModifiedObjects[entityType])
}

// Keys returns every changed key ordered by creation.
func (c *Changes) Keys() []*CacheKey {
	out := make([]*CacheKey, 0, len(c.Added)+len(c.Modified))
	for k := range c.Added {
		out = append(out, k)
	}
	for k := range c.Modified {
		out = append(out, k)
	}
	slices.SortFunc(out, func(a, b *CacheKey) int { return cmp.Compare(a.id, b.id) })
	return out
}

func (c *Changes) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "changes(layer=%q added=%d modified=%d", c.Layer, len(c.Added), len(c.Modified))
	for _, k := range c.Keys() {
		b.WriteString(" ")
		b.WriteString(k.String())
	}
	b.WriteString(")")
	return b.String()
}

func (c *Changes) record(k *CacheKey, before, after *Entry) {
	added := before == nil
	if added {
		c.Added[k] = struct{}{}
	} else {
		c.Modified[k] = struct{}{}
	}
	if k.kind != KindObject {
		return
	}
	if before != nil && after != nil && before.rev == after.rev {
		return
	}
	oc := ObjectChange{Key: k, Deleted: after == nil || after.Tombstone}
	if !oc.Deleted {
		oc.Value, _ = after.Value.(map[string]any)
		if oc.Value == nil {
			return
		}
	}
	if added {
		c.AddedObjects[k.entityType] = append(c.AddedObjects[k.entityType], oc)
	} else {
		c.ModifiedObjects[k.entityType] = append(c.ModifiedObjects[k.entityType], oc)
	}
}
