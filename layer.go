package syncache

import "iter"

// LayerID names an overlay in the layer chain.
type LayerID string

// RootLayer is the id of the durable root layer.
const RootLayer LayerID = ""

// Layer is one node of a persistent, parent-linked chain. The root layer
// (no parent) holds durable truth; children are optimistic overlays.
// A published Layer is never mutated: Set, AddLayer and RemoveLayer return
// new chains that share structure with the old one, so any number of
// readers may walk a chain without locking.
type Layer struct {
	parent  *Layer
	id      LayerID
	entries *table
}

// NewRootLayer returns an empty root layer.
func NewRootLayer() *Layer {
	return &Layer{entries: emptyTable}
}

func (l *Layer) ID() LayerID    { return l.id }
func (l *Layer) Parent() *Layer { return l.parent }
func (l *Layer) IsRoot() bool   { return l.parent == nil }
func (l *Layer) Len() int       { return l.entries.n }

// AddLayer returns a new empty child whose parent is l.
func (l *Layer) AddLayer(id LayerID) *Layer {
	return &Layer{parent: l, id: id, entries: emptyTable}
}

// RemoveLayer returns the chain with the nearest layer named id spliced
// out. The root is never removed; unknown ids return l itself.
func (l *Layer) RemoveLayer(id LayerID) *Layer {
	if l.parent == nil {
		return l
	}
	if l.id == id {
		return l.parent
	}
	p := l.parent.RemoveLayer(id)
	if p == l.parent {
		return l
	}
	return &Layer{parent: p, id: l.id, entries: l.entries}
}

// Get returns the nearest entry for k walking from l towards the root,
// or nil if no layer has written k.
func (l *Layer) Get(k *CacheKey) *Entry {
	for c := l; c != nil; c = c.parent {
		if e := c.entries.get(k.id); e != nil {
			return e
		}
	}
	return nil
}

// Local returns the entry written at this layer only.
func (l *Layer) Local(k *CacheKey) *Entry {
	return l.entries.get(k.id)
}

// Set returns a copy of l with k bound to e in its local entries.
// A nil e removes the local binding.
func (l *Layer) Set(k *CacheKey, e *Entry) *Layer {
	return &Layer{parent: l.parent, id: l.id, entries: l.entries.set(k.id, e)}
}

// Entries iterates this layer's local entries in key-id order.
func (l *Layer) Entries() iter.Seq2[*CacheKey, *Entry] {
	return func(yield func(*CacheKey, *Entry) bool) {
		for _, c := range l.entries.chunks {
			if c == nil {
				continue
			}
			for _, e := range c.slots {
				if e != nil && !yield(e.Key, e) {
					return
				}
			}
		}
	}
}

// Keys returns the keys written at this layer.
func (l *Layer) Keys() []*CacheKey {
	out := make([]*CacheKey, 0, l.entries.n)
	for k := range l.Entries() {
		out = append(out, k)
	}
	return out
}

// Find returns the nearest layer named id, or nil.
func (l *Layer) Find(id LayerID) *Layer {
	for c := l; c != nil; c = c.parent {
		if c.id == id && (id != RootLayer || c.parent == nil) {
			return c
		}
	}
	return nil
}

// Root returns the root of the chain.
func (l *Layer) Root() *Layer {
	c := l
	for c.parent != nil {
		c = c.parent
	}
	return c
}

// replace rebuilds the chain with the nearest layer named id swapped for
// fn(layer). ok is false when id is not in the chain.
func (l *Layer) replace(id LayerID, fn func(*Layer) *Layer) (_ *Layer, ok bool) {
	if l.id == id && (id != RootLayer || l.parent == nil) {
		return fn(l), true
	}
	if l.parent == nil {
		return l, false
	}
	p, ok := l.parent.replace(id, fn)
	if !ok {
		return l, false
	}
	return &Layer{parent: p, id: l.id, entries: l.entries}, true
}

const (
	chunkBits = 6
	chunkSize = 1 << chunkBits
)

type chunk struct {
	slots [chunkSize]*Entry
	n     int
}

// table is a copy-on-write arena of entries indexed by key id. Updates copy
// the chunk index and the one touched chunk; everything else is shared.
type table struct {
	chunks []*chunk
	n      int
}

var emptyTable = &table{}

func (t *table) get(id uint32) *Entry {
	ci := int(id >> chunkBits)
	if ci >= len(t.chunks) || t.chunks[ci] == nil {
		return nil
	}
	return t.chunks[ci].slots[id&(chunkSize-1)]
}

func (t *table) set(id uint32, e *Entry) *table {
	ci, si := int(id>>chunkBits), int(id&(chunkSize-1))
	if e == nil && t.get(id) == nil {
		return t
	}

	size := len(t.chunks)
	if ci >= size {
		size = ci + 1
	}
	nt := &table{chunks: make([]*chunk, size), n: t.n}
	copy(nt.chunks, t.chunks)

	var nc chunk
	if old := nt.chunks[ci]; old != nil {
		nc = *old
	}
	switch prev := nc.slots[si]; {
	case prev == nil && e != nil:
		nc.n++
		nt.n++
	case prev != nil && e == nil:
		nc.n--
		nt.n--
	}
	nc.slots[si] = e
	if nc.n == 0 {
		nt.chunks[ci] = nil
	} else {
		nt.chunks[ci] = &nc
	}
	return nt
}
