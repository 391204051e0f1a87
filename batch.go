package syncache

import (
	"maps"
	"time"
)

type opKind uint8

const (
	opWrite opKind = iota
	opReplace
	opDelete
	opStatus
	opFail
	opRemoveLayer
	opRestore
	opFold
)

type batchOp struct {
	kind   opKind
	layer  LayerID
	key    *CacheKey
	value  any
	status Status
	err    error
	entry  *Entry
	fold   listFold
}

// listFold computes a list value from the entry it replaces. top is the
// chain as staged so far. ok=false leaves the entry untouched.
type listFold func(top *Layer, cur *Entry) (v ListValue, ok bool)

// BatchOption configures a Batch.
type BatchOption func(*Batch)

// OnLayer targets writes at the overlay id instead of the root layer.
// The overlay is created on top of the chain if it does not exist.
func OnLayer(id LayerID) BatchOption {
	return func(b *Batch) { b.layer = id }
}

// Batch stages writes and applies them atomically on Commit.
// A Batch is not safe for concurrent use; commit it once.
type Batch struct {
	s     *Store
	layer LayerID
	ops   []batchOp
	guard func() bool // checked under the store lock; false discards the batch
	after []func(*Changes)
	done  bool
}

// Batch opens a write transaction.
func (s *Store) Batch(opts ...BatchOption) *Batch {
	b := &Batch{s: s}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (s *Store) guardedBatch(guard func() bool, opts ...BatchOption) *Batch {
	b := s.Batch(opts...)
	b.guard = guard
	return b
}

// Layer returns the layer the batch writes to.
func (b *Batch) Layer() LayerID { return b.layer }

// Write merges value into the entry at k: object values are shallow-merged
// with the existing object, anything else replaces it. A nil value only
// changes the status.
func (b *Batch) Write(k *CacheKey, value any, status Status) {
	b.ops = append(b.ops, batchOp{kind: opWrite, layer: b.layer, key: k, value: owned(value), status: status})
}

// Replace overwrites the value at k without merging.
func (b *Batch) Replace(k *CacheKey, value any, status Status) {
	b.ops = append(b.ops, batchOp{kind: opReplace, layer: b.layer, key: k, value: owned(value), status: status})
}

// owned detaches object values from the caller's map; published entries
// must not change under readers.
func owned(v any) any {
	if m, ok := v.(map[string]any); ok {
		return maps.Clone(m)
	}
	return v
}

// Delete writes a tombstone at k, hiding any value below it.
func (b *Batch) Delete(k *CacheKey) {
	b.ops = append(b.ops, batchOp{kind: opDelete, layer: b.layer, key: k})
}

// SetStatus changes only the status of k, preserving its data. It is a
// no-op when the visible status already matches.
func (b *Batch) SetStatus(k *CacheKey, status Status) {
	b.ops = append(b.ops, batchOp{kind: opStatus, layer: b.layer, key: k, status: status})
}

// RemoveLayer splices the nearest overlay named id out of the chain. Keys
// the overlay held are reported as changed when their visible entry moves.
func (b *Batch) RemoveLayer(id LayerID) {
	b.ops = append(b.ops, batchOp{kind: opRemoveLayer, layer: id})
}

// Read returns the entry k would have if the batch committed now.
func (b *Batch) Read(k *CacheKey) *Entry {
	top, _ := b.apply(b.s.top.Load(), b.s.clock.Now())
	if l := top.Find(b.layer); l != nil {
		return l.Get(k)
	}
	return top.Get(k)
}

func (b *Batch) fail(k *CacheKey, err error) {
	b.ops = append(b.ops, batchOp{kind: opFail, layer: b.layer, key: k, err: err})
}

// foldList stages a list rewrite that is computed at commit time, under
// the store lock, from the entry it replaces. StatusInit keeps the status
// of that entry.
func (b *Batch) foldList(k *CacheKey, status Status, fn listFold) {
	b.ops = append(b.ops, batchOp{kind: opFold, layer: b.layer, key: k, status: status, fold: fn})
}

func (b *Batch) restore(k *CacheKey, e *Entry) {
	b.ops = append(b.ops, batchOp{kind: opRestore, layer: RootLayer, key: k, entry: e})
}

func (b *Batch) onCommit(fn func(*Changes)) {
	b.after = append(b.after, fn)
}

// Commit applies the staged writes, notifies the subscribers of every key
// whose visible entry changed (once per key) and returns what changed.
// Notifications are delivered before Commit returns, unless another
// goroutine or an enclosing Commit is already delivering; they are then
// queued behind the current deliveries, in commit order.
func (b *Batch) Commit() *Changes {
	s := b.s
	ch := newChanges(b.layer)

	s.mu.Lock()
	if b.done || s.closed || (b.guard != nil && !b.guard()) {
		b.done = true
		s.mu.Unlock()
		return ch
	}
	b.done = true

	now := s.clock.Now()
	old := s.top.Load()
	next, touched := b.apply(old, now)
	subs := 0
	for _, k := range touched {
		before, after := old.Get(k), next.Get(k)
		if before == after {
			continue
		}
		ch.record(k, before, after)
		subs += s.enqueueLocked(k, next)
	}
	s.trackLocked(touched, old, next, now)
	s.top.Store(next)
	observers := s.observersLocked(ch)
	s.mu.Unlock()

	if !ch.IsEmpty() {
		s.hooks.BatchCommitted(len(ch.Added)+len(ch.Modified), subs)
	}
	s.drain()
	for _, fn := range b.after {
		fn(ch)
	}
	for _, o := range observers {
		o.onChanges(ch)
	}
	return ch
}

// apply replays the staged ops on top and returns the new chain plus the
// keys written, in first-write order.
func (b *Batch) apply(top *Layer, now time.Time) (*Layer, []*CacheKey) {
	var touched []*CacheKey
	seen := make(map[*CacheKey]struct{}, len(b.ops))
	touch := func(k *CacheKey) {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			touched = append(touched, k)
		}
	}

	for _, op := range b.ops {
		if op.kind == opRemoveLayer {
			if op.layer == RootLayer {
				continue
			}
			if l := top.Find(op.layer); l != nil {
				for k := range l.Entries() {
					touch(k)
				}
				top = top.RemoveLayer(op.layer)
			}
			continue
		}

		target := top.Find(op.layer)
		if target == nil {
			top = top.AddLayer(op.layer)
			target = top
		}
		cur := target.Get(op.key)
		if op.kind == opFold {
			v, ok := op.fold(top, cur)
			if !ok {
				continue
			}
			if op.status == StatusInit && cur != nil {
				op.status = cur.Status
			}
			op.kind, op.value = opReplace, v
		}
		e := b.s.nextEntry(op, cur, now)
		if e == cur {
			continue
		}
		top, _ = top.replace(op.layer, func(l *Layer) *Layer { return l.Set(op.key, e) })
		touch(op.key)
	}
	return top, touched
}

// nextEntry computes the entry op produces over cur. Returning cur means
// the op changes nothing.
func (s *Store) nextEntry(op batchOp, cur *Entry, now time.Time) *Entry {
	switch op.kind {
	case opStatus:
		return withStatus(op.key, cur, op.status, nil, now)
	case opFail:
		return withStatus(op.key, cur, StatusError, op.err, now)
	case opDelete:
		if cur != nil && cur.Tombstone {
			return cur
		}
		return &Entry{Key: op.key, Status: StatusLoaded, LastUpdated: now, Tombstone: true, rev: s.rev.Add(1)}
	case opRestore:
		if cur != nil {
			return cur
		}
		e := *op.entry
		e.Key, e.rev = op.key, s.rev.Add(1)
		return &e
	}

	// opWrite, opReplace
	if op.value == nil {
		return withStatus(op.key, cur, op.status, nil, now)
	}
	live := cur != nil && !cur.Tombstone
	v := op.value
	if op.kind == opWrite && live {
		v = mergeValue(cur.Value, v)
	}
	if live && valuesEqual(cur.Value, v) {
		return withStatus(op.key, cur, op.status, nil, now)
	}
	e := &Entry{Key: op.key, Value: v, Status: op.status, rev: s.rev.Add(1)}
	if cur != nil {
		e.LastUpdated = cur.LastUpdated
	}
	if op.status == StatusLoaded {
		e.LastUpdated = now
	}
	return e
}

func withStatus(k *CacheKey, cur *Entry, status Status, err error, now time.Time) *Entry {
	if cur == nil && status == StatusInit {
		return nil
	}
	if cur != nil && cur.Status == status && cur.Err == err {
		return cur
	}
	e := &Entry{Key: k, Status: status, Err: err}
	if cur != nil {
		e.Value, e.Tombstone, e.rev, e.LastUpdated = cur.Value, cur.Tombstone, cur.rev, cur.LastUpdated
	}
	if status == StatusLoaded {
		e.LastUpdated = now
	}
	return e
}
