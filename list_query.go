package syncache

import (
	"context"
	"slices"
	"sync"

	"github.com/unkn0wn-root/syncache/canon"
)

// ListQuery fetches a filtered, ordered collection page by page. It keeps
// itself current between fetches: objects of its type that change in a
// batch are inserted or dropped when the filter can be decided locally,
// and a forced revalidation is started when it cannot.
type ListQuery struct {
	*query
	desc       ListDescriptor
	pageSize   int
	minResults int

	memMu   sync.Mutex
	members map[*CacheKey]struct{} // object keys retained on behalf of the list
}

func newListQuery(q *query, o ObserveOptions) *ListQuery {
	d, _ := q.key.List()
	return &ListQuery{
		query:      q,
		desc:       d,
		pageSize:   max(o.PageSize, 0),
		minResults: max(o.AutoFetchMore, 0),
		members:    make(map[*CacheKey]struct{}),
	}
}

// Value returns the current list value.
func (q *ListQuery) Value() ListValue {
	return listOf(q.s.top.Load().Get(q.key))
}

// HasMore reports whether another page is available.
func (q *ListQuery) HasMore() bool { return q.Value().HasMore() }

// FetchMore appends the next page. It joins a pending page fetch, and waits
// out a pending refresh before paging from its result. It is a no-op when
// there is no next page.
func (q *ListQuery) FetchMore(ctx context.Context) error {
	for q.HasMore() {
		l := q.start(false, 0, true)
		l.release()
		if err := l.wait(ctx); err != nil || l.ch == nil || l.more {
			return err
		}
	}
	return nil
}

func (q *ListQuery) preFetch(more bool) Request {
	req := Request{
		Key:           q.key,
		Kind:          KindList,
		EntityType:    q.key.entityType,
		Where:         q.desc.Where,
		OrderBy:       q.desc.OrderBy,
		IntersectWith: q.desc.IntersectWith,
		PageSize:      q.pageSize,
	}
	if more {
		req.PageToken = q.Value().NextPageToken
	}
	return req
}

func (q *ListQuery) handleFetch(b *Batch, req Request, resp Response) error {
	keys, err := stageObjects(b, q.s, q.key.entityType, resp.Objects)
	if err != nil {
		return err
	}
	more := req.PageToken != ""
	b.foldList(q.key, StatusLoaded, func(top *Layer, cur *Entry) (ListValue, bool) {
		items := keys
		if more {
			items = appendNew(slices.Clone(listOf(cur).Items), keys)
			if len(q.desc.OrderBy) > 0 {
				// items inserted locally since the last page sit among the server's
				q.sort(top, items)
			}
		}
		return ListValue{Items: items, NextPageToken: resp.NextPageToken}, true
	})
	b.onCommit(func(*Changes) {
		q.syncMembers()
		q.maybeFetchMore()
	})
	return nil
}

// maybeFetchMore keeps paging in the background until the list holds
// minResults items.
func (q *ListQuery) maybeFetchMore() {
	if q.minResults == 0 || q.disposed.Load() {
		return
	}
	if v := q.Value(); v.HasMore() && len(v.Items) < q.minResults {
		go func() {
			if err := q.FetchMore(q.s.ctx); err != nil {
				q.log.Debug("auto fetch more failed", Fields{"err": err})
			}
		}()
	}
}

// onChanges folds object changes of the list's type into the list.
// Optimistic batches only ever add items and never trigger a fetch.
func (q *ListQuery) onChanges(ch *Changes) {
	if q.disposed.Load() {
		return
	}
	if ch.Has(q.key) {
		// the batch rewrote the list itself, e.g. an overlay holding it was removed
		q.syncMembers()
		return
	}
	objs := ch.Objects(q.key.entityType)
	if len(objs) == 0 {
		return
	}
	// Fold into the list as seen from the layer the batch wrote to, so
	// durable updates never pick up items an overlay added. The fold runs
	// at commit time against the list it replaces.
	view := q.s.top.Load().Find(ch.Layer)
	if view == nil {
		return
	}
	optimistic := ch.IsOptimistic()
	results := make([]canon.Result, len(objs))
	revalidate := false
	for i, oc := range objs {
		results[i] = canon.NoMatch
		if !oc.Deleted {
			results[i] = q.match(oc.Value)
		}
		revalidate = revalidate || (results[i] == canon.Unknown && !optimistic)
	}

	layer := ch.Layer
	b := q.s.guardedBatch(func() bool { return q.s.top.Load().Find(layer) != nil }, OnLayer(layer))
	b.foldList(q.key, StatusInit, func(top *Layer, cur *Entry) (ListValue, bool) {
		if !hasList(cur) {
			return ListValue{}, false
		}
		lv := listOf(cur)
		items := slices.Clone(lv.Items)
		changed := false
		for i, oc := range objs {
			in := slices.Contains(items, oc.Key)
			switch results[i] {
			case canon.Match:
				if !in {
					items = append(items, oc.Key)
				}
				changed = changed || !in || len(q.desc.OrderBy) > 0
			case canon.NoMatch:
				if in && !optimistic {
					items = slices.DeleteFunc(items, func(k *CacheKey) bool { return k == oc.Key })
					changed = true
				}
			}
		}
		if !changed {
			return ListValue{}, false
		}
		if len(q.desc.OrderBy) > 0 {
			q.sort(top, items)
		}
		return ListValue{Items: items, NextPageToken: lv.NextPageToken}, true
	})
	b.onCommit(func(*Changes) { q.syncMembers() })
	b.Commit()

	if revalidate && hasList(view.Get(q.key)) {
		q.log.Debug("list membership undecidable locally; revalidating", nil)
		go func() { _ = q.Revalidate(q.s.ctx, true) }()
	}
}

func (q *ListQuery) match(obj map[string]any) canon.Result {
	res := canon.MatchWhere(obj, q.desc.Where)
	if res == canon.Match && len(q.desc.IntersectWith) > 0 {
		// membership in the intersected result sets is only known server side
		return canon.Unknown
	}
	return res
}

func (q *ListQuery) sort(top *Layer, items []*CacheKey) {
	props := func(k *CacheKey) map[string]any {
		if e := top.Get(k); e != nil {
			m, _ := e.Value.(map[string]any)
			return m
		}
		return nil
	}
	slices.SortStableFunc(items, func(a, b *CacheKey) int {
		return canon.CompareObjects(props(a), props(b), q.desc.OrderBy)
	})
}

// syncMembers retains the objects the visible list references and releases
// the ones it no longer does.
func (q *ListQuery) syncMembers() {
	q.memMu.Lock()
	if q.members == nil {
		q.memMu.Unlock()
		return
	}
	want := make(map[*CacheKey]struct{})
	for _, k := range q.Value().Items {
		want[k] = struct{}{}
	}
	var add, drop []*CacheKey
	for k := range want {
		if _, ok := q.members[k]; !ok {
			add = append(add, k)
		}
	}
	for k := range q.members {
		if _, ok := want[k]; !ok {
			drop = append(drop, k)
		}
	}
	q.members = want

	q.s.mu.Lock()
	for _, k := range add {
		q.s.retainLocked(k)
	}
	for _, k := range drop {
		q.s.releaseLocked(k, q.s.gcAfter)
	}
	q.s.mu.Unlock()
	q.memMu.Unlock()
}

func (q *ListQuery) detach() {
	q.memMu.Lock()
	defer q.memMu.Unlock()
	q.s.mu.Lock()
	for k := range q.members {
		q.s.releaseLocked(k, q.s.gcAfter)
	}
	q.s.mu.Unlock()
	q.members = nil
}

func listOf(e *Entry) ListValue {
	if e == nil {
		return ListValue{}
	}
	v, _ := e.Value.(ListValue)
	return v
}

// hasList reports whether e holds a list value, whatever its status. A
// list still loading for the first time has nothing to fold into.
func hasList(e *Entry) bool {
	if e == nil || e.Tombstone {
		return false
	}
	_, ok := e.Value.(ListValue)
	return ok
}

func appendNew(dst, src []*CacheKey) []*CacheKey {
	seen := make(map[*CacheKey]struct{}, len(dst))
	for _, k := range dst {
		seen[k] = struct{}{}
	}
	for _, k := range src {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			dst = append(dst, k)
		}
	}
	return dst
}
