package syncache

// AggregationQuery computes an aggregate over a canonical filter, optionally
// composed with derived properties and intersected with other filters.
type AggregationQuery struct {
	*query
}

func (q *AggregationQuery) preFetch(bool) Request {
	d, _ := q.key.Aggregation()
	return Request{
		Key:            q.key,
		Kind:           q.key.kind,
		EntityType:     q.key.entityType,
		Where:          d.Where,
		IntersectWith:  d.IntersectWith,
		WithProperties: d.WithProperties,
		Aggregate:      d.Aggregate,
	}
}

func (q *AggregationQuery) handleFetch(b *Batch, _ Request, resp Response) error {
	if _, err := stageObjects(b, q.s, q.key.entityType, resp.Objects); err != nil {
		return err
	}
	b.Replace(q.key, resp.Value, StatusLoaded)
	return nil
}

// ObjectAggregationQuery is an AggregationQuery over one object type that
// refetches whenever a durable batch changes an object of that type.
type ObjectAggregationQuery struct {
	AggregationQuery
}

func (q *ObjectAggregationQuery) onChanges(ch *Changes) {
	if ch.IsOptimistic() || ch.Has(q.key) || !ch.TouchesType(q.key.entityType) {
		return
	}
	q.log.Debug("object type changed; revalidating", Fields{"type": q.key.entityType})
	go func() { _ = q.Revalidate(q.s.ctx, true) }()
}
