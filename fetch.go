package syncache

import (
	"context"

	"github.com/unkn0wn-root/syncache/canon"
)

// Fetcher loads the data behind a key from the network layer.
// Implementations must stop producing side effects once ctx is cancelled;
// results that arrive after cancellation are discarded by the Store.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) (Response, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, req Request) (Response, error)

func (f FetcherFunc) Fetch(ctx context.Context, req Request) (Response, error) { return f(ctx, req) }

// Request is the canonical descriptor handed to the Fetcher. Only the
// fields relevant to Kind are set.
type Request struct {
	Key        *CacheKey
	Kind       Kind
	EntityType string

	// KindObject
	PrimaryKey any

	// KindList, KindAggregation, KindObjectAggregation
	Where         canon.Where
	OrderBy       []canon.OrderField
	IntersectWith []canon.Where

	// KindAggregation, KindObjectAggregation
	WithProperties map[string]any
	Aggregate      map[string]any

	// KindList
	PageSize  int
	PageToken string
}

// EffectiveWhere is Where intersected with every IntersectWith filter.
func (r Request) EffectiveWhere() canon.Where {
	return canon.Intersect(r.Where, r.IntersectWith...)
}

// Object is one entity carried by a Response.
type Object struct {
	Type  string // defaults to the request's EntityType
	PK    any
	Props map[string]any
}

// Response is what a Fetcher returns.
//
//   - KindObject: Value holds the entity (a map, or a struct that encodes to
//     one); nil means the object does not exist. Objects may carry related
//     entities to cache alongside.
//   - KindList: Objects holds the page in order; NextPageToken is empty on
//     the last page.
//   - aggregations: Value holds the aggregate payload.
type Response struct {
	Value         any
	Objects       []Object
	NextPageToken string
}
