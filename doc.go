// Package syncache implements a layered, observable client cache for
// entities fetched from a remote source. Readers subscribe to keys and are
// told about every change of the value they can see.
//
// Components:
//   - Layer: immutable chain of entry tables. The root holds durable data;
//     overlays on top hold optimistic writes and are dropped to roll back.
//   - CacheKey: interned key of an object, a list or an aggregation. Equal
//     descriptors always yield the same *CacheKey.
//   - Query: per-key fetch coordinator. Concurrent revalidations share one
//     Fetcher call; a forced one cancels the fetch it replaces.
//   - Batch: atomic set of writes. Subscribers of each key whose visible
//     entry changed are notified once per commit.
//   - Spill tier (optional): evicted entries are written to a Provider and
//     restored on the next Observe, unless invalidated in between.
//
// Keys render as:
//
//	object:<type>:<id>
//	list:<type>:<id>
//	aggregation:<type>:<id>
//	objectAggregation:<type>:<id>
//
// where <id> is a base36 hash of the canonical descriptor.
//
// Optimistic update:
//
//	err := store.RunOptimistic(ctx,
//		func(b *syncache.Batch) { b.Write(k, patch, syncache.StatusLoaded) },
//		func(ctx context.Context) (func(*syncache.Batch), error) {
//			v, err := api.Save(ctx, patch)
//			if err != nil {
//				return nil, err // overlay dropped, subscribers see the old value
//			}
//			return func(b *syncache.Batch) { b.Write(k, v, syncache.StatusLoaded) }, nil
//		})
package syncache
