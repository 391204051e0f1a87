package syncache

import (
	"context"

	"github.com/google/uuid"
)

// RunOptimistic runs an optimistic update end to end:
//
//  1. a fresh overlay is added and speculate stages the expected outcome
//     into it, so subscribers see the change at once;
//  2. apply performs the real operation;
//  3. one batch removes the overlay and, when apply succeeded, stages the
//     authoritative result returned by apply into the root layer.
//
// Subscribers observe a single transition in step 3, whether the update is
// confirmed or rolled back. The error of apply is returned.
func (s *Store) RunOptimistic(
	ctx context.Context,
	speculate func(*Batch),
	apply func(ctx context.Context) (func(*Batch), error),
) error {
	id := LayerID("optimistic:" + uuid.NewString())
	if err := s.AddLayer(id); err != nil {
		return err
	}
	if speculate != nil {
		b := s.Batch(OnLayer(id))
		speculate(b)
		b.Commit()
	}

	confirm, err := apply(ctx)

	b := s.Batch()
	b.RemoveLayer(id)
	if err == nil && confirm != nil {
		confirm(b)
	}
	b.Commit()

	if err != nil {
		s.log.Debug("optimistic update rolled back", Fields{"layer": string(id), "err": err})
	}
	return err
}
