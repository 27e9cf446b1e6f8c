package catalog

import (
	"context"
	"fmt"

	graphstore "github.com/nlstn/go-graphstore"
)

// DeleteAll removes every catalog row on a background writer Context, one
// batch delete per entity in DeleteOrder. Afterwards the acting Context and
// the main Context are reset and saved. It returns the rows deleted per
// entity; calling it again reports zero for each.
func DeleteAll(ctx context.Context, store *graphstore.Store) (map[string]int64, error) {
	counts := make(map[string]int64, len(DeleteOrder))
	err := store.PerformBackgroundTask(ctx, func(s *graphstore.Session) error {
		for _, entity := range DeleteOrder {
			n, err := s.BatchDelete(entity, nil)
			if err != nil {
				return err
			}
			counts[entity] = n
		}
		s.Reset()
		return s.Commit()
	}).Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("catalog: delete all: %w", err)
	}

	if err := store.WaitForMerges(ctx); err != nil {
		return nil, fmt.Errorf("catalog: delete all: waiting for merge: %w", err)
	}
	main := store.MainContext()
	err = main.PerformAndWait(ctx, func(s *graphstore.Session) error {
		s.Reset()
		return s.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: delete all: reset main: %w", err)
	}
	return counts, nil
}
