package graphstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStagedObjectsVisibleOnlyInOwnContext(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)
	w := s.NewWriterContext("staging")
	t.Cleanup(func() { _ = w.Close(ctx) })

	var ref Ref
	require.NoError(t, w.PerformAndWait(ctx, func(sess *Session) error {
		var err error
		ref, err = sess.Insert("testCategory", Attrs{"code": "c1", "name": "Fruit"})
		if err != nil {
			return err
		}
		refs, err := sess.Query("testCategory", nil)
		if err != nil {
			return err
		}
		if len(refs) != 1 || refs[0] != ref {
			t.Errorf("expected staged insert to be visible, got %v", refs)
		}
		if !sess.HasChanges() {
			t.Error("expected staged changes")
		}
		return nil
	}))

	refs, err := s.MainContext().Query(ctx, "testCategory", nil)
	require.NoError(t, err)
	assert.Empty(t, refs, "rows staged elsewhere are invisible")

	require.NoError(t, w.Commit(ctx))
	require.NoError(t, s.WaitForMerges(ctx))
	refs, err = s.MainContext().Query(ctx, "testCategory", nil)
	require.NoError(t, err)
	assert.Equal(t, []Ref{ref}, refs)
}

func TestCommitWithNothingStaged(t *testing.T) {
	s := newTestStore(t)
	before := s.PendingMerges()
	w := s.NewWriterContext("idle")
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	if err := w.Commit(testCtx(t)); err != nil {
		t.Fatalf("empty commit failed: %v", err)
	}
	if s.PendingMerges() != before {
		t.Fatal("empty commit must not produce a merge")
	}
}

func TestValidationFailureKeepsStagedChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)

	err := s.MainContext().PerformAndWait(ctx, func(sess *Session) error {
		ref, err := sess.Insert("testProduct", Attrs{"name": "Apple", "quantity": int64(-1)})
		if err != nil {
			return err
		}
		if err := sess.Commit(); !IsConstraintViolation(err) {
			t.Errorf("expected constraint violation, got %v", err)
		}
		var commitErr *CommitError
		if !errors.As(sess.Commit(), &commitErr) || commitErr.Context != MainContextName {
			t.Errorf("expected CommitError for main context")
		}
		if !sess.HasChanges() {
			t.Error("failed commit must keep staged changes")
		}
		if err := sess.SetAttributes(ref, Attrs{"quantity": 3}); err != nil {
			return err
		}
		return sess.Commit()
	})
	require.NoError(t, err)

	objects, err := s.MainContext().Objects(ctx, "testProduct", nil)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	quantity, ok := objects[0].Int64("quantity")
	require.True(t, ok)
	require.Equal(t, int64(3), quantity)
}

func TestUniqueViolationIsConstraintViolation(t *testing.T) {
	s := newTestStore(t)
	insertCategory(t, s.MainContext(), "c1", "Fruit")

	err := s.MainContext().PerformAndWait(testCtx(t), func(sess *Session) error {
		if _, err := sess.Insert("testCategory", Attrs{"code": "c1", "name": "Again"}); err != nil {
			return err
		}
		return sess.Commit()
	})
	if !IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
}

func TestAttributeValidation(t *testing.T) {
	s := newTestStore(t)
	err := s.MainContext().PerformAndWait(testCtx(t), func(sess *Session) error {
		if _, err := sess.Insert("testProduct", Attrs{"unknown": "x"}); !errors.Is(err, ErrUnknownAttribute) {
			t.Errorf("expected ErrUnknownAttribute, got %v", err)
		}
		if _, err := sess.Insert("testProduct", Attrs{"name": 12}); !errors.Is(err, ErrConstraintViolation) {
			t.Errorf("expected ErrConstraintViolation for wrong type, got %v", err)
		}
		if _, err := sess.Insert("testCategory", Attrs{"code": nil}); !errors.Is(err, ErrConstraintViolation) {
			t.Errorf("expected ErrConstraintViolation for nil required attribute, got %v", err)
		}
		if _, err := sess.Insert("Missing", nil); !errors.Is(err, ErrUnknownEntity) {
			t.Errorf("expected ErrUnknownEntity, got %v", err)
		}
		ref, err := sess.Insert("testProduct", Attrs{"name": "Pear"})
		if err != nil {
			return err
		}
		o, err := sess.Object(ref)
		if err != nil {
			return err
		}
		if _, ok := o.Int64("quantity"); ok {
			t.Error("optional attribute must start absent")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSessionIsInvalidAfterTask(t *testing.T) {
	s := newTestStore(t)
	var leaked *Session
	require.NoError(t, s.MainContext().PerformAndWait(testCtx(t), func(sess *Session) error {
		leaked = sess
		return nil
	}))

	_, err := leaked.Insert("testCategory", Attrs{"code": "c1"})
	require.ErrorIs(t, err, ErrSessionClosed)
	require.ErrorIs(t, leaked.Commit(), ErrSessionClosed)
	require.False(t, leaked.HasChanges())
}

func TestPerformAndWaitRunsInlineOnOwnLine(t *testing.T) {
	s := newTestStore(t)
	main := s.MainContext()
	err := main.PerformAndWait(testCtx(t), func(outer *Session) error {
		return main.PerformAndWait(outer.Context(), func(inner *Session) error {
			_, err := inner.Insert("testCategory", Attrs{"code": "nested"})
			if err != nil {
				return err
			}
			return inner.Commit()
		})
	})
	require.NoError(t, err)

	count, err := main.Objects(testCtx(t), "testCategory", Equal("code", "nested"))
	require.NoError(t, err)
	require.Len(t, count, 1)
}

func TestContextTasksRunSerially(t *testing.T) {
	s := newTestStore(t)
	w := s.NewWriterContext("serial")
	t.Cleanup(func() { _ = w.Close(context.Background()) })

	const tasks = 50
	counter := 0
	order := make([]int, 0, tasks)
	futures := make([]*Future, 0, tasks)
	for i := 0; i < tasks; i++ {
		i := i
		futures = append(futures, w.Perform(context.Background(), func(*Session) error {
			counter++
			order = append(order, i)
			return nil
		}))
	}
	for _, f := range futures {
		require.NoError(t, f.Wait(testCtx(t)))
	}
	require.Equal(t, tasks, counter)
	for i, v := range order {
		require.Equal(t, i, v, "tasks run in submission order")
	}
}

func TestContextsRunConcurrently(t *testing.T) {
	s := newTestStore(t)
	a := s.NewWriterContext("a")
	b := s.NewWriterContext("b")
	t.Cleanup(func() {
		_ = a.Close(context.Background())
		_ = b.Close(context.Background())
	})

	release := make(chan struct{})
	blocked := a.Perform(context.Background(), func(*Session) error {
		<-release
		return nil
	})
	require.NoError(t, b.PerformAndWait(testCtx(t), func(*Session) error { return nil }),
		"a blocked context must not stall another")
	close(release)
	require.NoError(t, blocked.Wait(testCtx(t)))
}

func TestPerformCanceledBeforeStart(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ran := false
	err := s.MainContext().Perform(ctx, func(*Session) error {
		ran = true
		return nil
	}).Wait(testCtx(t))
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, ran)
}

func TestDerivedOrderedRelationship(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)
	main := s.MainContext()

	var category Ref
	var products []Ref
	require.NoError(t, main.PerformAndWait(ctx, func(sess *Session) error {
		var err error
		category, err = sess.Insert("testCategory", Attrs{"code": "c1", "name": "Fruit"})
		if err != nil {
			return err
		}
		for _, name := range []string{"Apple", "Banana", "Cherry"} {
			p, err := sess.Insert("testProduct", Attrs{"name": name})
			if err != nil {
				return err
			}
			products = append(products, p)
			if err := sess.SetRelationship(category, "products", p); err != nil {
				return err
			}
		}
		related, err := sess.Related(category, "products")
		if err != nil {
			return err
		}
		if !assert.Equal(t, products, related) {
			return nil
		}
		return sess.Commit()
	}))

	w := s.NewWriterContext("reader")
	t.Cleanup(func() { _ = w.Close(context.Background()) })
	reordered := []Ref{products[2], products[0]}
	require.NoError(t, w.PerformAndWait(ctx, func(sess *Session) error {
		related, err := sess.Related(category, "products")
		if err != nil {
			return err
		}
		assert.Equal(t, products, related, "committed order survives reload")

		back, err := sess.Related(products[1], "category")
		if err != nil {
			return err
		}
		assert.Equal(t, []Ref{category}, back)

		if err := sess.SetOrderedRelationship(category, "products", reordered); err != nil {
			return err
		}
		return sess.Commit()
	}))
	require.NoError(t, s.WaitForMerges(ctx))

	require.NoError(t, main.PerformAndWait(ctx, func(sess *Session) error {
		related, err := sess.Related(category, "products")
		if err != nil {
			return err
		}
		assert.Equal(t, reordered, related)
		orphan, err := sess.Object(products[1])
		if err != nil {
			return err
		}
		assert.NotContains(t, orphan.ToOne, "category")
		return nil
	}))
}

func TestJoinTableRelationship(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)
	main := s.MainContext()

	var tag Ref
	var products []Ref
	require.NoError(t, main.PerformAndWait(ctx, func(sess *Session) error {
		var err error
		tag, err = sess.Insert("testTag", Attrs{"label": "fresh"})
		if err != nil {
			return err
		}
		for _, name := range []string{"Kiwi", "Lime"} {
			p, err := sess.Insert("testProduct", Attrs{"name": name})
			if err != nil {
				return err
			}
			products = append(products, p)
		}
		if err := sess.SetOrderedRelationship(tag, "products", []Ref{products[1], products[0]}); err != nil {
			return err
		}
		if err := sess.SetRelationship(tag, "products", products[1]); err != nil {
			return err
		}
		return sess.Commit()
	}))

	main.Reset(ctx)
	require.NoError(t, main.PerformAndWait(ctx, func(sess *Session) error {
		related, err := sess.Related(tag, "products")
		if err != nil {
			return err
		}
		assert.Equal(t, []Ref{products[1], products[0], products[1]}, related)

		err = sess.SetRelationship(tag, "products", tag)
		assert.ErrorIs(t, err, ErrConstraintViolation, "target entity is checked")
		return nil
	}))
}

func TestQueryPredicates(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)
	main := s.MainContext()

	require.NoError(t, main.PerformAndWait(ctx, func(sess *Session) error {
		for i, name := range []string{"Apple", "Banana", "Cherry"} {
			if _, err := sess.Insert("testProduct", Attrs{"name": name, "quantity": int64(i * 10)}); err != nil {
				return err
			}
		}
		if _, err := sess.Insert("testProduct", Attrs{"name": "Durian"}); err != nil {
			return err
		}
		return sess.Commit()
	}))

	tests := []struct {
		name      string
		predicate *Predicate
		expected  []string
	}{
		{name: "all", predicate: nil, expected: []string{"Apple", "Banana", "Cherry", "Durian"}},
		{name: "expr", predicate: Where(`quantity != nil && quantity >= 10`), expected: []string{"Banana", "Cherry"}},
		{name: "cel", predicate: WhereCEL(`name.startsWith("C") || name == "Apple"`), expected: []string{"Apple", "Cherry"}},
		{name: "equal", predicate: Equal("name", "Banana"), expected: []string{"Banana"}},
		{name: "equal nil", predicate: Equal("quantity", nil), expected: []string{"Durian"}},
		{name: "to-one unset", predicate: Where(`category == nil && name == "Durian"`), expected: []string{"Durian"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objects, err := main.Objects(ctx, "testProduct", tt.predicate)
			require.NoError(t, err)
			names := make([]string, len(objects))
			for i, o := range objects {
				names[i] = o.String("name")
			}
			assert.Equal(t, tt.expected, names)
		})
	}

	_, err := main.Query(ctx, "testProduct", Equal("missing", 1))
	assert.ErrorIs(t, err, ErrUnknownAttribute)
	_, err = main.Query(ctx, "testProduct", Where(`quantity >`))
	assert.ErrorIs(t, err, ErrInvalidPredicate)
	_, err = main.Query(ctx, "Missing", nil)
	assert.ErrorIs(t, err, ErrUnknownEntity)
	var queryErr *QueryError
	assert.True(t, errors.As(err, &queryErr))
}

func TestResetForgetsRegisteredObjects(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)
	main := s.MainContext()
	require.NoError(t, main.PerformAndWait(ctx, func(sess *Session) error {
		_, err := sess.Insert("testCategory", Attrs{"code": "c1"})
		return err
	}))
	require.NoError(t, main.Reset(ctx))
	refs, err := main.Query(ctx, "testCategory", nil)
	require.NoError(t, err)
	require.Empty(t, refs)
	require.NoError(t, main.Commit(ctx))
}

func TestBatchDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)
	main := s.MainContext()

	var apple, tag Ref
	require.NoError(t, main.PerformAndWait(ctx, func(sess *Session) error {
		category, err := sess.Insert("testCategory", Attrs{"code": "c1", "name": "Fruit"})
		if err != nil {
			return err
		}
		apple, err = sess.Insert("testProduct", Attrs{"name": "Apple"})
		if err != nil {
			return err
		}
		if err := sess.SetRelationship(apple, "category", category); err != nil {
			return err
		}
		tag, err = sess.Insert("testTag", Attrs{"label": "fresh"})
		if err != nil {
			return err
		}
		if err := sess.SetRelationship(tag, "products", apple); err != nil {
			return err
		}
		return sess.Commit()
	}))

	n, err := main.BatchDelete(ctx, "testCategory", Equal("code", "c1"))
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, main.PerformAndWait(ctx, func(sess *Session) error {
		o, err := sess.Object(apple)
		if err != nil {
			return err
		}
		assert.NotContains(t, o.ToOne, "category", "reference to deleted row is cleared")
		assert.Equal(t, int64(2), o.Version)
		return nil
	}))

	n, err = main.BatchDelete(ctx, "testProduct", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	require.NoError(t, main.PerformAndWait(ctx, func(sess *Session) error {
		related, err := sess.Related(tag, "products")
		if err != nil {
			return err
		}
		assert.Empty(t, related, "join rows of deleted targets are removed")
		_, err = sess.Object(apple)
		assert.ErrorIs(t, err, ErrObjectDeleted)
		return nil
	}))

	n, err = main.BatchDelete(ctx, "testProduct", nil)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = main.BatchDelete(ctx, "testProduct", Where(`quantity >`))
	require.ErrorIs(t, err, ErrInvalidPredicate)
}

func TestBackgroundTasksConcurrently(t *testing.T) {
	s := newTestStore(t)
	ctx := testCtx(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.PerformBackgroundTask(ctx, func(sess *Session) error {
				if _, err := sess.Insert("testProduct", Attrs{"name": "bulk", "quantity": int64(i)}); err != nil {
					return err
				}
				return sess.Commit()
			}).Wait(ctx)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	require.NoError(t, s.WaitForMerges(ctx))

	refs, err := s.MainContext().Query(ctx, "testProduct", nil)
	require.NoError(t, err)
	require.Len(t, refs, 8)
}
