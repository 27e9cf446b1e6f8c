package graphstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCategory struct {
	ID       string   `gorm:"primaryKey;size:36" graph:"id"`
	Version  int64    `graph:"version"`
	Code     string   `gorm:"uniqueIndex;size:64" graph:"attr=code" validate:"required"`
	Name     string   `graph:"attr=name"`
	Products []string `gorm:"-" graph:"toMany=products,target=testProduct,inverse=category,ordered"`
}

type testProduct struct {
	ID               string  `gorm:"primaryKey;size:36" graph:"id"`
	Version          int64   `graph:"version"`
	Name             string  `graph:"attr=name"`
	Quantity         *int64  `graph:"attr=quantity,optional" validate:"omitempty,gte=0"`
	CategoryRef      *string `gorm:"size:36;index" graph:"toOne=category,target=testCategory,inverse=products"`
	CategoryPosition int     `graph:"position=category"`
}

type testTag struct {
	ID       string   `gorm:"primaryKey;size:36" graph:"id"`
	Version  int64    `graph:"version"`
	Label    string   `graph:"attr=label"`
	Products []string `gorm:"-" graph:"toMany=products,target=testProduct,ordered,join=test_tag_products"`
}

type testNote struct {
	ID      string `gorm:"primaryKey;size:36" graph:"id"`
	Version int64  `graph:"version"`
	Body    string `graph:"attr=body"`
}

func testModel(t *testing.T) *Model {
	t.Helper()
	m, err := NewModel(&testCategory{}, &testProduct{}, &testTag{})
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	return m
}

func testModelWithNotes(t *testing.T) *Model {
	t.Helper()
	m, err := NewModel(&testCategory{}, &testProduct{}, &testTag{}, &testNote{})
	if err != nil {
		t.Fatalf("NewModel failed: %v", err)
	}
	return m
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStorePath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "store.db")
}

func openTestStore(t *testing.T, path string, opts ...Option) *Store {
	t.Helper()
	opts = append([]Option{WithSynchronousLoad(), WithLogger(discardLogger())}, opts...)
	s, err := Open(testModel(t), path, opts...)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	return s
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	return openTestStore(t, testStorePath(t), opts...)
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func insertCategory(t *testing.T, c *Context, code, name string) Ref {
	t.Helper()
	var ref Ref
	err := c.PerformAndWait(testCtx(t), func(s *Session) error {
		var err error
		ref, err = s.Insert("testCategory", Attrs{"code": code, "name": name})
		if err != nil {
			return err
		}
		return s.Commit()
	})
	if err != nil {
		t.Fatalf("insert category %s: %v", code, err)
	}
	return ref
}

func TestOpenCreatesAndReopensStore(t *testing.T) {
	path := testStorePath(t)
	s, err := Open(testModel(t), path, WithSynchronousLoad(), WithLogger(discardLogger()))
	require.NoError(t, err)
	ref := insertCategory(t, s.MainContext(), "c1", "Fruit")
	require.NoError(t, s.Close())

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected store file at %s: %v", path, err)
	}

	reopened := openTestStore(t, path)
	objects, err := reopened.MainContext().Objects(testCtx(t), "testCategory", nil)
	require.NoError(t, err)
	require.Len(t, objects, 1)
	require.Equal(t, ref, objects[0].Ref)
	require.Equal(t, "Fruit", objects[0].String("name"))
	require.Equal(t, int64(1), objects[0].Version)
}

func TestOpenAsynchronouslyBecomesReady(t *testing.T) {
	s, err := Open(testModel(t), testStorePath(t), WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Ready(testCtx(t)))
	insertCategory(t, s.MainContext(), "c1", "Fruit")
}

func TestOpenRequiresModel(t *testing.T) {
	_, err := Open(nil, testStorePath(t))
	if !IsStoreError(err) {
		t.Fatalf("expected StoreError, got %v", err)
	}
}

func TestMainContextIsSingleton(t *testing.T) {
	s := newTestStore(t)
	if s.MainContext() != s.MainContext() {
		t.Fatal("MainContext returned different contexts")
	}
	if !s.MainContext().IsMain() || s.MainContext().Name() != MainContextName {
		t.Fatalf("unexpected main context %q", s.MainContext().Name())
	}
	if err := s.MainContext().Close(testCtx(t)); err == nil {
		t.Fatal("expected closing the main context to fail")
	}
}

func TestModelMismatchHandling(t *testing.T) {
	path := testStorePath(t)
	s, err := Open(testModel(t), path, WithSynchronousLoad(), WithLogger(discardLogger()))
	require.NoError(t, err)
	insertCategory(t, s.MainContext(), "c1", "Fruit")
	require.NoError(t, s.Close())

	tests := []struct {
		name     string
		opts     []Option
		expected error
	}{
		{name: "auto migrate disabled", opts: []Option{WithoutAutoMigrate()}, expected: ErrModelMismatch},
		{name: "mapping not inferred", opts: []Option{WithoutInferredMapping()}, expected: ErrMigrationRequired},
		{name: "read only", opts: []Option{WithReadOnly()}, expected: ErrReadOnly},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := append([]Option{WithSynchronousLoad(), WithLogger(discardLogger())}, tt.opts...)
			_, err := Open(testModelWithNotes(t), path, opts...)
			if !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
			if !IsStoreError(err) {
				t.Fatalf("expected StoreError, got %T", err)
			}
		})
	}

	migrated, err := Open(testModelWithNotes(t), path, WithSynchronousLoad(), WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = migrated.Close() })

	objects, err := migrated.MainContext().Objects(testCtx(t), "testCategory", nil)
	require.NoError(t, err)
	require.Len(t, objects, 1, "migration keeps existing rows")
	require.NoError(t, migrated.MainContext().PerformAndWait(testCtx(t), func(s *Session) error {
		if _, err := s.Insert("testNote", Attrs{"body": "hello"}); err != nil {
			return err
		}
		return s.Commit()
	}))
}

func TestAsyncLoadFailureSurfacesFromOperations(t *testing.T) {
	path := testStorePath(t)
	s, err := Open(testModel(t), path, WithSynchronousLoad(), WithLogger(discardLogger()))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	broken, err := Open(testModelWithNotes(t), path, WithoutAutoMigrate(), WithLogger(discardLogger()))
	require.NoError(t, err, "asynchronous open returns before loading")
	t.Cleanup(func() { _ = broken.Close() })

	require.ErrorIs(t, broken.Ready(testCtx(t)), ErrModelMismatch)
	_, err = broken.MainContext().Query(testCtx(t), "testCategory", nil)
	require.ErrorIs(t, err, ErrModelMismatch)
}

func TestReadOnlyStore(t *testing.T) {
	if _, err := Open(testModel(t), testStorePath(t), WithReadOnly(), WithSynchronousLoad()); err == nil {
		t.Fatal("expected opening a missing store read-only to fail")
	}

	path := testStorePath(t)
	s, err := Open(testModel(t), path, WithSynchronousLoad(), WithLogger(discardLogger()))
	require.NoError(t, err)
	insertCategory(t, s.MainContext(), "c1", "Fruit")
	require.NoError(t, s.Close())

	ro := openTestStore(t, path, WithReadOnly())
	n, err := ro.MainContext().Objects(testCtx(t), "testCategory", nil)
	require.NoError(t, err)
	require.Len(t, n, 1)

	err = ro.MainContext().PerformAndWait(testCtx(t), func(s *Session) error {
		if _, err := s.Insert("testCategory", Attrs{"code": "c2"}); err != nil {
			return err
		}
		return s.Commit()
	})
	require.ErrorIs(t, err, ErrReadOnly)

	_, err = ro.MainContext().BatchDelete(testCtx(t), "testCategory", nil)
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestClosedStoreRejectsWork(t *testing.T) {
	s, err := Open(testModel(t), testStorePath(t), WithSynchronousLoad(), WithLogger(discardLogger()))
	require.NoError(t, err)
	w := s.NewWriterContext("late")
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close is idempotent")

	err = w.PerformAndWait(testCtx(t), func(*Session) error { return nil })
	require.ErrorIs(t, err, ErrContextClosed)
	err = s.MainContext().PerformAndWait(testCtx(t), func(*Session) error { return nil })
	require.ErrorIs(t, err, ErrContextClosed)
}

func TestDestroyRemovesStoreFile(t *testing.T) {
	path := testStorePath(t)
	s, err := Open(testModel(t), path, WithSynchronousLoad(), WithLogger(discardLogger()))
	require.NoError(t, err)
	insertCategory(t, s.MainContext(), "c1", "Fruit")
	require.NoError(t, s.Destroy())

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if _, err := os.Stat(path + suffix); !os.IsNotExist(err) {
			t.Fatalf("expected %s%s to be removed, stat error %v", path, suffix, err)
		}
	}
	require.NoError(t, DestroyStore(path), "destroying a missing store succeeds")
}

func TestStoreAccessors(t *testing.T) {
	path := testStorePath(t)
	s := openTestStore(t, path)
	require.Equal(t, path, s.StoreURL())
	require.NotNil(t, s.Model())
	require.NotNil(t, s.Tracer())
	s.SetLogger(nil)
}

func TestChangeTokens(t *testing.T) {
	s := newTestStore(t)
	token, err := s.CurrentToken("testCategory")
	require.NoError(t, err)

	ref := insertCategory(t, s.MainContext(), "c1", "Fruit")
	events, next, err := s.ChangesSince(token)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, string(ref.ID), events[0].ObjectID)
	require.Equal(t, MainContextName, events[0].Context)
	require.Equal(t, ChangeInserted, events[0].Type)

	events, _, err = s.ChangesSince(next)
	require.NoError(t, err)
	require.Empty(t, events)

	_, err = s.CurrentToken("Unknown")
	require.ErrorIs(t, err, ErrUnknownEntity)
}

func TestParseRef(t *testing.T) {
	s := newTestStore(t)
	ref := insertCategory(t, s.MainContext(), "c1", "Fruit")

	parsed, err := ParseRef(ref.String())
	require.NoError(t, err)
	assert.Equal(t, ref, parsed)

	parsed, err = s.ParseRef(ref.String())
	require.NoError(t, err)
	assert.Equal(t, "Fruit", objectIn(t, s.MainContext(), parsed).String("name"))

	_, err = s.ParseRef("Planet(0190b1e2-7c1a-7000-8000-000000000001)")
	assert.ErrorIs(t, err, ErrUnknownEntity)

	for _, bad := range []string{"", "testCategory", "testCategory()", "(abc)", "testCategory(abc", "a(b(c))", " testCategory(abc)"} {
		_, err := ParseRef(bad)
		assert.ErrorIs(t, err, ErrInvalidRef, bad)
	}
}

func TestDefaultLocation(t *testing.T) {
	dir, err := DefaultDirectory()
	if err != nil {
		t.Skipf("no user directory on this system: %v", err)
	}
	assert.True(t, filepath.IsAbs(dir), dir)
	assert.Equal(t, "graphstore", filepath.Base(dir))

	location, err := DefaultLocation()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, DefaultStoreName), location)

	if runtime.GOOS == "linux" {
		config := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", config)
		dir, err := DefaultDirectory()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(config, "graphstore"), dir)
	}
}

// lockedBuffer is a bytes.Buffer safe for concurrent log writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSetLoggerReachesExistingContexts(t *testing.T) {
	s, err := Open(testModel(t), testStorePath(t), WithLogger(discardLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	early := s.NewWriterContext("early")
	t.Cleanup(func() { _ = early.Close(context.Background()) })

	// Runs while the store may still be loading in the background.
	var logs lockedBuffer
	s.SetLogger(slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})).With("store", "replaced"))
	ctx := testCtx(t)
	require.NoError(t, s.Ready(ctx))

	err = early.PerformAndWait(ctx, func(*Session) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, logs.String(), "serial: task panicked")
	assert.Contains(t, logs.String(), "line=early")
	assert.Contains(t, logs.String(), "store=replaced")

	insertCategory(t, s.MainContext(), "c1", "Fruit")
	assert.Contains(t, logs.String(), "graphstore: committed")
}
