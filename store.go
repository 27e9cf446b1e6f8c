// Package graphstore provides an embedded object graph store with one
// long-lived main Context and any number of short-lived writer Contexts.
// Changes committed by a writer are merged forward into the main Context
// automatically, with the most recently committed value winning per property.
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nlstn/go-graphstore/internal/history"
	"github.com/nlstn/go-graphstore/internal/journal"
	"github.com/nlstn/go-graphstore/internal/observability"
	"github.com/nlstn/go-graphstore/internal/predicate"
	"github.com/nlstn/go-graphstore/internal/schema"
)

// MainContextName is the name of the main Context.
const MainContextName = "main"

const metadataVersionKey = "model_version"

// metadataRow stores store-level facts such as the model version.
type metadataRow struct {
	Key   string `gorm:"primaryKey;size:64"`
	Value string
}

func (metadataRow) TableName() string {
	return "_graphstore_metadata"
}

// Store owns the database, the main Context and the merge coordinator.
type Store struct {
	location string
	model    *Model
	opts     options

	db         *gorm.DB
	logger     atomic.Pointer[slog.Logger]
	log        *slog.Logger
	obs        *observability.Config
	validate   *validator.Validate
	predicates *predicate.Cache
	history    *history.Tracker
	journal    *journal.Journal

	// writeMu serializes commits and batch deletes against the database.
	writeMu sync.Mutex
	seq     uint64

	main        *Context
	coordinator *coordinator

	loadDone chan struct{}
	loadErr  error

	mu         sync.Mutex
	writers    map[*Context]struct{}
	background atomic.Uint64
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// Open opens the store at location for model. With the default asynchronous
// load Open returns immediately and load failures surface from Ready and from
// every operation; WithSynchronousLoad returns them from Open.
func Open(model *Model, location string, opts ...Option) (*Store, error) {
	if model == nil {
		return nil, &StoreError{Op: "open", Location: location, Err: errors.New("model is required")}
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	obs, err := newObservability(o.observability)
	if err != nil {
		return nil, &StoreError{Op: "open", Location: location, Err: err}
	}

	db, err := openDatabase(o, location)
	if err != nil {
		return nil, &StoreError{Op: "open", Location: location, Err: err}
	}
	if err := observability.RegisterGORMCallbacks(db, obs); err != nil {
		closeDatabase(db)
		return nil, &StoreError{Op: "open", Location: location, Err: err}
	}

	s := &Store{
		location:   location,
		model:      model,
		opts:       o,
		db:         db,
		obs:        obs,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		predicates: predicate.NewCache(),
		history:    history.NewTracker(),
		loadDone:   make(chan struct{}),
		writers:    make(map[*Context]struct{}),
	}
	s.logger.Store(logger)
	s.log = newForwardLogger(&s.logger)
	s.coordinator = newCoordinator(s)
	s.main = newContext(s, MainContextName, kindMain)

	if o.synchronousLoad {
		s.load()
		if s.loadErr != nil {
			_ = s.Close()
			return nil, s.loadErr
		}
		return s, nil
	}
	go s.load()
	return s, nil
}

// MustOpen is like Open with a synchronous load but panics on failure. It
// suits programs that cannot run without their store.
func MustOpen(model *Model, location string, opts ...Option) *Store {
	s, err := Open(model, location, append(opts, WithSynchronousLoad())...)
	if err != nil {
		panic(err)
	}
	return s
}

func newObservability(cfg *ObservabilityConfig) (*observability.Config, error) {
	if cfg == nil {
		return nil, nil
	}
	return observability.New(observability.Settings{
		TracerProvider: cfg.TracerProvider,
		MeterProvider:  cfg.MeterProvider,
		ServiceName:    cfg.ServiceName,
		DBStatements:   cfg.EnableDetailedDBTracing,
		Predicates:     cfg.EnablePredicateTracing,
	})
}

func openDatabase(o options, location string) (*gorm.DB, error) {
	cfg := o.gormConfig
	if cfg == nil {
		cfg = &gorm.Config{}
	}
	switch o.driver {
	case DriverSQLite, "":
		if location == "" {
			return nil, errors.New("store location is required")
		}
		if dir := filepath.Dir(location); dir != "" && !o.readOnly {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
		if o.readOnly {
			if _, err := os.Stat(location); err != nil {
				return nil, err
			}
		}
		return gorm.Open(sqlite.Open(location+"?_busy_timeout=5000&_journal_mode=WAL"), cfg)
	case DriverPostgres:
		return gorm.Open(postgres.Open(location), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", o.driver)
	}
}

func closeDatabase(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}

// load attaches the database to the model, creating or migrating tables as
// the options allow.
func (s *Store) load() {
	defer close(s.loadDone)
	ctx, span := s.obs.Tracer().StartLoad(context.Background(), s.location)
	defer span.End()

	if err := s.attachModel(ctx); err != nil {
		s.loadErr = err
		s.obs.Tracer().RecordError(span, err)
		s.log.Error("graphstore: store failed to load", "location", s.location, "error", err)
		return
	}

	var jopts []journal.Option
	jopts = append(jopts, journal.WithLogger(s.log))
	if s.opts.readOnly {
		jopts = append(jopts, journal.WithReadOnly())
	}
	j, err := journal.New(s.db, s.opts.journalRetention, jopts...)
	if err != nil {
		s.loadErr = &StoreError{Op: "load", Location: s.location, Err: err}
		return
	}
	s.journal = j

	last, err := j.LastSeq(ctx)
	if err != nil {
		s.loadErr = &StoreError{Op: "load", Location: s.location, Err: err}
		return
	}
	s.seq = last

	if !s.opts.readOnly {
		recovered, err := j.Recover(ctx)
		if err != nil {
			s.loadErr = &StoreError{Op: "load", Location: s.location, Err: err}
			return
		}
		for _, r := range recovered {
			s.log.Warn("graphstore: change set committed but not merged before shutdown",
				"seq", r.Seq, "context", r.Context, "count", r.Objects)
		}
	}

	for _, e := range s.model.Entities() {
		s.history.RegisterEntity(e.Name)
	}
	s.log.Debug("graphstore: store loaded", "location", s.location, "model", s.model.Version())
}

func (s *Store) attachModel(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	migrator := db.Migrator()

	if !migrator.HasTable(&metadataRow{}) {
		if s.opts.readOnly {
			return &StoreError{Op: "load", Location: s.location, Err: fmt.Errorf("%w: store is not initialized", ErrModelMismatch)}
		}
		if err := s.createSchema(db); err != nil {
			return &StoreError{Op: "create", Location: s.location, Err: err}
		}
		return nil
	}

	var row metadataRow
	result := db.Where(&metadataRow{Key: metadataVersionKey}).Limit(1).Find(&row)
	if result.Error != nil {
		return &StoreError{Op: "load", Location: s.location, Err: result.Error}
	}
	if result.RowsAffected == 0 {
		if s.opts.readOnly {
			return &StoreError{Op: "load", Location: s.location, Err: fmt.Errorf("%w: store is not initialized", ErrModelMismatch)}
		}
		if err := s.createSchema(db); err != nil {
			return &StoreError{Op: "create", Location: s.location, Err: err}
		}
		return nil
	}
	if row.Value == s.model.Version() {
		return nil
	}

	mismatch := fmt.Errorf("stored %s, expected %s", row.Value, s.model.Version())
	switch {
	case !s.opts.autoMigrate:
		return &StoreError{Op: "load", Location: s.location, Err: fmt.Errorf("%w: %v", ErrModelMismatch, mismatch)}
	case !s.opts.inferMapping:
		return &StoreError{Op: "load", Location: s.location, Err: fmt.Errorf("%w: %v", ErrMigrationRequired, mismatch)}
	case s.opts.readOnly:
		return &StoreError{Op: "load", Location: s.location, Err: fmt.Errorf("%w: %v", ErrReadOnly, mismatch)}
	}
	s.log.Info("graphstore: migrating store", "location", s.location, "from", row.Value, "to", s.model.Version())
	if err := s.createSchema(db); err != nil {
		return &StoreError{Op: "migrate", Location: s.location, Err: err}
	}
	return nil
}

// createSchema creates or upgrades every table of the model and records the
// model version.
func (s *Store) createSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(&metadataRow{}); err != nil {
		return err
	}
	if err := db.AutoMigrate(s.model.Records()...); err != nil {
		return err
	}
	for _, table := range s.model.JoinTables() {
		if err := db.Table(table).AutoMigrate(&schema.JoinRow{}); err != nil {
			return fmt.Errorf("join table %s: %w", table, err)
		}
	}
	return db.Save(&metadataRow{Key: metadataVersionKey, Value: s.model.Version()}).Error
}

// Ready blocks until the store has loaded and returns the load error, if any.
func (s *Store) Ready(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-s.loadDone:
		return s.loadErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) usable(ctx context.Context) error {
	if err := s.Ready(ctx); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return nil
}

// MainContext returns the main Context. Every call returns the same Context.
func (s *Store) MainContext() *Context {
	return s.main
}

// NewWriterContext creates a writer Context registered for merge propagation
// under name. Close it when done.
func (s *Store) NewWriterContext(name string) *Context {
	if name == "" {
		name = fmt.Sprintf("writer-%d", s.background.Add(1))
	}
	c := newContext(s, name, kindWriter)
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		c.closeLine(context.Background())
		return c
	}
	s.writers[c] = struct{}{}
	s.mu.Unlock()
	return c
}

func (s *Store) unregister(c *Context) {
	s.mu.Lock()
	delete(s.writers, c)
	s.mu.Unlock()
}

// PerformBackgroundTask runs fn on a fresh writer Context and closes that
// Context once fn has returned.
func (s *Store) PerformBackgroundTask(ctx context.Context, fn func(*Session) error) *Future {
	w := s.NewWriterContext(fmt.Sprintf("background-%d", s.background.Add(1)))
	f := w.Perform(ctx, fn)
	go func() {
		<-f.Done()
		_ = w.Close(context.Background())
	}()
	return f
}

// SetLogger replaces the store's logger, including the one used by Context
// lines and the merge journal. It is safe to call at any time. A nil logger
// selects slog.Default().
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.logger.Store(logger)
}

// StoreURL returns the location the store was opened with.
func (s *Store) StoreURL() string {
	return s.location
}

// Model returns the model the store was opened with.
func (s *Store) Model() *Model {
	return s.model
}

// Tracer exposes the store tracer for packages building on the store.
func (s *Store) Tracer() *Tracer {
	return s.obs.Tracer()
}

// ParseRef parses a reference produced by Ref.String and checks that the
// model declares its entity.
func (s *Store) ParseRef(str string) (Ref, error) {
	ref, err := ParseRef(str)
	if err != nil {
		return Ref{}, err
	}
	if _, ok := s.model.Entity(ref.Entity); !ok {
		return Ref{}, fmt.Errorf("%w: %s", ErrUnknownEntity, ref.Entity)
	}
	return ref, nil
}

// CurrentToken returns a change token for entity representing its current
// history position.
func (s *Store) CurrentToken(entity string) (string, error) {
	if _, ok := s.model.Entity(entity); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return s.history.CurrentToken(entity)
}

// ChangesSince returns every change recorded after token together with a
// token for the next call.
func (s *Store) ChangesSince(token string) ([]ChangeEvent, string, error) {
	return s.history.ChangesSince(token)
}

// Close drains writer Contexts and pending merges, then closes the database.
// It is safe to call multiple times.
func (s *Store) Close() error {
	return s.shutdown(nil)
}

// Destroy closes the store and removes its data: the backing file for
// SQLite, the tables for PostgreSQL.
func (s *Store) Destroy() error {
	var drop func(*gorm.DB) error
	if s.opts.driver == DriverPostgres {
		drop = s.dropTables
	}
	if err := s.shutdown(drop); err != nil {
		return err
	}
	if s.opts.driver == DriverPostgres {
		return nil
	}
	return DestroyStore(s.location)
}

func (s *Store) shutdown(beforeClose func(*gorm.DB) error) error {
	s.closeOnce.Do(func() {
		<-s.loadDone
		ctx := context.Background()

		s.mu.Lock()
		writers := make([]*Context, 0, len(s.writers))
		for c := range s.writers {
			writers = append(writers, c)
		}
		s.mu.Unlock()
		for _, c := range writers {
			_ = c.Close(ctx)
		}

		if s.loadErr == nil {
			if err := s.WaitForMerges(ctx); err != nil {
				s.closeErr = err
			}
		}
		s.closed.Store(true)
		s.main.closeLine(ctx)

		if s.journal != nil {
			s.journal.Close()
		}
		if beforeClose != nil {
			if err := beforeClose(s.db); err != nil && s.closeErr == nil {
				s.closeErr = &StoreError{Op: "destroy", Location: s.location, Err: err}
			}
		}
		closeDatabase(s.db)
	})
	return s.closeErr
}

func (s *Store) dropTables(db *gorm.DB) error {
	tables := make([]interface{}, 0)
	for _, table := range s.model.JoinTables() {
		tables = append(tables, table)
	}
	tables = append(tables, s.model.Records()...)
	tables = append(tables, &journal.Record{}, &metadataRow{})
	return db.Migrator().DropTable(tables...)
}

// DestroyStore removes a SQLite store file and its companion files.
func DestroyStore(location string) error {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		if err := os.Remove(location + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &StoreError{Op: "destroy", Location: location, Err: err}
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
