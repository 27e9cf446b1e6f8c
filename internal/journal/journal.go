// Package journal keeps a durable record of every writer commit and whether it
// has been merged into the main context.
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"
)

// DefaultRetention is how long merged entries are kept.
const DefaultRetention = 24 * time.Hour

// Status represents the merge state of a journal entry.
type Status string

const (
	// StatusPending indicates the commit is durable but not merged yet.
	StatusPending Status = "pending"
	// StatusMerged indicates the main context absorbed the commit.
	StatusMerged Status = "merged"
	// StatusFailed indicates the merge ran but saving main failed.
	StatusFailed Status = "failed"
	// StatusRecovered marks entries left pending by a previous process.
	StatusRecovered Status = "recovered"
)

// Journal stores merge journal entries with GORM.
type Journal struct {
	db     *gorm.DB
	ttl    time.Duration
	logger *slog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	closeOnce     sync.Once
}

type config struct {
	readOnly bool
	logger   *slog.Logger
}

// Option configures New.
type Option func(*config)

// WithReadOnly skips table creation and disables retention cleanup.
func WithReadOnly() Option {
	return func(c *config) {
		c.readOnly = true
	}
}

// WithLogger sets the logger used for background failures.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// New creates the journal table if needed and starts retention cleanup.
// A zero ttl applies DefaultRetention; a negative ttl disables cleanup.
func New(db *gorm.DB, ttl time.Duration, opts ...Option) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: database handle is required")
	}

	cfg := config{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	if !cfg.readOnly {
		if err := db.AutoMigrate(&Record{}); err != nil {
			return nil, fmt.Errorf("journal: migrate: %w", err)
		}
	}

	effective := ttl
	if effective == 0 {
		effective = DefaultRetention
	}
	if cfg.readOnly {
		effective = -1
	}

	j := &Journal{
		db:          db,
		ttl:         effective,
		logger:      cfg.logger,
		stopCleanup: make(chan struct{}),
	}

	if effective > 0 {
		interval := effective / 2
		if interval <= 0 {
			interval = effective
		}
		j.cleanupTicker = time.NewTicker(interval)
		go func() {
			for {
				select {
				case <-j.cleanupTicker.C:
					j.cleanupExpired()
				case <-j.stopCleanup:
					j.cleanupTicker.Stop()
					return
				}
			}
		}()
	}

	return j, nil
}

// Close stops background cleanup.
func (j *Journal) Close() {
	j.closeOnce.Do(func() {
		close(j.stopCleanup)
	})
}

// LastSeq returns the highest sequence number recorded so far.
func (j *Journal) LastSeq(ctx context.Context) (uint64, error) {
	var last int64
	row := j.db.WithContext(ctx).Model(&Record{}).Select("COALESCE(MAX(seq), 0)").Row()
	if err := row.Scan(&last); err != nil {
		return 0, err
	}
	return uint64(last), nil
}

// Append writes a pending entry through tx, so that it commits or rolls back
// together with the changes it describes.
func Append(tx *gorm.DB, seq uint64, contextName string, objects int, payload interface{}) error {
	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("journal: encode payload: %w", err)
	}
	now := time.Now()
	record := &Record{
		Seq:       seq,
		Context:   contextName,
		Status:    StatusPending,
		Objects:   objects,
		Payload:   data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return tx.Create(record).Error
}

// MarkMerged records a successful merge.
func (j *Journal) MarkMerged(ctx context.Context, seq uint64) error {
	now := time.Now()
	return j.db.WithContext(ctx).Model(&Record{}).
		Where("seq = ?", seq).
		Updates(map[string]interface{}{
			"status":     StatusMerged,
			"updated_at": now,
			"merged_at":  &now,
			"error_text": "",
		}).Error
}

// MarkFailed records a merge whose save into main failed.
func (j *Journal) MarkFailed(ctx context.Context, seq uint64, cause error) error {
	var text string
	if cause != nil {
		text = cause.Error()
	}
	return j.db.WithContext(ctx).Model(&Record{}).
		Where("seq = ?", seq).
		Updates(map[string]interface{}{
			"status":     StatusFailed,
			"updated_at": time.Now(),
			"error_text": text,
		}).Error
}

// Recover marks entries left pending by a previous process as recovered and
// returns them.
func (j *Journal) Recover(ctx context.Context) ([]Record, error) {
	var pending []Record
	db := j.db.WithContext(ctx)
	if err := db.Where("status = ?", StatusPending).Order("seq").Find(&pending).Error; err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return nil, nil
	}
	now := time.Now()
	if err := db.Model(&Record{}).
		Where("status = ?", StatusPending).
		Updates(map[string]interface{}{
			"status":     StatusRecovered,
			"updated_at": now,
			"merged_at":  &now,
		}).Error; err != nil {
		return nil, err
	}
	return pending, nil
}

// Get loads one entry.
func (j *Journal) Get(ctx context.Context, seq uint64) (*Record, error) {
	var record Record
	if err := j.db.WithContext(ctx).First(&record, "seq = ?", seq).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// Decode unmarshals an entry payload into v.
func (r *Record) Decode(v interface{}) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

func encodePayload(payload interface{}) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	return json.Marshal(payload)
}

func (j *Journal) cleanupExpired() {
	if j.ttl <= 0 {
		return
	}
	cutoff := time.Now().Add(-j.ttl)
	if err := j.db.Where("merged_at IS NOT NULL AND merged_at < ?", cutoff).
		Delete(&Record{}).Error; err != nil {
		j.logger.Warn("journal: failed to delete expired entries", "error", err)
	}
}
