package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "journal.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	return db
}

func newTestJournal(t *testing.T, ttl time.Duration) (*Journal, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	j, err := New(db, ttl)
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	t.Cleanup(j.Close)
	return j, db
}

type payload struct {
	Inserted int `json:"inserted"`
}

func TestJournalLifecycle(t *testing.T) {
	j, db := newTestJournal(t, 0)
	ctx := context.Background()

	if last, err := j.LastSeq(ctx); err != nil || last != 0 {
		t.Fatalf("expected empty journal, got %d (%v)", last, err)
	}

	if err := db.Transaction(func(tx *gorm.DB) error {
		return Append(tx, 1, "importer", 3, payload{Inserted: 3})
	}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	record, err := j.Get(ctx, 1)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if record.Status != StatusPending {
		t.Fatalf("expected pending, got %s", record.Status)
	}
	var decoded payload
	if err := record.Decode(&decoded); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decoded.Inserted != 3 {
		t.Fatalf("expected payload to round-trip, got %+v", decoded)
	}

	if err := j.MarkMerged(ctx, 1); err != nil {
		t.Fatalf("MarkMerged failed: %v", err)
	}
	record, _ = j.Get(ctx, 1)
	if record.Status != StatusMerged || record.MergedAt == nil {
		t.Fatalf("expected merged entry with timestamp, got %+v", record)
	}

	if last, _ := j.LastSeq(ctx); last != 1 {
		t.Fatalf("expected last seq 1, got %d", last)
	}
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	j, db := newTestJournal(t, 0)
	rollback := errors.New("rollback")

	err := db.Transaction(func(tx *gorm.DB) error {
		if err := Append(tx, 7, "writer", 1, nil); err != nil {
			return err
		}
		return rollback
	})
	if !errors.Is(err, rollback) {
		t.Fatalf("expected rollback error, got %v", err)
	}
	if _, err := j.Get(context.Background(), 7); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected entry to be rolled back, got %v", err)
	}
}

func TestMarkFailedKeepsError(t *testing.T) {
	j, db := newTestJournal(t, 0)
	ctx := context.Background()
	if err := Append(db, 2, "writer", 1, nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := j.MarkFailed(ctx, 2, errors.New("disk full")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}
	record, _ := j.Get(ctx, 2)
	if record.Status != StatusFailed || record.ErrorText != "disk full" {
		t.Fatalf("unexpected record %+v", record)
	}
}

func TestRecoverMarksPendingEntries(t *testing.T) {
	j, db := newTestJournal(t, 0)
	ctx := context.Background()
	for seq := uint64(1); seq <= 3; seq++ {
		if err := Append(db, seq, "writer", 1, nil); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if err := j.MarkMerged(ctx, 1); err != nil {
		t.Fatalf("MarkMerged failed: %v", err)
	}

	recovered, err := j.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(recovered) != 2 || recovered[0].Seq != 2 || recovered[1].Seq != 3 {
		t.Fatalf("expected entries 2 and 3 to be recovered, got %+v", recovered)
	}
	record, _ := j.Get(ctx, 3)
	if record.Status != StatusRecovered {
		t.Fatalf("expected recovered status, got %s", record.Status)
	}

	again, err := j.Recover(ctx)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected nothing left to recover, got %d (%v)", len(again), err)
	}
}

func TestCleanupRemovesExpiredMergedEntries(t *testing.T) {
	j, db := newTestJournal(t, -1)
	j.ttl = time.Minute
	ctx := context.Background()

	if err := Append(db, 1, "writer", 1, nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := Append(db, 2, "writer", 1, nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	old := time.Now().Add(-2 * time.Minute)
	if err := db.Model(&Record{}).Where("seq = ?", 1).Updates(map[string]interface{}{
		"status":    StatusMerged,
		"merged_at": &old,
	}).Error; err != nil {
		t.Fatalf("failed to age entry: %v", err)
	}

	j.cleanupExpired()

	if _, err := j.Get(ctx, 1); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("expected expired entry to be removed, got %v", err)
	}
	if _, err := j.Get(ctx, 2); err != nil {
		t.Fatalf("pending entry must survive cleanup: %v", err)
	}
}
