package journal

import "time"

// Record persists one writer commit awaiting, or done with, its merge into
// the main context.
type Record struct {
	Seq       uint64 `gorm:"primaryKey;autoIncrement:false"`
	Context   string `gorm:"size:128"`
	Status    Status `gorm:"size:32;index"`
	Objects   int
	Payload   []byte
	ErrorText string
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
	MergedAt  *time.Time
}

// TableName isolates journal persistence from entity tables.
func (Record) TableName() string {
	return "_graphstore_merge_journal"
}
