package saga

import (
	"context"
	"fmt"
	"time"

	"forum/internal/observability"

	"gorm.io/gorm"
)

// Record is one journaled saga run.
type Record struct {
	ID        string `gorm:"primaryKey;size:36"`
	Kind      string `gorm:"size:64;index"`
	Subject   string `gorm:"size:64"`
	Status    Status `gorm:"size:16;index"`
	Completed int
	Attempts  int
	Payload   string `gorm:"type:text"`
	LastError string `gorm:"type:text"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName pins the journal table name.
func (Record) TableName() string {
	return "saga_records"
}

// Journal persists saga records.
type Journal interface {
	Create(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
	Pending(ctx context.Context, limit int) ([]Record, error)
	List(ctx context.Context, status Status, limit int) ([]Record, error)
}

type gormJournal struct {
	db *gorm.DB
}

// NewGormJournal returns a Journal stored through gorm.
func NewGormJournal(db *gorm.DB) Journal {
	return &gormJournal{db: db}
}

func (j *gormJournal) Create(ctx context.Context, rec *Record) error {
	defer observability.TrackQuery("create", "saga_records")()
	if err := j.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("journal create: %w", err)
	}
	return nil
}

func (j *gormJournal) Update(ctx context.Context, rec *Record) error {
	defer observability.TrackQuery("update", "saga_records")()
	err := j.db.WithContext(ctx).Model(&Record{}).
		Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"status":     rec.Status,
			"completed":  rec.Completed,
			"attempts":   rec.Attempts,
			"last_error": rec.LastError,
			"updated_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("journal update: %w", err)
	}
	return nil
}

func (j *gormJournal) Pending(ctx context.Context, limit int) ([]Record, error) {
	return j.List(ctx, StatusFailed, limit)
}

func (j *gormJournal) List(ctx context.Context, status Status, limit int) ([]Record, error) {
	defer observability.TrackQuery("list", "saga_records")()
	var records []Record
	q := j.db.WithContext(ctx).Where("status = ?", status).Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("journal list: %w", err)
	}
	return records, nil
}
