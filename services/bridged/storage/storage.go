package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Transfer is one relayed operation and its terminal outcome. Rows are
// append-only; a retried submission updates the retry count on its row.
type Transfer struct {
	ID          string `gorm:"primaryKey"`
	Direction   string `gorm:"index"`
	Nonce       uint64 `gorm:"index"`
	SourceTx    string
	DestTx      string
	Amount      string
	Status      string `gorm:"index"`
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Transfer statuses.
const (
	StatusSubmitted = "submitted"
	StatusConfirmed = "confirmed"
	StatusFailed    = "failed"
	StatusRejected  = "rejected"
)

// Store persists relay history in a local SQLite database.
type Store struct {
	db *gorm.DB
}

// Open initialises the database at path and migrates the schema.
// ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("storage: database path required")
	}
	db, err := gorm.Open(sqlite.Open(trimmed), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}
	if err := db.AutoMigrate(&Transfer{}); err != nil {
		return nil, fmt.Errorf("storage: migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record inserts a transfer row, assigning an id when absent.
func (s *Store) Record(ctx context.Context, transfer Transfer) error {
	if strings.TrimSpace(transfer.ID) == "" {
		transfer.ID = uuid.NewString()
	}
	if transfer.CreatedAt.IsZero() {
		transfer.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&transfer).Error; err != nil {
		return fmt.Errorf("storage: record transfer: %w", err)
	}
	return nil
}

// RecentByDirection returns the latest transfers for a direction.
func (s *Store) RecentByDirection(ctx context.Context, direction string, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Transfer
	err := s.db.WithContext(ctx).
		Where("direction = ?", strings.ToLower(strings.TrimSpace(direction))).
		Order("created_at desc").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("storage: query transfers: %w", err)
	}
	return out, nil
}

// CountByStatus reports row counts grouped by status for the ops endpoint.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	type row struct {
		Status string
		Total  int64
	}
	var rows []row
	err := s.db.WithContext(ctx).
		Model(&Transfer{}).
		Select("status, count(*) as total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("storage: count transfers: %w", err)
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Total
	}
	return out, nil
}
