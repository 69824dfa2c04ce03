package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LogSink writes each event as a structured zap entry.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, e Event) {
	fields := make([]zap.Field, 0, len(e.Fields)+1)
	fields = append(fields, zap.Time("at", e.At))
	for k, v := range e.Fields {
		fields = append(fields, zap.Any(k, v))
	}
	s.logger.Info(string(e.Kind), fields...)
}

// Record is the persisted form of an event.
type Record struct {
	ID        uint64         `gorm:"primaryKey" json:"id"`
	Kind      string         `gorm:"not null;index" json:"kind"`
	Payload   datatypes.JSON `json:"payload"`
	EmittedAt time.Time      `gorm:"not null;index" json:"emitted_at"`
}

func (Record) TableName() string {
	return "event_log"
}

// Journal appends events to the event_log table. Write failures are logged and
// swallowed: the journal is observational.
type Journal struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewJournal(db *gorm.DB, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{db: db, logger: logger}
}

// Migrate creates the event_log table.
func (j *Journal) Migrate() error {
	return j.db.AutoMigrate(&Record{})
}

func (j *Journal) Publish(ctx context.Context, e Event) {
	payload, err := json.Marshal(e.Fields)
	if err != nil {
		j.logger.Warn("Failed to encode event", zap.String("kind", string(e.Kind)), zap.Error(err))
		return
	}
	rec := &Record{Kind: string(e.Kind), Payload: datatypes.JSON(payload), EmittedAt: e.At}
	if err := j.db.WithContext(ctx).Create(rec).Error; err != nil {
		j.logger.Warn("Failed to append event", zap.String("kind", string(e.Kind)), zap.Error(err))
	}
}

// Recent returns up to limit records, newest first, optionally filtered by kind.
func (j *Journal) Recent(ctx context.Context, kind Kind, limit int) ([]Record, error) {
	query := j.db.WithContext(ctx).Model(&Record{}).Order("id DESC")
	if kind != "" {
		query = query.Where("kind = ?", string(kind))
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var records []Record
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return records, nil
}
