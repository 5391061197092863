// Package journal persists run and per-study retrieval records to postgres,
// giving operators a history to reconcile against archive-side logs. The
// journal is optional; a run without one only loses the history, never data.
package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Config holds database connection settings.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string
}

// Journal wraps the database handle. All methods are nil-safe no-ops on a
// nil receiver, so callers need no journal-enabled branches.
type Journal struct {
	db *gorm.DB
}

// Connect opens the database and migrates the journal tables.
func Connect(cfg Config) (*Journal, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	var gormLogger logger.Interface
	switch cfg.LogLevel {
	case "silent":
		gormLogger = logger.Default.LogMode(logger.Silent)
	case "info":
		gormLogger = logger.Default.LogMode(logger.Info)
	default:
		gormLogger = logger.Default.LogMode(logger.Warn)
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger,
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(5)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetConnMaxLifetime(5 * time.Minute)

	if err := db.AutoMigrate(&RunRecord{}, &RetrievalRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal tables: %w", err)
	}

	return &Journal{db: db}, nil
}

// StartRun inserts the run record and returns it with its assigned ID.
func (j *Journal) StartRun(ctx context.Context, run *RunRecord) error {
	if j == nil {
		return nil
	}
	run.StartedAt = time.Now().UTC()
	if err := j.db.WithContext(ctx).Create(run).Error; err != nil {
		return fmt.Errorf("failed to create run record: %w", err)
	}
	return nil
}

// FinishRun writes the final counters and outcome for a run.
func (j *Journal) FinishRun(ctx context.Context, run *RunRecord) error {
	if j == nil {
		return nil
	}
	now := time.Now().UTC()
	run.FinishedAt = &now
	if err := j.db.WithContext(ctx).Save(run).Error; err != nil {
		return fmt.Errorf("failed to update run record: %w", err)
	}
	return nil
}

// RecordRetrieval inserts one study's retrieval outcome.
func (j *Journal) RecordRetrieval(ctx context.Context, rec *RetrievalRecord) error {
	if j == nil {
		return nil
	}
	if err := j.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("failed to create retrieval record: %w", err)
	}
	return nil
}

// RetrievalsForRun lists a run's retrieval records, newest first.
func (j *Journal) RetrievalsForRun(ctx context.Context, runID uuid.UUID) ([]RetrievalRecord, error) {
	if j == nil {
		return nil, nil
	}
	var recs []RetrievalRecord
	if err := j.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at DESC").
		Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("failed to list retrieval records: %w", err)
	}
	return recs, nil
}

// Close releases the database connection.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
