package repository

import (
	"context"
	"database/sql"
	"errors"
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/Bixcoitoo/harvester-api/entities"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	"time"
)

var ErrJobNotFound = errors.New("job not found")

// JobRepository persists job records. Every state transition is a
// conditional update on the current status; the returned bool reports
// whether the row actually moved.
type JobRepository interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Create(ctx context.Context, job *entities.Job) error
	FindJobById(ctx context.Context, id uuid.UUID) (*entities.Job, error)
	FindQueued(ctx context.Context) ([]*entities.Job, error)
	MarkDownloading(ctx context.Context, id uuid.UUID) (bool, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, progress int) (bool, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, outputKey string) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error)
	FailInterrupted(ctx context.Context, reason string) (int64, error)
}

type repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) JobRepository {
	return &repo{
		db: db,
	}
}

func NewPostgresRepo(db *sql.DB, debug bool) (JobRepository, error) {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(level),
		},
	)
	if err != nil {
		return nil, err
	}
	return NewRepo(gormDB), nil
}

func (r *repo) Migrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&entities.Job{})
}

func (r *repo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Create inserts job. Inserting an id that already exists is a no-op.
func (r *repo) Create(ctx context.Context, job *entities.Job) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(job).Error
}

func (r *repo) FindJobById(ctx context.Context, id uuid.UUID) (*entities.Job, error) {
	job := &entities.Job{}
	err := r.db.WithContext(ctx).First(job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	return job, nil
}

func (r *repo) FindQueued(ctx context.Context) ([]*entities.Job, error) {
	var jobs []*entities.Job
	err := r.db.WithContext(ctx).
		Where("status = ?", constant.JobStatusQueued).
		Order("created_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repo) MarkDownloading(ctx context.Context, id uuid.UUID) (bool, error) {
	return transition(r.db.WithContext(ctx).
		Model(&entities.Job{}).
		Where("id = ? AND status = ?", id, constant.JobStatusQueued),
		map[string]any{
			"status":     constant.JobStatusDownloading,
			"progress":   0,
			"started_at": time.Now(),
		})
}

// UpdateProgress never lowers the stored progress.
func (r *repo) UpdateProgress(ctx context.Context, id uuid.UUID, progress int) (bool, error) {
	return transition(r.db.WithContext(ctx).
		Model(&entities.Job{}).
		Where("id = ? AND status = ? AND progress <= ?", id, constant.JobStatusDownloading, progress),
		map[string]any{
			"progress": progress,
		})
}

func (r *repo) MarkCompleted(ctx context.Context, id uuid.UUID, outputKey string) (bool, error) {
	return transition(r.db.WithContext(ctx).
		Model(&entities.Job{}).
		Where("id = ? AND status = ?", id, constant.JobStatusDownloading),
		map[string]any{
			"status":      constant.JobStatusCompleted,
			"progress":    100,
			"output_key":  outputKey,
			"finished_at": time.Now(),
		})
}

func (r *repo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) (bool, error) {
	return transition(r.db.WithContext(ctx).
		Model(&entities.Job{}).
		Where("id = ? AND status = ?", id, constant.JobStatusDownloading),
		map[string]any{
			"status":      constant.JobStatusError,
			"error":       reason,
			"finished_at": time.Now(),
		})
}

// FailInterrupted moves every job left downloading by a previous process
// to error.
func (r *repo) FailInterrupted(ctx context.Context, reason string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&entities.Job{}).
		Where("status = ?", constant.JobStatusDownloading).
		Updates(map[string]any{
			"status":      constant.JobStatusError,
			"error":       reason,
			"finished_at": time.Now(),
		})
	return result.RowsAffected, result.Error
}

func transition(tx *gorm.DB, updates map[string]any) (bool, error) {
	result := tx.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
