package entities

import (
	"github.com/Bixcoitoo/harvester-api/constant"
	"github.com/google/uuid"
	"time"
)

type Job struct {
	ID         uuid.UUID          `json:"id" gorm:"type:uuid;primaryKey"`
	UserID     string             `json:"user_id" gorm:"index;not null"`
	URL        string             `json:"url" gorm:"not null"`
	Format     constant.Format    `json:"format" gorm:"not null"`
	Quality    constant.Quality   `json:"quality" gorm:"not null"`
	Status     constant.JobStatus `json:"status" gorm:"index;not null"`
	Progress   int                `json:"progress" gorm:"not null;default:0"`
	Error      *string            `json:"error,omitempty"`
	OutputKey  string             `json:"output_key,omitempty"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

func (Job) TableName() string {
	return "jobs"
}
