// Package domain contains persistence models for ad-generation jobs.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// JobStatus is the lifecycle state of one generation job. QUEUED is initial;
// SUCCEEDED, FAILED and CANCELED are terminal and absorbing.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCanceled  JobStatus = "CANCELED"
)

// Terminal reports whether no further transitions may occur.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	default:
		return false
	}
}

// GenerationJob is one unit of paid work. LedgerID uniquely references the
// JOB_RESERVE row that funded it: one reservation, one job.
type GenerationJob struct {
	ID           snowflake.ID `gorm:"primaryKey"`
	UserID       string       `gorm:"not null;index"`
	Status       JobStatus    `gorm:"type:text;not null;default:'QUEUED'"`
	Prompt       string       `gorm:"type:text;not null"`
	Format       string       `gorm:"type:text;not null"`
	ImageCount   int          `gorm:"not null;default:1"`
	TokensCost   int64        `gorm:"not null"`
	LedgerID     snowflake.ID `gorm:"not null;uniqueIndex:ux_generation_jobs_ledger"`
	ErrorCode    *string      `gorm:"type:text"`
	ErrorMessage *string      `gorm:"type:text"`
	CreatedAt    time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	StartedAt    *time.Time   `gorm:""`
	CompletedAt  *time.Time   `gorm:""`
}

// TableName sets the database table name.
func (GenerationJob) TableName() string { return "generation_jobs" }
