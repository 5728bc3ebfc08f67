package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// TerminalUpdate flips a job into a terminal state. The repository applies it
// conditionally so a raced or replayed transition affects zero rows.
type TerminalUpdate struct {
	Status       JobStatus
	ErrorCode    *string
	ErrorMessage *string
	CompletedAt  time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *GenerationJob) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*GenerationJob, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*GenerationJob, error)
	List(ctx context.Context, db *gorm.DB, userID string, beforeID snowflake.ID, limit int) ([]GenerationJob, error)
	MarkStarted(ctx context.Context, db *gorm.DB, id snowflake.ID, startedAt time.Time) (bool, error)
	MarkTerminal(ctx context.Context, db *gorm.DB, id snowflake.ID, update TerminalUpdate) (bool, error)
}
