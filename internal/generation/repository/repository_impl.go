package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	generationdomain "github.com/adforge/adforge/internal/generation/domain"
	"gorm.io/gorm"
)

const jobColumns = `id, user_id, status, prompt, format, image_count, tokens_cost, ledger_id,
	 error_code, error_message, created_at, started_at, completed_at`

type repo struct{}

func Provide() generationdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, job *generationdomain.GenerationJob) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO generation_jobs (
			id, user_id, status, prompt, format, image_count, tokens_cost, ledger_id,
			error_code, error_message, created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.UserID,
		job.Status,
		job.Prompt,
		job.Format,
		job.ImageCount,
		job.TokensCost,
		job.LedgerID,
		job.ErrorCode,
		job.ErrorMessage,
		job.CreatedAt,
		job.StartedAt,
		job.CompletedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.GenerationJob, error) {
	var job generationdomain.GenerationJob
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`,
		id,
	).Scan(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*generationdomain.GenerationJob, error) {
	var job generationdomain.GenerationJob
	err := db.WithContext(ctx).Raw(
		`SELECT `+jobColumns+` FROM generation_jobs WHERE id = ?`+lockSuffix(db),
		id,
	).Scan(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, userID string, beforeID snowflake.ID, limit int) ([]generationdomain.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE user_id = ?`
	args := []any{userID}
	if beforeID != 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var jobs []generationdomain.GenerationJob
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *repo) MarkStarted(ctx context.Context, db *gorm.DB, id snowflake.ID, startedAt time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE generation_jobs SET status = ?, started_at = ?
		 WHERE id = ? AND status = ?`,
		generationdomain.JobStatusRunning,
		startedAt,
		id,
		generationdomain.JobStatusQueued,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkTerminal(ctx context.Context, db *gorm.DB, id snowflake.ID, update generationdomain.TerminalUpdate) (bool, error) {
	statuses := []generationdomain.JobStatus{generationdomain.JobStatusQueued, generationdomain.JobStatusRunning}
	if update.Status == generationdomain.JobStatusSucceeded {
		statuses = []generationdomain.JobStatus{generationdomain.JobStatusRunning}
	}

	result := db.WithContext(ctx).Exec(
		`UPDATE generation_jobs SET status = ?, error_code = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND status IN ?`,
		update.Status,
		update.ErrorCode,
		update.ErrorMessage,
		update.CompletedAt,
		id,
		statuses,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func lockSuffix(db *gorm.DB) string {
	if db.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}
