package domain

import (
	"context"
	"errors"

	"github.com/adforge/adforge/pkg/db/pagination"
)

var (
	ErrJobNotFound       = errors.New("job_not_found")
	ErrInvalidTransition = errors.New("invalid_transition")
	ErrInvalidCost       = errors.New("invalid_cost")
	ErrInvalidPrompt     = errors.New("invalid_prompt")
	ErrInvalidUser       = errors.New("invalid_user")
)

type CreateJobRequest struct {
	UserID     string `json:"-"`
	Prompt     string `json:"prompt"`
	Format     string `json:"format"`
	ImageCount int    `json:"image_count"`
	TokensCost int64  `json:"tokens_cost"`
}

type FailJobRequest struct {
	JobID        string
	ErrorCode    string
	ErrorMessage string
}

type ListJobsRequest struct {
	UserID    string
	PageToken string
	PageSize  int
}

type ListJobsResponse struct {
	Jobs []GenerationJob `json:"jobs"`
	pagination.PageInfo
}

// Service drives the job state machine. Creation reserves tokens and inserts
// the job in one transaction; failure and cancellation flip the status and
// refund the reservation in one transaction.
type Service interface {
	Create(ctx context.Context, req CreateJobRequest) (*GenerationJob, error)
	Get(ctx context.Context, jobID string) (*GenerationJob, error)
	List(ctx context.Context, req ListJobsRequest) (ListJobsResponse, error)

	Start(ctx context.Context, jobID string) (*GenerationJob, error)
	Complete(ctx context.Context, jobID string) (*GenerationJob, error)
	Fail(ctx context.Context, req FailJobRequest) (*GenerationJob, error)
	Cancel(ctx context.Context, jobID string) (*GenerationJob, error)
}
