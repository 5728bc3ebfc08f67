package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/adforge/adforge/internal/clock"
	generationdomain "github.com/adforge/adforge/internal/generation/domain"
	obsmetrics "github.com/adforge/adforge/internal/observability/metrics"
	tokendomain "github.com/adforge/adforge/internal/token/domain"
	"github.com/adforge/adforge/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     generationdomain.Repository
	TokenSvc tokendomain.Service
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     generationdomain.Repository
	tokenSvc tokendomain.Service
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) generationdomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("generation.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		tokenSvc: p.TokenSvc,
		metrics:  p.Metrics,
	}
}

// Create reserves the job's token cost and inserts the job row in one
// transaction: a job without funding, or spent funds without a job, cannot
// be observed.
func (s *Service) Create(ctx context.Context, req generationdomain.CreateJobRequest) (*generationdomain.GenerationJob, error) {
	userID := strings.TrimSpace(req.UserID)
	prompt := strings.TrimSpace(req.Prompt)
	if userID == "" {
		return nil, generationdomain.ErrInvalidUser
	}
	if prompt == "" {
		return nil, generationdomain.ErrInvalidPrompt
	}
	if req.TokensCost <= 0 {
		return nil, generationdomain.ErrInvalidCost
	}

	format := strings.TrimSpace(req.Format)
	if format == "" {
		format = "square"
	}
	imageCount := req.ImageCount
	if imageCount <= 0 {
		imageCount = 1
	}

	job := &generationdomain.GenerationJob{
		ID:         s.genID.Generate(),
		UserID:     userID,
		Status:     generationdomain.JobStatusQueued,
		Prompt:     prompt,
		Format:     format,
		ImageCount: imageCount,
		TokensCost: req.TokensCost,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reserved, err := s.tokenSvc.ReserveIn(ctx, tx, tokendomain.ReserveRequest{
			UserID: userID,
			Tokens: req.TokensCost,
			JobID:  job.ID.String(),
		})
		if err != nil {
			return err
		}

		now := s.clock.Now()
		job.LedgerID = reserved.LedgerID
		job.CreatedAt = now
		return s.repo.Insert(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobTransition(string(generationdomain.JobStatusQueued))
	}
	s.log.Info("generation job created",
		zap.String("job_id", job.ID.String()),
		zap.String("user_id", userID),
		zap.Int64("tokens_cost", req.TokensCost),
	)
	return job, nil
}

func (s *Service) Get(ctx context.Context, jobID string) (*generationdomain.GenerationJob, error) {
	id, err := parseJobID(jobID)
	if err != nil {
		return nil, err
	}
	job, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, generationdomain.ErrJobNotFound
	}
	return job, nil
}

func (s *Service) List(ctx context.Context, req generationdomain.ListJobsRequest) (generationdomain.ListJobsResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return generationdomain.ListJobsResponse{}, generationdomain.ErrInvalidUser
	}

	limit := req.PageSize
	if limit <= 0 {
		limit = 25
	}
	if limit > 250 {
		limit = 250
	}

	var beforeID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return generationdomain.ListJobsResponse{}, generationdomain.ErrJobNotFound
		}
		parsed, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return generationdomain.ListJobsResponse{}, generationdomain.ErrJobNotFound
		}
		beforeID = parsed
	}

	jobs, err := s.repo.List(ctx, s.db, userID, beforeID, limit+1)
	if err != nil {
		return generationdomain.ListJobsResponse{}, err
	}

	resp := generationdomain.ListJobsResponse{Jobs: jobs}
	if len(jobs) > limit {
		resp.Jobs = jobs[:limit]
		resp.HasMore = true
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID: resp.Jobs[limit-1].ID.String(),
		})
		if err != nil {
			return generationdomain.ListJobsResponse{}, err
		}
		resp.NextPageToken = token
	}
	return resp, nil
}

func (s *Service) Start(ctx context.Context, jobID string) (*generationdomain.GenerationJob, error) {
	id, err := parseJobID(jobID)
	if err != nil {
		return nil, err
	}

	var job *generationdomain.GenerationJob
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err = s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if job == nil {
			return generationdomain.ErrJobNotFound
		}

		switch job.Status {
		case generationdomain.JobStatusRunning:
			// Duplicate start callback.
			return nil
		case generationdomain.JobStatusQueued:
		default:
			return generationdomain.ErrInvalidTransition
		}

		now := s.clock.Now()
		moved, err := s.repo.MarkStarted(ctx, tx, id, now)
		if err != nil {
			return err
		}
		if moved {
			job.Status = generationdomain.JobStatusRunning
			job.StartedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobTransition(string(generationdomain.JobStatusRunning))
	}
	return job, nil
}

func (s *Service) Complete(ctx context.Context, jobID string) (*generationdomain.GenerationJob, error) {
	id, err := parseJobID(jobID)
	if err != nil {
		return nil, err
	}

	var job *generationdomain.GenerationJob
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err = s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if job == nil {
			return generationdomain.ErrJobNotFound
		}

		switch job.Status {
		case generationdomain.JobStatusSucceeded:
			// Duplicate completion callback.
			return nil
		case generationdomain.JobStatusRunning:
		default:
			return generationdomain.ErrInvalidTransition
		}

		now := s.clock.Now()
		moved, err := s.repo.MarkTerminal(ctx, tx, id, generationdomain.TerminalUpdate{
			Status:      generationdomain.JobStatusSucceeded,
			CompletedAt: now,
		})
		if err != nil {
			return err
		}
		if moved {
			// Tokens stay spent: the reservation is the final cost.
			job.Status = generationdomain.JobStatusSucceeded
			job.CompletedAt = &now
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobTransition(string(generationdomain.JobStatusSucceeded))
	}
	return job, nil
}

func (s *Service) Fail(ctx context.Context, req generationdomain.FailJobRequest) (*generationdomain.GenerationJob, error) {
	errorCode := strings.TrimSpace(req.ErrorCode)
	errorMessage := strings.TrimSpace(req.ErrorMessage)
	var codePtr, messagePtr *string
	if errorCode != "" {
		codePtr = &errorCode
	}
	if errorMessage != "" {
		messagePtr = &errorMessage
	}
	return s.terminate(ctx, req.JobID, generationdomain.JobStatusFailed, codePtr, messagePtr)
}

func (s *Service) Cancel(ctx context.Context, jobID string) (*generationdomain.GenerationJob, error) {
	return s.terminate(ctx, jobID, generationdomain.JobStatusCanceled, nil, nil)
}

// terminate flips a job into FAILED or CANCELED and refunds its reservation
// in the same transaction. The refund is keyed by the job id, so a replayed
// callback that raced the row update still cannot credit twice.
func (s *Service) terminate(ctx context.Context, jobID string, status generationdomain.JobStatus, errorCode, errorMessage *string) (*generationdomain.GenerationJob, error) {
	id, err := parseJobID(jobID)
	if err != nil {
		return nil, err
	}

	refunded := false
	var job *generationdomain.GenerationJob
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err = s.repo.FindByIDForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if job == nil {
			return generationdomain.ErrJobNotFound
		}

		switch job.Status {
		case generationdomain.JobStatusSucceeded:
			return generationdomain.ErrInvalidTransition
		case generationdomain.JobStatusFailed, generationdomain.JobStatusCanceled:
			// Duplicate terminal callback: the refund below is already on
			// the ledger.
			return nil
		}

		now := s.clock.Now()
		moved, err := s.repo.MarkTerminal(ctx, tx, id, generationdomain.TerminalUpdate{
			Status:       status,
			ErrorCode:    errorCode,
			ErrorMessage: errorMessage,
			CompletedAt:  now,
		})
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}

		refund, err := s.tokenSvc.RefundIn(ctx, tx, tokendomain.RefundRequest{
			UserID: job.UserID,
			Tokens: job.TokensCost,
			JobID:  job.ID.String(),
		})
		if err != nil {
			return err
		}
		refunded = refund.Applied

		job.Status = status
		job.ErrorCode = errorCode
		job.ErrorMessage = errorMessage
		job.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.RecordJobTransition(string(status))
	}
	s.log.Info("generation job terminated",
		zap.String("job_id", job.ID.String()),
		zap.String("status", string(status)),
		zap.Bool("refunded", refunded),
	)
	return job, nil
}

func parseJobID(jobID string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(jobID))
	if err != nil {
		return 0, generationdomain.ErrJobNotFound
	}
	return id, nil
}
