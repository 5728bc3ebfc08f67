package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	generationdomain "github.com/adforge/adforge/internal/generation/domain"
	"github.com/adforge/adforge/pkg/db/pagination"
)

type createGenerationRequest struct {
	Prompt     string `json:"prompt"`
	Format     string `json:"format"`
	ImageCount int    `json:"image_count"`
	TokensCost int64  `json:"tokens_cost"`
}

type generationEventRequest struct {
	Event        string `json:"event"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (s *Server) CreateGeneration(c *gin.Context) {
	var req createGenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	job, err := s.generationSvc.Create(c.Request.Context(), generationdomain.CreateJobRequest{
		UserID:     s.currentUser(c),
		Prompt:     req.Prompt,
		Format:     req.Format,
		ImageCount: req.ImageCount,
		TokensCost: req.TokensCost,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, job)
}

// HandleGenerationEvent is the workflow callback endpoint. Events are safe to
// redeliver: terminal states absorb repeats and the failure refund posts once.
func (s *Server) HandleGenerationEvent(c *gin.Context) {
	jobID := c.Param("id")

	var req generationEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var (
		job *generationdomain.GenerationJob
		err error
	)
	switch strings.ToLower(strings.TrimSpace(req.Event)) {
	case "started":
		job, err = s.generationSvc.Start(c.Request.Context(), jobID)
	case "succeeded":
		job, err = s.generationSvc.Complete(c.Request.Context(), jobID)
	case "failed":
		job, err = s.generationSvc.Fail(c.Request.Context(), generationdomain.FailJobRequest{
			JobID:        jobID,
			ErrorCode:    req.ErrorCode,
			ErrorMessage: req.ErrorMessage,
		})
	case "canceled":
		job, err = s.generationSvc.Cancel(c.Request.Context(), jobID)
	default:
		AbortWithError(c, newValidationError("event", "invalid_event", "invalid value"))
		return
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (s *Server) GetGeneration(c *gin.Context) {
	job, err := s.generationSvc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if job.UserID != s.currentUser(c) {
		AbortWithError(c, generationdomain.ErrJobNotFound)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (s *Server) ListGenerations(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid value"))
		return
	}

	resp, err := s.generationSvc.List(c.Request.Context(), generationdomain.ListJobsRequest{
		UserID:    s.currentUser(c),
		PageToken: page.PageToken,
		PageSize:  page.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
