package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	tokendomain "github.com/adforge/adforge/internal/token/domain"
	"github.com/adforge/adforge/pkg/db/pagination"
)

type tokenBalanceResponse struct {
	UserID             string     `json:"user_id"`
	Balance            int64      `json:"balance"`
	PlanCode           string     `json:"plan_code"`
	SubscriptionStatus *string    `json:"subscription_status,omitempty"`
	NextRefillAt       *time.Time `json:"next_refill_at,omitempty"`
	CancellationTime   *time.Time `json:"cancellation_time,omitempty"`
}

func (s *Server) GetTokenBalance(c *gin.Context) {
	account, err := s.tokenSvc.GetAccount(c.Request.Context(), s.currentUser(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, tokenBalanceResponse{
		UserID:             account.UserID,
		Balance:            account.Balance,
		PlanCode:           account.PlanCode,
		SubscriptionStatus: account.SubscriptionStatus,
		NextRefillAt:       account.NextRefillAt,
		CancellationTime:   account.CancellationTime,
	})
}

func (s *Server) ListTokenLedger(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		AbortWithError(c, newValidationError("page_size", "invalid_page_size", "invalid value"))
		return
	}

	resp, err := s.tokenSvc.ListLedger(c.Request.Context(), tokendomain.ListLedgerRequest{
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
