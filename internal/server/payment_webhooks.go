package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	paymentdomain "github.com/adforge/adforge/internal/payment/domain"
)

// HandleStripeWebhook answers 200 for ignored event types and idempotent
// replays so the provider stops redelivering; signature failures stay errors.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	err = s.paymentSvc.IngestWebhook(c.Request.Context(), payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
