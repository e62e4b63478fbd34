package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandlePaymentWebhook accepts processor deliveries. The response contract is
// strict: 200 means "safe to stop retrying", so every recognized event that
// was recorded (including duplicates and no-ops) answers 200.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.settlementSvc.Process(c.Request.Context(), payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"handled": result.Handled,
		"event":   result.Event,
	})
}
