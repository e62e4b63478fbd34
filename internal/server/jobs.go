package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RunReminders triggers one reminder pass on demand, the same entry point
// the interval scheduler uses. Partial failures still return the summary.
func (s *Server) RunReminders(c *gin.Context) {
	summary, err := s.scheduler.RunOnce(c.Request.Context())
	if err != nil {
		s.log.Warn("manual reminder run finished with errors", zap.Error(err))
	}
	c.JSON(http.StatusOK, summary)
}
