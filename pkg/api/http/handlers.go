package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// handleHealth reports whether the Redis backbone is reachable and the
// consumers are running.
func (s *Server) handleHealth(c *gin.Context) {
	if err := s.app.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	events := s.app.Events.Stats()
	status := "healthy"
	code := http.StatusOK
	if events.Consumers == 0 {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":    status,
		"consumers": events.Consumers,
	})
}

// handleStats exposes the counters of all three buses.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"commands": s.app.Commands.Stats(),
		"queries":  s.app.Queries.Stats(),
		"events":   s.app.Events.Stats(),
	})
}

// handleBreakers exposes the state of every registered circuit breaker.
func (s *Server) handleBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"breakers": s.app.Breakers.Status(),
	})
}

// handleResetBreaker force-closes a breaker for manual recovery.
func (s *Server) handleResetBreaker(c *gin.Context) {
	name := c.Param("name")
	if !s.app.Breakers.Reset(name) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown breaker: " + name})
		return
	}

	s.logger.Info("circuit breaker reset via API", zap.String("breaker", name))
	c.JSON(http.StatusOK, gin.H{"breaker": name, "state": "closed"})
}

// handleDLQ lists parked events, oldest first.
func (s *Server) handleDLQ(c *gin.Context) {
	count, err := strconv.ParseInt(c.DefaultQuery("count", "100"), 10, 64)
	if err != nil || count < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid count"})
		return
	}

	entries, err := s.app.Events.DLQEntries(c.Request.Context(), count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(entries),
		"entries": entries,
	})
}

// handleReplayDLQ republishes parked events with a reset retry budget.
func (s *Server) handleReplayDLQ(c *gin.Context) {
	count, err := strconv.ParseInt(c.DefaultQuery("count", "100"), 10, 64)
	if err != nil || count < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid count"})
		return
	}

	replayed, err := s.app.Events.ReplayDLQ(c.Request.Context(), count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":    err.Error(),
			"replayed": replayed,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"replayed": replayed})
}
