package remote

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/roach88/stepsync/internal/record"
	"github.com/roach88/stepsync/internal/transport"
)

// editRequest is the body of PUT /admin/steps/:step.
type editRequest struct {
	Data          record.Data `json:"data" binding:"required"`
	SchemaVersion int         `json:"schema_version"`
}

// Handler returns the HTTP API:
//
//	POST /sync              submit steps and resolutions
//	GET  /steps/:step       read the server record of a step
//	PUT  /admin/steps/:step edit a step server-side
//	GET  /healthz           liveness
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.POST(transport.SyncPath, s.handleSync)
	r.GET("/steps/:step", s.handleGetStep)
	r.PUT("/admin/steps/:step", s.handleEdit)
	return r
}

func (s *Server) handleSync(c *gin.Context) {
	if status := s.admit(c.GetHeader("Authorization")); status != 0 {
		c.AbortWithStatusJSON(status, gin.H{"error": http.StatusText(status)})
		return
	}

	var req record.SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	resp, err := s.Apply(c.GetHeader(transport.HeaderIdempotencyKey), req)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGetStep(c *gin.Context) {
	step, ok := stepParam(c)
	if !ok {
		return
	}
	rec, err := s.Step(step)
	if errors.Is(err, ErrUnknownStep) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleEdit(c *gin.Context) {
	step, ok := stepParam(c)
	if !ok {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.Edit(step, req.Data, req.SchemaVersion)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func stepParam(c *gin.Context) (int, bool) {
	step, err := strconv.Atoi(c.Param("step"))
	if err != nil || step < 1 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "step must be a positive integer"})
		return 0, false
	}
	return step, true
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("remote request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"round", c.GetHeader(transport.HeaderSyncRound),
			"duration", time.Since(start),
		)
	}
}
