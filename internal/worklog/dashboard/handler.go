package dashboard

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/studiovibi/worklogs/internal/worklog/daemon"
	"github.com/studiovibi/worklogs/internal/worklog/db"
	"github.com/studiovibi/worklogs/internal/worklog/schema"
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// SyncRunData describes a finished run.
type SyncRunData struct {
	Direction  string `json:"direction"`
	Summary    string `json:"summary,omitempty"`
	Skipped    string `json:"skipped,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Report     any    `json:"report,omitempty"`
}

// defaultDeadLimit caps GET /v1/sync/dead without a limit parameter.
const defaultDeadLimit = 100

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.handleHealth)
	router.GET("/ws", s.handleWebSocket)

	v1 := router.Group("/v1/sync")
	{
		v1.GET("/status", s.handleStatus)
		v1.GET("/dead", s.handleDead)
		v1.POST("/:direction", s.handleTrigger)
	}
}

// LoggingMiddleware logs each request with its status and latency.
func LoggingMiddleware(logger *log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/health" {
			return
		}
		logger.Printf("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}

func respondError(c *gin.Context, code int, err string) {
	c.AbortWithStatusJSON(code, ErrorResponse{Error: err, Code: code})
}

func (s *Server) status(ctx context.Context) (*db.Status, error) {
	st, err := s.store.Status(ctx)
	if err != nil {
		return nil, err
	}
	st.RemoteEnabled = s.config.RemoteEnabled
	return st, nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.status(c.Request.Context())
	if err != nil {
		s.logger.Printf("WARNING: status failed: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to read sync status")
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleDead(c *gin.Context) {
	limit := defaultDeadLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.store.ListOutbox(c.Request.Context(), schema.OutboxDead, limit)
	if err != nil {
		s.logger.Printf("WARNING: listing dead entries failed: %v", err)
		respondError(c, http.StatusInternalServerError, "failed to list dead entries")
		return
	}
	if entries == nil {
		entries = []*schema.OutboxEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleTrigger(c *gin.Context) {
	direction := c.Param("direction")
	if direction != schema.CursorOutbound && direction != schema.CursorInbound {
		respondError(c, http.StatusNotFound, "unknown direction "+direction)
		return
	}
	if s.trigger == nil {
		respondError(c, http.StatusServiceUnavailable, "scheduler is not running")
		return
	}
	if !s.trigger.Trigger(direction) {
		respondError(c, http.StatusConflict, direction+" sync is not scheduled")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"triggered": direction})
}

// OnRun broadcasts a finished run followed by a fresh status snapshot. It
// is meant to be installed as daemon.Config.OnRun.
func (s *Server) OnRun(ev daemon.RunEvent) {
	data := SyncRunData{Direction: ev.Loop, DurationMs: ev.Duration.Milliseconds()}
	if ev.Report != nil {
		data.Summary = ev.Report.Summary()
		data.Skipped = ev.Report.SkipReason()
		data.Report = ev.Report
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	s.BroadcastJSON(MessageTypeSyncRun, data)

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	st, err := s.status(ctx)
	if err != nil {
		s.logger.Printf("WARNING: status after %s run failed: %v", ev.Loop, err)
		return
	}
	s.BroadcastJSON(MessageTypeStatus, st)
}
