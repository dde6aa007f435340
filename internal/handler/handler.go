package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"calendar-ingest-worker/internal/mailbox"
	"calendar-ingest-worker/internal/model"
)

// SessionSupervisor is the view of the supervisor the ops surface needs
type SessionSupervisor interface {
	IsRunning() bool
	Status() []mailbox.Status
	StopSession(providerID string) bool
}

// IngestLogStore lists recent per-message outcomes
type IngestLogStore interface {
	ListIngestLogs(ctx context.Context, providerID string, offset, limit int) ([]model.IngestLog, int64, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	db         *gorm.DB
	supervisor SessionSupervisor
	logs       IngestLogStore
	gatherer   prometheus.Gatherer
}

// NewHandlers creates new HTTP handlers. A nil gatherer serves the default registry.
func NewHandlers(db *gorm.DB, supervisor SessionSupervisor, logs IngestLogStore, gatherer prometheus.Gatherer) *Handlers {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handlers{
		db:         db,
		supervisor: supervisor,
		logs:       logs,
		gatherer:   gatherer,
	}
}

// SetupRoutes sets up all HTTP routes
func (h *Handlers) SetupRoutes(router *gin.Engine) {
	router.GET("/healthz", h.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api/v1")
	{
		api.GET("/sessions", h.GetSessions)
		api.GET("/sessions/:provider_id", h.GetSession)
		api.POST("/sessions/:provider_id/stop", h.StopSession)

		api.GET("/ingest-logs", h.GetIngestLogs)
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:     "ok",
		Timestamp:  time.Now(),
		Database:   "ok",
		Supervisor: "stopped",
		Sessions:   make(map[string]int),
	}

	if err := h.db.WithContext(c.Request.Context()).Exec("SELECT 1").Error; err != nil {
		response.Status = "error"
		response.Database = "error"
		logrus.Errorf("Database health check failed: %v", err)
	}

	if h.supervisor.IsRunning() {
		response.Supervisor = "running"
	}
	for _, st := range h.supervisor.Status() {
		response.Sessions[string(st.State)]++
	}

	statusCode := http.StatusOK
	if response.Status == "error" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
