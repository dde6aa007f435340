package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// GetIngestLogs returns ingest log entries with pagination
func (h *Handlers) GetIngestLogs(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 50
	}

	offset := (page - 1) * limit

	logs, total, err := h.logs.ListIngestLogs(c.Request.Context(), c.Query("provider_id"), offset, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch ingest logs",
			Code:    http.StatusInternalServerError,
		})
		return
	}

	responses := make([]IngestLogResponse, 0, len(logs))
	for _, l := range logs {
		responses = append(responses, IngestLogResponse{
			ID:         l.ID,
			ProviderID: l.ProviderID,
			Mailbox:    l.Mailbox,
			UID:        l.UID,
			MessageID:  l.MessageID,
			Outcome:    string(l.Outcome),
			EventID:    l.EventID,
			Detail:     l.Detail,
			CreatedAt:  l.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"logs": responses,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
		},
	})
}
