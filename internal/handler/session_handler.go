package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GetSessions returns the status of every known provider session
func (h *Handlers) GetSessions(c *gin.Context) {
	sessions := h.supervisor.Status()
	c.JSON(http.StatusOK, SessionsResponse{
		Running:  h.supervisor.IsRunning(),
		Sessions: sessions,
		Total:    len(sessions),
	})
}

// GetSession returns the status of one provider session
func (h *Handlers) GetSession(c *gin.Context) {
	id := c.Param("provider_id")
	for _, st := range h.supervisor.Status() {
		if st.ProviderID == id {
			c.JSON(http.StatusOK, st)
			return
		}
	}

	c.JSON(http.StatusNotFound, ErrorResponse{
		Error:   "not_found",
		Message: "Session not found",
		Code:    http.StatusNotFound,
	})
}

// StopSession cancels a running provider session
func (h *Handlers) StopSession(c *gin.Context) {
	id := c.Param("provider_id")
	if !h.supervisor.StopSession(id) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "not_found",
			Message: "No running session for provider",
			Code:    http.StatusNotFound,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":     "Session stopped successfully",
		"provider_id": id,
	})
}
