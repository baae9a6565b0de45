package api

import (
	"net/http"

	"subscription-service/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) startBroadcast(c *gin.Context) {
	var req service.StartBroadcastRequest
	if !h.bind(c, &req) {
		return
	}
	if req.Payload.Text == "" && req.Payload.MediaID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "details": "payload is empty"})
		return
	}

	job, err := h.deps.Broadcasts.Start(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, job)
}

func (h *Handler) getBroadcast(c *gin.Context) {
	taskID, ok := parseUUIDParam(c, "taskId")
	if !ok {
		return
	}

	job, err := h.deps.Broadcasts.Get(c.Request.Context(), taskID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, job)
}

func (h *Handler) cancelBroadcast(c *gin.Context) {
	taskID, ok := parseUUIDParam(c, "taskId")
	if !ok {
		return
	}

	if err := h.deps.Broadcasts.Cancel(c.Request.Context(), taskID); err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "status": "CANCELED"})
}

// deleteBroadcast waits for the retraction task and returns its counts
func (h *Handler) deleteBroadcast(c *gin.Context) {
	taskID, ok := parseUUIDParam(c, "taskId")
	if !ok {
		return
	}

	res, err := h.deps.Broadcasts.RequestDeletion(c.Request.Context(), taskID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}
