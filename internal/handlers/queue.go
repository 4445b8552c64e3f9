package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"floorsync/internal/retry"
)

const (
	errListQueue      = "failed to load retry queue"
	errReplayQueue    = "failed to replay retry queue"
	errClearExhausted = "failed to clear exhausted entries"
)

func (h *Handler) listQueue(c *gin.Context) {
	queued, err := h.services.GetFailedSubmissions(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errListQueue, "queue_list_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued": queued})
}

func (h *Handler) replayQueue(c *gin.Context) {
	result, err := h.services.RetryFailedSubmissions(c.Request.Context())
	if err != nil {
		if errors.Is(err, retry.ErrReplayInFlight) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logAndJSONError(c, http.StatusInternalServerError, errReplayQueue, "queue_replay_failed", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) clearExhausted(c *gin.Context) {
	removed, err := h.services.ClearExhaustedSubmissions(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errClearExhausted, "queue_clear_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
