package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"floorsync/internal/models"
)

const (
	errListSubmissions = "failed to load submission history"
	errRunCleanup      = "failed to run history cleanup"
)

func (h *Handler) recordSubmission(c *gin.Context) {
	var rec models.SubmissionRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBody + err.Error()})
		return
	}

	if err := h.services.RecordSubmission(c.Request.Context(), rec); err != nil {
		if h.log != nil {
			h.log.Errorw("submission_record_failed", "err", err, "machine", rec.MachineName)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"status": "recorded"})
}

// listSubmissions filters by optional ?from=RFC3339, ?to=RFC3339 and
// ?machine=name query params.
func (h *Handler) listSubmissions(c *gin.Context) {
	from, ok := h.parseTimeParam(c, "from")
	if !ok {
		return
	}
	to, ok := h.parseTimeParam(c, "to")
	if !ok {
		return
	}

	recs, err := h.services.ListSubmissions(c.Request.Context(), from, to, c.Query("machine"))
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errListSubmissions, "submissions_list_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"submissions": recs})
}

func (h *Handler) runCleanup(c *gin.Context) {
	removed, err := h.services.CleanupOldHistory(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errRunCleanup, "history_cleanup_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *Handler) parseTimeParam(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + ": " + err.Error()})
		return time.Time{}, false
	}
	return t, true
}
