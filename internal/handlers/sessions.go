package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"floorsync/internal/models"
)

const (
	errListSessions   = "failed to load active sessions"
	errListClaims     = "failed to load claimed sub-units"
	errReleaseSession = "failed to release session"
)

func (h *Handler) activeSessions(c *gin.Context) {
	active, err := h.services.FetchActiveSessions(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errListSessions, "sessions_list_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": active})
}

// activeClaims reports which sub-units of a machine group are claimed,
// e.g. ?machine=Line1&count=6 -> {"claimed":[1,3]}.
func (h *Handler) activeClaims(c *gin.Context) {
	machine := c.Query("machine")
	count, err := strconv.Atoi(c.Query("count"))
	if machine == "" || err != nil || count <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "machine and a positive count are required"})
		return
	}

	claimed, err := h.services.ActiveClaims(c.Request.Context(), machine, count)
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errListClaims, "claims_list_failed", err, "machine", machine)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claimed": claimed})
}

func (h *Handler) upsertSession(c *gin.Context) {
	var s models.LiveSession
	if err := c.ShouldBindJSON(&s); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBody + err.Error()})
		return
	}

	res, err := h.services.UpsertLiveSession(c.Request.Context(), s)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("session_upsert_failed", "err", err, "machine", s.MachineName)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"write": res})
}

// releaseSession frees a claim by its three identifying query params:
// ?machine=Line1&shift=Day&date=2024-01-01.
func (h *Handler) releaseSession(c *gin.Context) {
	machine := c.Query("machine")
	shift := models.Shift(c.Query("shift"))
	date := c.Query("date")

	res, err := h.services.DeleteLiveSession(c.Request.Context(), machine, shift, date)
	if err != nil {
		h.logAndJSONError(c, http.StatusBadRequest, errReleaseSession, "session_release_failed", err, "machine", machine)
		return
	}
	c.JSON(http.StatusOK, gin.H{"write": res})
}
