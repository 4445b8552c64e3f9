package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"floorsync/internal/models"
)

const (
	errListMachines  = "failed to load machines"
	errInvalidBody   = "invalid body: "
	errDeleteMachine = "failed to delete machine"
)

func (h *Handler) listMachines(c *gin.Context) {
	all, err := h.services.GetMachinesData(c.Request.Context())
	if err != nil {
		h.logAndJSONError(c, http.StatusInternalServerError, errListMachines, "machines_list_failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"machines": all})
}

func (h *Handler) createMachine(c *gin.Context) {
	var m models.MachineState
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBody + err.Error()})
		return
	}

	created, res, err := h.services.AddMachine(c.Request.Context(), m)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("machine_create_failed", "err", err, "name", m.Name)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"machine": created, "write": res})
}

func (h *Handler) updateMachine(c *gin.Context) {
	var m models.MachineState
	if err := c.ShouldBindJSON(&m); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errInvalidBody + err.Error()})
		return
	}
	m.ID = c.Param("id")

	res, err := h.services.UpdateMachine(c.Request.Context(), m)
	if err != nil {
		if h.log != nil {
			h.log.Errorw("machine_update_failed", "err", err, "id", m.ID)
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"machine": m, "write": res})
}

func (h *Handler) deleteMachine(c *gin.Context) {
	id := c.Param("id")
	res, err := h.services.DeleteMachine(c.Request.Context(), id)
	if err != nil {
		h.logAndJSONError(c, http.StatusBadRequest, errDeleteMachine, "machine_delete_failed", err, "id", id)
		return
	}
	c.JSON(http.StatusOK, gin.H{"write": res})
}
