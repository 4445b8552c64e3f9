package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"floorsync/internal/logger"
	"floorsync/internal/service"
)

// Handler wires the HTTP layer to the sync services and logging.
type Handler struct {
	services *service.Service
	log      *logger.Logger
}

func NewHandler(services *service.Service, log *logger.Logger) *Handler {
	return &Handler{services: services, log: log}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", h.health)

	api := router.Group("/api/v1")
	{
		h.registerMachineRoutes(api)
		h.registerSessionRoutes(api)
		h.registerQueueRoutes(api)
		h.registerSubmissionRoutes(api)
		api.POST("/maintenance/cleanup", h.runCleanup)
	}

	// WebSocket push of the synchronized collections — same port.
	router.GET("/ws", h.wsConnect)

	return router
}

func (h *Handler) registerMachineRoutes(api *gin.RouterGroup) {
	machines := api.Group("/machines")
	{
		machines.GET("", h.listMachines)
		machines.POST("", h.createMachine)
		machines.PUT("/:id", h.updateMachine)
		machines.DELETE("/:id", h.deleteMachine)
	}
}

func (h *Handler) registerSessionRoutes(api *gin.RouterGroup) {
	sessions := api.Group("/sessions")
	{
		sessions.GET("/active", h.activeSessions)
		sessions.GET("/claims", h.activeClaims)
		sessions.POST("", h.upsertSession)
		sessions.DELETE("", h.releaseSession)
	}
}

func (h *Handler) registerQueueRoutes(api *gin.RouterGroup) {
	queue := api.Group("/queue")
	{
		queue.GET("", h.listQueue)
		queue.POST("/replay", h.replayQueue)
		queue.DELETE("/exhausted", h.clearExhausted)
	}
}

func (h *Handler) registerSubmissionRoutes(api *gin.RouterGroup) {
	submissions := api.Group("/submissions")
	{
		submissions.GET("", h.listSubmissions)
		submissions.POST("", h.recordSubmission)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Centralized error logging and response.
func (h *Handler) logAndJSONError(c *gin.Context, httpCode int, userMsg, logKey string, err error, kv ...interface{}) {
	if h.log != nil && err != nil {
		fields := append([]interface{}{"err", err}, kv...)
		h.log.Errorw(logKey, fields...)
	}
	c.JSON(httpCode, gin.H{"error": userMsg})
}
