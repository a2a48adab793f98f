// Package server exposes the sync engine to the desktop UI over a local HTTP API.
package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	apperrors "github.com/kimhsiao/clinicsync/backend/internal/errors"
	"github.com/kimhsiao/clinicsync/backend/internal/logging"
	"github.com/kimhsiao/clinicsync/backend/internal/models"
	syncpkg "github.com/kimhsiao/clinicsync/backend/internal/sync"
)

// ServiceName is reported by the health endpoint.
const ServiceName = "clinicsync-desktop"

var errMissingEngine = errors.New("sync engine dependency required")

// Dependencies are the collaborators of the HTTP handler.
type Dependencies struct {
	Engine   syncpkg.SyncEngineInterface
	Hub      *Hub
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewHTTPHandler builds the gin router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	logger := logging.OrNop(deps.Logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{engine: deps.Engine, logger: logger}

	router.GET("/api/health", handler.handleHealth)

	api := router.Group("/api/sync")
	api.GET("/status", handler.handleStatus)
	api.GET("/operations", handler.handleListOperations)
	api.POST("/operations", handler.handleEnqueue)
	api.DELETE("/operations/:id", handler.handleDiscard)
	api.POST("/operations/:id/retry", handler.handleRetry)
	api.GET("/failures", handler.handleFailures)
	api.POST("/flush", handler.handleFlush)
	api.POST("/cleanup", handler.handleCleanup)
	api.DELETE("/queue", handler.handleClear)

	router.POST("/api/connectivity", handler.handleConnectivity)

	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if deps.Hub != nil {
		router.GET("/ws", gin.WrapH(deps.Hub))
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			return strings.HasPrefix(origin, "http://localhost") ||
				strings.HasPrefix(origin, "http://127.0.0.1") ||
				strings.HasPrefix(origin, "tauri://") ||
				strings.HasPrefix(origin, "app://")
		},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	engine syncpkg.SyncEngineInterface
	logger *zap.Logger
}

type enqueueRequestPayload struct {
	Kind       string                 `json:"kind"`
	Collection string                 `json:"collection"`
	Payload    map[string]interface{} `json:"payload"`
}

type connectivityRequestPayload struct {
	Online *bool `json:"online"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": ServiceName})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Status())
}

func (h *httpHandler) handleListOperations(c *gin.Context) {
	ops := h.engine.Operations()
	if ops == nil {
		ops = []*models.OperationRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"operations":            ops,
		"pending_by_collection": h.engine.PendingByCollection(),
	})
}

func (h *httpHandler) handleEnqueue(c *gin.Context) {
	var request enqueueRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	kind, err := models.ParseOperationKind(request.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
		return
	}
	collection := strings.TrimSpace(request.Collection)
	if collection == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_collection"})
		return
	}

	id := h.engine.Enqueue(kind, collection, request.Payload)
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (h *httpHandler) handleDiscard(c *gin.Context) {
	if err := h.engine.Discard(c.Param("id")); err != nil {
		h.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRetry(c *gin.Context) {
	id, err := h.engine.RetryFailed(c.Param("id"))
	if err != nil {
		h.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id})
}

func (h *httpHandler) handleFailures(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"failures": h.engine.FailedOperations()})
}

func (h *httpHandler) handleFlush(c *gin.Context) {
	summary := h.engine.FlushNow(c.Request.Context())
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleCleanup(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"purged": h.engine.CleanupStaleFailures()})
}

func (h *httpHandler) handleClear(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"removed": h.engine.ClearQueue()})
}

func (h *httpHandler) handleConnectivity(c *gin.Context) {
	var request connectivityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Online == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.engine.ReportConnectivity(*request.Online)
	c.JSON(http.StatusOK, h.engine.Status())
}

func (h *httpHandler) abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{
		"error":   strings.ToLower(string(apperrors.CodeOf(err))),
		"message": err.Error(),
	})
}

func statusFor(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrInvalidTransition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
