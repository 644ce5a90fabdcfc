package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/marqueelabs/gatesync/internal/core"
)

var errMissingCore = errors.New("core dependency required")

// Dependencies wires the HTTP shell adapter.
type Dependencies struct {
	Core       *core.Core
	Dispatcher *ScanDispatcher
	Logger     *zap.Logger
}

// NewHTTPHandler builds the local HTTP surface the scanning shell consumes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Core == nil {
		return nil, errMissingCore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		core:       deps.Core,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}

	router.POST("/api/scan", handler.handleSubmitScan)
	router.GET("/api/state", handler.handleQueryState)
	router.GET("/api/config", handler.handleQueryConfig)
	router.GET("/api/health", handler.handleQueryHealth)
	router.GET("/api/peers", handler.handleQueryPeers)
	router.POST("/api/rescan", handler.handleRescanPeers)
	router.GET("/api/events", handler.handleEventStream)

	return router, nil
}

type httpHandler struct {
	core       *core.Core
	dispatcher *ScanDispatcher
	logger     *zap.Logger
}

type scanRequestPayload struct {
	Code string `json:"code"`
}

func (h *httpHandler) handleSubmitScan(c *gin.Context) {
	var request scanRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Code) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	outcome, err := h.core.SubmitScan(c.Request.Context(), strings.TrimSpace(request.Code))
	if err != nil {
		h.logger.Error("scan submission failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scan_failed"})
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *httpHandler) handleQueryState(c *gin.Context) {
	state, err := h.core.QueryState()
	if err != nil {
		h.logger.Error("state query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "state_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (h *httpHandler) handleQueryConfig(c *gin.Context) {
	cfg, err := h.core.QueryConfig()
	if err != nil {
		h.logger.Error("config query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "config_failed"})
		return
	}
	c.JSON(http.StatusOK, cfg)
}

func (h *httpHandler) handleQueryHealth(c *gin.Context) {
	health, err := h.core.QueryHealth(c.Request.Context())
	if err != nil {
		h.logger.Error("health query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "health_failed"})
		return
	}
	c.JSON(http.StatusOK, health)
}

func (h *httpHandler) handleQueryPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.core.Peers()})
}

func (h *httpHandler) handleRescanPeers(c *gin.Context) {
	h.core.RescanPeers()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	if h.dispatcher == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "events_unavailable"})
		return
	}

	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context())
	defer cleanup()

	c.Stream(func(w io.Writer) bool {
		message, ok := <-stream
		if !ok {
			return false
		}
		c.SSEvent("scan", message)
		return true
	})
}
