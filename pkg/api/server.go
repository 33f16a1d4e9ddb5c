package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/lanwarden/lanwarden/pkg/errdefs"
	"github.com/lanwarden/lanwarden/pkg/health"
	"github.com/lanwarden/lanwarden/pkg/netmap"
	"github.com/lanwarden/lanwarden/pkg/plugin"
)

// ServerConfig contains configuration for the HTTP API
type ServerConfig struct {
	Port       string
	EnableCORS bool
}

// Server exposes plugin lifecycle and network discovery over HTTP
type Server struct {
	router  *gin.Engine
	logger  *logrus.Logger
	config  ServerConfig
	loader  *plugin.Loader
	mapper  *netmap.Mapper
	monitor *health.Monitor
}

// PluginStatus is a plugin descriptor annotated with its lifecycle state
type PluginStatus struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`
	Author      string `json:"author"`
	Hash        string `json:"hash"`
	Active      bool   `json:"active"`
}

// ScanRequest is the body for scan endpoints
type ScanRequest struct {
	Interface       string `json:"interface" binding:"required"`
	Network         string `json:"network" binding:"required"`
	IntervalSeconds int    `json:"interval_seconds"`
}

// NewServer creates a new API server
func NewServer(config ServerConfig, loader *plugin.Loader, mapper *netmap.Mapper, monitor *health.Monitor, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if config.Port == "" {
		config.Port = "8080"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()

	s := &Server{
		router:  router,
		logger:  logger,
		config:  config,
		loader:  loader,
		mapper:  mapper,
		monitor: monitor,
	}

	s.setupRoutes()

	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	if s.config.EnableCORS {
		s.router.Use(func(c *gin.Context) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, DELETE")

			if c.Request.Method == "OPTIONS" {
				c.AbortWithStatus(204)
				return
			}

			c.Next()
		})
	}

	api := s.router.Group("/api")
	{
		api.GET("/plugins", s.handleListPlugins)
		api.POST("/plugins/reload", s.handleReloadPlugins)
		api.POST("/plugins/:name/activate", s.handleActivatePlugin)
		api.POST("/plugins/:name/deactivate", s.handleDeactivatePlugin)

		api.POST("/scan", s.handleScan)
		api.POST("/scan/continuous/start", s.handleStartContinuous)
		api.POST("/scan/continuous/stop", s.handleStopContinuous)

		api.GET("/devices", s.handleActiveDevices)
		api.GET("/devices/history", s.handleDeviceHistory)
		api.GET("/interfaces", s.handleInterfaces)

		api.GET("/health", s.handleHealth)
	}
}

// Handler exposes the underlying router, mainly for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the API server
func (s *Server) Start() error {
	s.logger.Infof("API server listening on port %s", s.config.Port)
	return s.router.Run(":" + s.config.Port)
}

// statusForError maps domain errors to HTTP status codes
func statusForError(err error) int {
	var validationErr *errdefs.ValidationError
	var rateErr *errdefs.RateLimitError
	var concurrencyErr *errdefs.ConcurrencyLimitError
	var lifecycleErr *errdefs.LifecycleError

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &rateErr):
		return http.StatusTooManyRequests
	case errors.As(err, &concurrencyErr):
		return http.StatusConflict
	case errors.As(err, &lifecycleErr):
		if lifecycleErr.Reason == "plugin not found" {
			return http.StatusNotFound
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

// Plugin handlers

func (s *Server) handleListPlugins(c *gin.Context) {
	infos := s.loader.Infos()
	statuses := make([]PluginStatus, 0, len(infos))
	for _, info := range infos {
		statuses = append(statuses, PluginStatus{
			Name:        info.Name,
			Description: info.Description,
			Version:     info.Version,
			Author:      info.Author,
			Hash:        info.Hash,
			Active:      s.loader.IsActive(info.Name),
		})
	}
	c.JSON(http.StatusOK, statuses)
}

func (s *Server) handleActivatePlugin(c *gin.Context) {
	name := c.Param("name")
	if err := s.loader.Activate(name); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "active", "plugin": name})
}

func (s *Server) handleDeactivatePlugin(c *gin.Context) {
	name := c.Param("name")
	if err := s.loader.Deactivate(name); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "inactive", "plugin": name})
}

func (s *Server) handleReloadPlugins(c *gin.Context) {
	if err := s.loader.Reload(); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "reloaded",
		"plugins": s.loader.Available(),
		"active":  s.loader.ActiveNames(),
	})
}

// Scan handlers

func (s *Server) handleScan(c *gin.Context) {
	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	devices, err := s.mapper.Scan(req.Interface, req.Network)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"timestamp": time.Now(),
		"devices":   devices,
		"count":     len(devices),
	})
}

func (s *Server) handleStartContinuous(c *gin.Context) {
	var req ScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	interval := time.Duration(req.IntervalSeconds) * time.Second
	if err := s.mapper.StartContinuousScanning(req.Interface, req.Network, interval); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "scanning", "interval": interval.String()})
}

func (s *Server) handleStopContinuous(c *gin.Context) {
	if !s.mapper.StopContinuousScanning(10 * time.Second) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "scan loop did not stop within timeout"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

// Device handlers

func (s *Server) handleActiveDevices(c *gin.Context) {
	c.JSON(http.StatusOK, s.mapper.GetActiveDevices())
}

func (s *Server) handleDeviceHistory(c *gin.Context) {
	c.JSON(http.StatusOK, s.mapper.GetDeviceHistory())
}

func (s *Server) handleInterfaces(c *gin.Context) {
	c.JSON(http.StatusOK, s.mapper.GetNetworkInterfaces())
}

// Health handler

func (s *Server) handleHealth(c *gin.Context) {
	sample := s.monitor.Collect()
	status := s.monitor.Classify(sample)

	code := http.StatusOK
	if status == health.StatusCritical {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":  status,
		"metrics": sample,
	})
}
