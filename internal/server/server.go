// Package server exposes schedules, detection sessions and downloads over
// a JSON HTTP API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agleyzer/streamrec/internal/browser"
	"github.com/agleyzer/streamrec/internal/detect"
	"github.com/agleyzer/streamrec/internal/download"
	"github.com/agleyzer/streamrec/internal/metrics"
	"github.com/agleyzer/streamrec/internal/schedule"
)

// Detection runs browser detection sessions.
type Detection interface {
	Start(ctx context.Context, req detect.StartRequest) (string, error)
	Status(id string) (detect.Status, error)
	DownloadStatus(id string) download.State
	Select(ctx context.Context, id, uri string) error
	Close(id string) error
}

// Downloads lists and stops running downloads.
type Downloads interface {
	Active() []download.Info
	Stop(sessionID string) error
}

// Schedules is the schedule store.
type Schedules interface {
	List() []schedule.Schedule
	Add(in schedule.Input) (schedule.Schedule, error)
	Update(id string, in schedule.Input) (schedule.Schedule, error)
	Remove(id string) error
	RefreshAll() (int, error)
}

// Cluster reports this node's role. Nil in standalone mode.
type Cluster interface {
	State() string
	LeaderAddr() string
}

// Deps are the services behind the API.
type Deps struct {
	Detection Detection
	Downloads Downloads
	Schedules Schedules
	Cluster   Cluster
	Metrics   *metrics.Metrics
	Version   string
}

// Server serves the API.
type Server struct {
	deps       Deps
	addr       string
	logger     *slog.Logger
	router     *gin.Engine
	httpServer *http.Server
}

// New creates a server listening on addr.
func New(deps Deps, addr string, logger *slog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		deps:   deps,
		addr:   addr,
		logger: logger,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.deps.Metrics.Middleware())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	api := r.Group("/api")

	schedules := api.Group("/schedules")
	schedules.GET("", s.handleListSchedules)
	schedules.POST("", s.handleAddSchedule)
	schedules.POST("/refresh", s.handleRefreshSchedules)
	schedules.PUT("/:id", s.handleUpdateSchedule)
	schedules.DELETE("/:id", s.handleRemoveSchedule)

	b := api.Group("/browser")
	b.POST("/start", s.handleStartBrowser)
	b.GET("/status/:id", s.handleBrowserStatus)
	b.POST("/close/:id", s.handleCloseBrowser)
	b.POST("/select", s.handleSelectStream)

	downloads := api.Group("/downloads")
	downloads.GET("/active", s.handleActiveDownloads)
	downloads.POST("/stop/:id", s.handleStopDownload)

	return r
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{
		"status":  "ok",
		"version": s.deps.Version,
	}
	if s.deps.Cluster != nil {
		health["cluster"] = gin.H{
			"state":  s.deps.Cluster.State(),
			"leader": s.deps.Cluster.LeaderAddr(),
		}
	}
	c.JSON(http.StatusOK, health)
}

func fail(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"success": false, "error": err.Error()})
}

// scheduleError maps store errors to status codes.
func scheduleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, schedule.ErrNotFound):
		fail(c, http.StatusNotFound, err)
	case errors.Is(err, schedule.ErrInvalidWindow), errors.Is(err, schedule.ErrInvalidURL):
		fail(c, http.StatusBadRequest, err)
	default:
		fail(c, http.StatusInternalServerError, err)
	}
}

func (s *Server) handleListSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "schedules": s.deps.Schedules.List()})
}

func (s *Server) handleAddSchedule(c *gin.Context) {
	var in schedule.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	sc, err := s.deps.Schedules.Add(in)
	if err != nil {
		scheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Schedule added", "schedule": sc})
}

func (s *Server) handleUpdateSchedule(c *gin.Context) {
	var in schedule.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	sc, err := s.deps.Schedules.Update(c.Param("id"), in)
	if err != nil {
		scheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Schedule updated", "schedule": sc})
}

func (s *Server) handleRemoveSchedule(c *gin.Context) {
	if err := s.deps.Schedules.Remove(c.Param("id")); err != nil {
		scheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Schedule removed"})
}

func (s *Server) handleRefreshSchedules(c *gin.Context) {
	n, err := s.deps.Schedules.RefreshAll()
	if err != nil {
		scheduleError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Schedule times refreshed", "count": n})
}

func (s *Server) handleStartBrowser(c *gin.Context) {
	req := detect.StartRequest{
		Resolution: "1080p",
		FrameRate:  "any",
		Format:     "mp4",
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	id, err := s.deps.Detection.Start(c.Request.Context(), req)
	switch {
	case errors.Is(err, detect.ErrInvalidRequest):
		fail(c, http.StatusBadRequest, err)
		return
	case err != nil:
		s.logger.Error("failed to start browser", "url", req.URL, "error", err)
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Browser started", "browser_id": id})
}

func (s *Server) handleBrowserStatus(c *gin.Context) {
	id := c.Param("id")
	st, err := s.deps.Detection.Status(id)
	if errors.Is(err, browser.ErrNoSession) {
		fail(c, http.StatusNotFound, err)
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"status":          st,
		"download_status": s.deps.Detection.DownloadStatus(id),
	})
}

func (s *Server) handleCloseBrowser(c *gin.Context) {
	if err := s.deps.Detection.Close(c.Param("id")); err != nil {
		if errors.Is(err, browser.ErrNoSession) {
			fail(c, http.StatusNotFound, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Browser closed"})
}

type selectRequest struct {
	SessionID string `json:"browser_id" binding:"required"`
	StreamURL string `json:"stream_url" binding:"required"`
}

func (s *Server) handleSelectStream(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	err := s.deps.Detection.Select(c.Request.Context(), req.SessionID, req.StreamURL)
	switch {
	case errors.Is(err, browser.ErrNoSession), errors.Is(err, detect.ErrNoSelection):
		fail(c, http.StatusNotFound, err)
	case errors.Is(err, detect.ErrAlreadyStarted):
		fail(c, http.StatusConflict, err)
	case err != nil:
		fail(c, http.StatusInternalServerError, err)
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Download started"})
	}
}

func (s *Server) handleActiveDownloads(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "active_downloads": s.deps.Downloads.Active()})
}

func (s *Server) handleStopDownload(c *gin.Context) {
	if err := s.deps.Downloads.Stop(c.Param("id")); err != nil {
		if errors.Is(err, download.ErrUnknownSession) {
			fail(c, http.StatusNotFound, err)
			return
		}
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "Download stopped"})
}

// loggingMiddleware logs each request after it completes.
func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		level := slog.LevelInfo
		if c.Request.URL.Path == "/health" || c.Request.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(c.Request.Context(), level, "HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"remote", c.ClientIP(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
