package httpServer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"motionpipe/internal/auth"
	"motionpipe/internal/metrics"
	"motionpipe/internal/playback"
	"motionpipe/internal/streamer"
	"motionpipe/pkg/models"
)

// viewerBuffer is how many frames a slow MJPEG viewer may lag behind
const viewerBuffer = 4

// Options selects which front door a Server exposes. Nil dependencies leave
// their routes out.
type Options struct {
	Streamer       *streamer.Service
	Auth           *auth.Manager
	Hub            *playback.Hub
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	RTMPIngestAddr string // e.g., "rtmp://localhost:1935"
	Logger         *zap.Logger
}

// Server wraps the HTTP server with dependencies
type Server struct {
	router         *gin.Engine
	streamer       *streamer.Service
	authManager    *auth.Manager
	hub            *playback.Hub
	metrics        *metrics.Metrics
	gatherer       prometheus.Gatherer
	rtmpIngestAddr string
	logger         *zap.Logger
}

// New creates a new HTTP server
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		streamer:       opts.Streamer,
		authManager:    opts.Auth,
		hub:            opts.Hub,
		metrics:        opts.Metrics,
		gatherer:       opts.Gatherer,
		rtmpIngestAddr: opts.RTMPIngestAddr,
		logger:         opts.Logger,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger(), s.metricsMiddleware())

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
	}

	if s.streamer != nil {
		api.POST("/v1/submit", s.handleSubmit)
		api.GET("/v1/sessions", s.handleListSessions)
		api.GET("/v1/sessions/:id", s.handleGetSession)
		api.GET("/v1/sessions/:id/frames", s.handleSessionFrames)
		api.DELETE("/v1/sessions/:id", s.handleDeleteSession)
		router.POST("/submit", s.handleSubmit)

		if s.authManager != nil {
			api.POST("/v1/live", s.handleLive)
		}
	}

	if s.hub != nil {
		router.GET("/video", s.handleVideo)
	}

	s.router = router
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Close the hub first so streaming /video handlers return
	if s.hub != nil {
		_ = s.hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// Middleware

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if s.metrics == nil {
			return
		}
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		s.metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start).Seconds())
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client", c.ClientIP()),
		)
	}
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var req models.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	session, err := s.streamer.Submit(req.VideoURL)
	if err != nil {
		if errors.Is(err, models.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, models.SubmitResponse{
		SessionID: session.ID,
		State:     string(session.GetState()),
	})
}

func (s *Server) handleListSessions(c *gin.Context) {
	sessions := s.streamer.Sessions().GetAllSessions()

	infos := make([]models.SessionInfo, len(sessions))
	for i, session := range sessions {
		infos[i] = session.Snapshot()
	}

	c.JSON(http.StatusOK, models.SessionListResponse{
		Sessions: infos,
		Total:    len(infos),
	})
}

func (s *Server) handleGetSession(c *gin.Context) {
	session, exists := s.streamer.Sessions().GetSession(c.Param("id"))
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	c.JSON(http.StatusOK, session.Snapshot())
}

func (s *Server) handleSessionFrames(c *gin.Context) {
	id := c.Param("id")
	frames, err := s.streamer.Frames(c.Request.Context(), id)
	if err != nil {
		s.sessionError(c, err)
		return
	}
	if frames == nil {
		frames = []string{}
	}

	c.JSON(http.StatusOK, models.SessionFramesResponse{
		SessionID: id,
		Frames:    frames,
		Total:     len(frames),
	})
}

func (s *Server) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	deleted, err := s.streamer.DeleteSession(c.Request.Context(), id)
	if err != nil {
		s.sessionError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"session_id":     id,
		"frames_deleted": deleted,
	})
}

func (s *Server) sessionError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, streamer.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, streamer.ErrSessionActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("session request failed", zap.String("session_id", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleLive(c *gin.Context) {
	var req models.LiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := s.authManager.GeneratePublishToken(req.StreamKey, req.ExpiresIn, c.ClientIP())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	// Build publish URL
	publishURL := fmt.Sprintf("%s/live/%s?token=%s", s.rtmpIngestAddr, req.StreamKey, token.Token)

	c.JSON(http.StatusOK, models.LiveResponse{
		PublishURL: publishURL,
		StreamKey:  req.StreamKey,
		Token:      token.Token,
		ExpiresAt:  token.ExpiresAt.Format(time.RFC3339),
	})
}

func (s *Server) handleVideo(c *gin.Context) {
	frames, unsubscribe := s.hub.Subscribe(viewerBuffer)
	defer unsubscribe()

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+playback.MJPEGBoundary)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	if err := playback.WriteMJPEG(c.Request.Context(), c.Writer, c.Writer.Flush, frames); err != nil {
		s.logger.Debug("viewer disconnected", zap.Error(err))
	}
}
