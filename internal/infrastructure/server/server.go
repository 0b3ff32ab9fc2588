package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apihttp "github.com/GriffinCanCode/sandbox-preview/internal/api/http"
	"github.com/GriffinCanCode/sandbox-preview/internal/api/middleware"
	"github.com/GriffinCanCode/sandbox-preview/internal/api/ws"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/config"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/logging"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/sandbox-preview/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/assemble"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/capture"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/executor"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/sandbox"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/surface"
	"github.com/GriffinCanCode/sandbox-preview/internal/preview/workspace"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	router    *gin.Engine
	http      *http.Server
	workspace *workspace.Workspace
	tracer    *tracing.Tracer
	logger    *logging.Logger
	config    *config.Config
	metrics   *monitoring.Metrics
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config) (*Server, error) {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return New(cfg, logger), nil
}

func newLogger(cfg config.LogConfig) (*logging.Logger, error) {
	lc := logging.DefaultConfig()
	if cfg.Development {
		lc = logging.DevelopmentConfig()
	}
	if cfg.Level != "" {
		lc.Level = cfg.Level
	}
	return logging.New(lc)
}

// New wires the preview services and routes with an existing logger
func New(cfg *config.Config, logger *logging.Logger) *Server {
	logger = logging.OrNop(logger)
	logger.Info("Initializing preview server",
		zap.String("port", cfg.Server.Port),
		zap.String("backend", cfg.Preview.BackendURL),
		zap.Duration("debounce", cfg.Preview.Debounce),
	)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("sandbox-preview", logger)

	assembler := assemble.New(assemble.Options{BackendURL: cfg.Preview.BackendURL})

	sandboxCfg := sandbox.DefaultConfig()
	sandboxCfg.Timeout = cfg.Sandbox.Timeout

	exec := executor.NewClient(executor.Options{
		BaseURL: cfg.Preview.BackendURL,
		Timeout: cfg.Executor.Timeout,
		RPS:     cfg.Executor.RequestsPerSecond,
		Retries: cfg.Executor.Retries,
		Tracer:  tracer,
		Logger:  logger,
		Metrics: metrics,
	})
	if cfg.Preview.BackendURL == "" {
		logger.Warn("No execution backend configured, execute requests will fail")
	}

	hub := ws.NewHub()
	previews := workspace.New(workspace.Options{
		Surface: surface.Options{
			Sandbox:     sandboxCfg,
			HistorySize: cfg.Preview.ConsoleHistory,
			Executor:    exec,
		},
		Debounce:  cfg.Preview.Debounce,
		Assembler: assembler,
		OnRebuild: hub.Publish,
		Logger:    logger,
		Metrics:   metrics,
	})

	captureHost := capture.New(capture.Options{
		AttachTimeout: cfg.Capture.AttachTimeout,
		Settle:        cfg.Capture.Settle,
		Sandbox:       sandboxCfg,
		Assembler:     assembler,
		Logger:        logger,
		Metrics:       metrics,
	})

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	cors := middleware.DefaultCORSConfig().WithOrigins(cfg.Server.AllowedOrigins)
	router.Use(middleware.CORS(cors))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	handlers := apihttp.NewHandlers(previews, captureHost, exec, metrics, logger)
	wsHandler := ws.NewHandler(previews, hub, ws.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Logger:         logger,
		Metrics:        metrics,
	})

	router.GET("/", handlers.Root)
	router.GET("/health", handlers.Health)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.POST("/assemble", handlers.Assemble)
	captureLimit := middleware.GlobalRateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.Capture.RequestsPerSecond,
		Burst:             cfg.Capture.RequestsPerSecond,
	})
	router.POST("/capture", captureLimit, handlers.Capture)
	router.POST("/execute", handlers.Execute)

	surfaces := router.Group("/surfaces")
	surfaces.GET("", handlers.ListSurfaces)
	surfaces.PUT("/:id/sources", handlers.PutSources)
	surfaces.PUT("/:id/files", handlers.PutFiles)
	surfaces.POST("/:id/activate", handlers.Activate)
	surfaces.POST("/:id/flush", handlers.Flush)
	surfaces.GET("/:id/console", handlers.Console)
	surfaces.DELETE("/:id/console", handlers.ClearConsole)
	surfaces.POST("/:id/messages", handlers.PostMessage)
	surfaces.GET("/:id/events", wsHandler.Serve)
	surfaces.DELETE("/:id", handlers.Unmount)

	// the document itself runs under the preview CSP
	documents := surfaces.Group("", middleware.DocumentHeaders(assemble.SecurityHeaders(cfg.Preview.BackendURL)))
	documents.GET("/:id/document", handlers.Document)

	logger.Info("Server initialized successfully")

	return &Server{
		router: router,
		http: &http.Server{
			Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		workspace: previews,
		tracer:    tracer,
		logger:    logger,
		config:    cfg,
		metrics:   metrics,
	}
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Metrics returns the server's metrics
func (s *Server) Metrics() *monitoring.Metrics {
	return s.metrics
}

// Run starts the HTTP server and blocks until it stops. A server stopped
// by Shutdown returns nil.
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Close unmounts every surface and releases background resources
func (s *Server) Close() error {
	s.logger.Info("Shutting down server...")

	if err := s.workspace.Close(); err != nil {
		s.logger.Error("Failed to close workspace", zap.Error(err))
		return fmt.Errorf("failed to close workspace: %w", err)
	}
	s.tracer.Close()

	// Sync logger before exit
	s.logger.Sync()
	return nil
}
