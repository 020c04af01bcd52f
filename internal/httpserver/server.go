// Package httpserver exposes the monitoring query surface and the collector
// receiver over HTTP.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tinytelemetry/lookout/internal/logging"
	"github.com/tinytelemetry/lookout/internal/model"
	"github.com/tinytelemetry/lookout/internal/query"
	"github.com/tinytelemetry/lookout/internal/watcher"
)

// DefaultAddr is used when Config.Addr is empty.
const DefaultAddr = "0.0.0.0:3000"

// Counter is implemented by backends that can report their size.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// Config wires the server to a backend.
type Config struct {
	Addr    string
	Backend model.Backend
	// Token guards the collector receiver. An empty token disables the
	// receiver routes.
	Token   string
	Metrics http.Handler
	Logger  *zap.Logger
}

// Server serves the monitoring API.
type Server struct {
	addr      string
	backend   model.Backend
	queries   *query.Service
	token     string
	metrics   http.Handler
	logger    *zap.Logger
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(cfg Config) *Server {
	addr := cfg.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	logger := logging.OrNop(cfg.Logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		backend:   cfg.Backend,
		queries:   query.NewService(cfg.Backend, logger),
		token:     cfg.Token,
		metrics:   cfg.Metrics,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), watcher.Suppress())

	r.GET("/api/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	mon := r.Group("/monitoring")
	mon.GET("", s.handleAll)
	mon.GET("/:key", s.handleShow)
	mon.GET("/:key/:value", s.handleFilter)
	mon.POST("/tags", s.handleTags)

	if s.token != "" {
		logs := r.Group("/api/logs", s.requireAPIKey)
		logs.POST("", s.handleIngest)
		logs.GET("", s.handleRawAll)
		logs.GET("/show/:id", s.handleRawShow)
		logs.GET("/type/:type", s.handleRawList)
		logs.GET("/batch/:id", s.handleRawList)
		logs.GET("/period/:period", s.handleRawList)
		logs.POST("/tags", s.handleRawTags)
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()
	s.logger.Info("http server listening", zap.String("addr", listener.Addr().String()))

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).String(),
		"backend": s.backend.Name(),
	}
	if counter, ok := s.backend.(Counter); ok {
		n, err := counter.Count(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read health metrics"})
			return
		}
		body["entry_count"] = n
	}
	c.JSON(http.StatusOK, body)
}
