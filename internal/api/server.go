// Package api is the HTTP surface: execution, file transfer, health,
// and metrics endpoints on an echo server.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/opensandbox/runbox/internal/auth"
	"github.com/opensandbox/runbox/internal/metrics"
	"github.com/opensandbox/runbox/internal/sandbox"
	"github.com/opensandbox/runbox/pkg/types"
)

// Executor is the orchestrator surface the handlers need.
type Executor interface {
	Execute(ctx context.Context, req *types.ExecRequest) (*types.ExecResponse, error)
	PoolStats() map[types.Language]sandbox.LangStats
	SessionMeta(ctx context.Context, sessionID string) (*types.SessionMeta, error)
	PurgeSession(ctx context.Context, sessionID string) error
}

// BlobStore is the file transfer surface the handlers need.
type BlobStore interface {
	Put(ctx context.Context, sessionID, fileID, filename string, data []byte) error
	Get(ctx context.Context, sessionID, fileID string) ([]byte, string, error)
}

// HealthProbe reports one dependency's availability.
type HealthProbe func(ctx context.Context) bool

// ServerConfig wires the handler dependencies.
type ServerConfig struct {
	APIKey      string
	MaxUploadMB int64

	Executor Executor
	Blobs    BlobStore // nil disables upload/download
	Tokens   *auth.TokenIssuer

	// Optional dependency probes for /health/detailed.
	RedisProbe HealthProbe
	S3Probe    HealthProbe
}

// Server is the HTTP front end.
type Server struct {
	echo *echo.Echo
	cfg  ServerConfig
}

func NewServer(cfg ServerConfig) *Server {
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 100
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger())
	e.Use(middleware.CORS())
	e.Use(metrics.EchoMiddleware())
	e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", cfg.MaxUploadMB)))

	s := &Server{echo: e, cfg: cfg}
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/health", s.handleHealth)
	e.GET("/health/detailed", s.handleHealthDetailed)
	e.GET("/metrics", metrics.Handler())

	// Downloads authenticate with either the API key or a signed link.
	e.GET("/download/:sessionId/:fileId", s.handleDownload)

	api := e.Group("", auth.APIKeyMiddleware(s.cfg.APIKey))
	api.POST("/exec", s.handleExec)
	api.POST("/upload", s.handleUpload)
	api.GET("/sessions/:sessionId", s.handleSessionMeta)
	api.DELETE("/sessions/:sessionId", s.handlePurgeSession)
	api.GET("/pool/stats", s.handlePoolStats)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP makes the server usable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

const probeTimeout = 3 * time.Second

func (s *Server) probe(ctx context.Context, p HealthProbe) string {
	if p == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if p(ctx) {
		return "ok"
	}
	return "unavailable"
}
