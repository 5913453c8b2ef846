// Package server exposes the session controller over HTTP and streams its
// events to websocket clients.
package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Iron-Ham/apxctrl/internal/logging"
	"github.com/Iron-Ham/apxctrl/internal/results"
	"github.com/Iron-Ham/apxctrl/internal/session"
)

// Controller is the session surface the HTTP handlers drive.
type Controller interface {
	Launch(ctx context.Context, req session.LaunchRequest) (session.LaunchResult, error)
	ListStructure(ctx context.Context) (session.StructureResult, error)
	RunSequence(ctx context.Context, name, correlationID string, timeout time.Duration) (session.RunResult, error)
	RunMeasurement(ctx context.Context, signalPath, measurement string, timeout time.Duration) (session.MeasurementResult, error)
	RunSignalPath(ctx context.Context, signalPath string, timeout time.Duration) (session.SignalPathResult, error)
	RunAll(ctx context.Context, timeout time.Duration) (session.RunAllResult, error)
	GetResult(ctx context.Context, prefix string) (results.Archive, error)
	SetVariable(ctx context.Context, name, value string) error
	Shutdown(ctx context.Context, force bool) session.ShutdownResult
	Reset(ctx context.Context) int
	HealthCheck(ctx context.Context) bool
	Snapshot() session.Snapshot
	State() session.State
}

// Recorder receives request and stream measurements.
type Recorder interface {
	RequestServed(route string, code int)
	StreamClients(n int)
}

type nopRecorder struct{}

func (nopRecorder) RequestServed(string, int) {}
func (nopRecorder) StreamClients(int)         {}

// Options configures a Server. Controller is required.
type Options struct {
	Controller Controller
	Hub        *Hub
	Logger     *logging.Logger
	Recorder   Recorder
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// AuthToken, when set, is required as a bearer token on every route
	// except / and /health.
	AuthToken string
	Version   string
	// AllowedOrigins restricts websocket upgrades. Empty allows same-host
	// and loopback origins.
	AllowedOrigins []string
}

// Server routes control API requests to the controller.
type Server struct {
	ctrl     Controller
	hub      *Hub
	logger   *logging.Logger
	recorder Recorder
	metrics  http.Handler
	token    string
	version  string
	origins  map[string]bool
	engine   *gin.Engine
}

// New builds a Server and its routes.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.NopLogger()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	s := &Server{
		ctrl:     opts.Controller,
		hub:      opts.Hub,
		logger:   opts.Logger.WithComponent("server"),
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		token:    opts.AuthToken,
		version:  opts.Version,
		origins:  make(map[string]bool),
	}
	for _, o := range opts.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			s.origins[o] = true
		}
	}

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.CustomRecovery(s.recoverPanic), s.observe(), s.authorize())
	s.registerRoutes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) registerRoutes() {
	r := s.engine
	r.GET("/", s.handleIndex)
	r.GET("/health", s.handleHealth)
	r.GET("/status", s.handleStatus)
	r.POST("/setup", s.handleSetup)
	r.GET("/list", s.handleList)
	r.POST("/run-sequence", s.handleRunSequence)
	r.POST("/run-measurement", s.handleRunMeasurement)
	r.POST("/run-signal-path", s.handleRunSignalPath)
	r.POST("/run-all", s.handleRunAll)
	r.POST("/get-result", s.handleGetResult)
	r.POST("/set-user-defined-variable", s.handleSetVariable)
	r.POST("/shutdown", s.handleShutdown)
	r.POST("/reset", s.handleReset)

	if s.hub != nil {
		r.GET("/ws", s.handleWS)
	}
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"message": "no route for " + c.Request.Method + " " + c.Request.URL.Path,
			"state":   s.ctrl.State(),
		})
	})
}

// observe logs every request and records it by route pattern.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		s.recorder.RequestServed(route, code)
		s.logger.Debug("request served",
			"method", c.Request.Method,
			"route", route,
			"status", code,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

var public = map[string]bool{"/": true, "/health": true}

func (s *Server) authorize() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.token == "" || public[c.FullPath()] || s.tokenMatches(c.Request) {
			c.Next()
			return
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"success": false,
			"message": "unauthorized",
			"state":   s.ctrl.State(),
		})
	}
}

// tokenMatches accepts a bearer token, or a token query parameter for
// websocket clients that cannot set headers.
func (s *Server) tokenMatches(r *http.Request) bool {
	candidate := r.URL.Query().Get("token")
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		candidate = strings.TrimPrefix(auth, "Bearer ")
	}
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.token)) == 1
}

func (s *Server) recoverPanic(c *gin.Context, recovered any) {
	s.logger.Error("handler panic", "route", c.FullPath(), "panic", recovered)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"success": false,
		"message": "internal server error",
		"state":   s.ctrl.State(),
	})
}
