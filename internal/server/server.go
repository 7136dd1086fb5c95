package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"taskpilot/internal/assistant"
	"taskpilot/internal/auth"
	"taskpilot/internal/config"
	"taskpilot/internal/credential"
	"taskpilot/internal/metrics"
	"taskpilot/internal/provider/factory"
)

const (
	defaultShutdownGrace = 10 * time.Second
	readTimeout          = 30 * time.Second
	writeTimeout         = 5 * time.Minute
	idleTimeout          = 120 * time.Second
	rateLimiterExpiry    = 3 * time.Minute
)

// Deps are the components the HTTP layer dispatches to.
type Deps struct {
	Assistant   *assistant.Service
	Credentials *credential.Store
	Factory     *factory.Factory
	Auth        *auth.Authenticator
	Metrics     *metrics.Collector
	Logger      zerolog.Logger
}

type Server struct {
	cfg     config.Config
	deps    Deps
	logger  zerolog.Logger
	app     *echo.Echo
	address string
}

// New constructs an HTTP server wired with routing and middleware.
func New(cfg config.Config, deps Deps) (*Server, error) {
	switch {
	case deps.Assistant == nil:
		return nil, errors.New("assistant must not be nil")
	case deps.Credentials == nil:
		return nil, errors.New("credential store must not be nil")
	case deps.Factory == nil:
		return nil, errors.New("factory must not be nil")
	case deps.Auth == nil:
		return nil, errors.New("authenticator must not be nil")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	srv := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		address: fmt.Sprintf(":%d", cfg.Server.Port),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = srv.errorHandler

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogLatency:   true,
		LogMethod:    true,
		LogURI:       true,
		LogRoutePath: true,
		LogStatus:    true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			deps.Metrics.ObserveHTTP(v.Method, v.RoutePath, v.Status, v.Latency)
			event := srv.logger.Info()
			if v.Status >= http.StatusInternalServerError {
				event = srv.logger.Error()
			}
			event.
				Str("request_id", v.RequestID).
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Int64("latency_ms", v.Latency.Milliseconds()).
				AnErr("error", v.Error).
				Msg("request")
			return nil
		},
	}))
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "DENY",
		HSTSMaxAge:            31536000,
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'; form-action 'none'",
	}))
	if cfg.Server.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.Server.BodyLimit))
	}

	srv.app = e
	srv.registerRoutes()

	return srv, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.app
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	printStartupBanner(s.cfg.Server.Port)
	s.logger.Info().Str("addr", s.address).Msg("starting server")

	httpServer := &http.Server{
		Addr:         s.address,
		Handler:      s.app,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.app.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		grace := s.cfg.Server.ShutdownTimeout
		if grace == 0 {
			grace = defaultShutdownGrace
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		if err := s.app.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info().Msg("server shutdown complete")
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) registerRoutes() {
	s.app.GET("/health", s.handleHealth)
	s.app.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))

	v1 := s.app.Group("/v1", s.deps.Auth.Middleware())
	if s.cfg.Server.RateLimit > 0 {
		v1.Use(middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
				Rate:      rate.Limit(s.cfg.Server.RateLimit),
				Burst:     s.cfg.Server.RateBurst,
				ExpiresIn: rateLimiterExpiry,
			}),
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				return requestError{Status: http.StatusTooManyRequests, Message: "too many requests", Code: "RATE_LIMITED"}
			},
		}))
	}

	ai := v1.Group("/ai")
	ai.GET("/providers", s.handleListProviders)
	ai.GET("/providers/:provider", s.handleGetProvider)
	ai.POST("/detect", s.handleDetect)
	ai.POST("/test-connection", s.handleTestConnection)

	ai.GET("/keys", s.handleListKeys)
	ai.POST("/keys/test", s.handleTestAllKeys)
	ai.PUT("/keys/:provider", s.handlePutKey)
	ai.DELETE("/keys/:provider", s.handleDeleteKey)
	ai.POST("/keys/:provider/test", s.handleTestKey)

	ai.GET("/settings", s.handleGetSettings)
	ai.PUT("/settings", s.handlePutSettings)

	ai.POST("/chat", s.handleChat)
	ai.POST("/chat/stream", s.handleChatStream)
	ai.GET("/conversations", s.handleListConversations)
	ai.GET("/conversations/:id", s.handleGetConversation)

	tasks := v1.Group("/tasks")
	tasks.POST("/suggest", s.handleSuggest)
	tasks.POST("/breakdown", s.handleBreakdown)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func decodeRequestBody[T any](c echo.Context, target *T) error {
	req := c.Request()
	defer req.Body.Close()

	decoder := json.NewDecoder(req.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return requestError{
				Status:  http.StatusBadRequest,
				Message: "request body is required",
				Code:    codeValidation,
			}
		}
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return requestError{
				Status:  http.StatusRequestEntityTooLarge,
				Message: "request body too large",
			}
		}
		return requestError{
			Status:  http.StatusBadRequest,
			Message: fmt.Sprintf("invalid JSON payload: %v", err),
			Code:    codeValidation,
		}
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return requestError{
			Status:  http.StatusBadRequest,
			Message: "request body must contain a single JSON object",
			Code:    codeValidation,
		}
	}
	return nil
}

func printStartupBanner(port int) {
	host := "127.0.0.1"
	fmt.Println()
	fmt.Println("taskpilot ready")
	fmt.Printf("Listening on http://%s:%d\n", host, port)
	fmt.Println("Endpoints:")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /metrics")
	fmt.Println("  GET  /v1/ai/providers")
	fmt.Println("  PUT  /v1/ai/keys/:provider")
	fmt.Println("  POST /v1/ai/chat")
	fmt.Println("  POST /v1/ai/chat/stream")
	fmt.Println("  POST /v1/tasks/suggest")
	fmt.Println("  POST /v1/tasks/breakdown")
	fmt.Println("All /v1 routes expect 'Authorization: Bearer <token>'; mint one with `taskpilot token <user-id>`.")
	fmt.Printf("Example:\n  curl http://%s:%d/v1/ai/chat -H \"Authorization: Bearer $TOKEN\" -H 'Content-Type: application/json' -d '{\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}'\n\n", host, port)
}
