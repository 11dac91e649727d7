// Package api exposes the session broker over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rustyeddy/mtgate/session"
)

const (
	BasePath  = "/api/v1/account"
	AdminPath = "/api/v1/admin"
)

type Server struct {
	broker     *session.Broker
	log        *zap.Logger
	router     *gin.Engine
	adminToken string
}

type Option func(*Server)

// WithAdminToken enables the admin routes, authorised by token.
func WithAdminToken(token string) Option {
	return func(s *Server) { s.adminToken = token }
}

// New builds the router. Call gin.SetMode before New to pick release mode.
func New(broker *session.Broker, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		broker: broker,
		log:    log.Named("http"),
		router: gin.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router.Use(requestLogger(s.log), recovery(s.log))
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	public := s.router.Group(BasePath)
	public.POST("/login", s.handleLogin)

	protected := s.router.Group(BasePath)
	protected.Use(s.bearerAuth())
	{
		protected.GET("", s.handleAccount)
		protected.GET("/info", s.handleAccountInfo)
		protected.POST("/orders", s.handlePlaceOrder)
		protected.GET("/positions", s.handlePositions)
		protected.POST("/positions/close", s.handleClosePosition)
		protected.GET("/symbols", s.handleSymbols)
		protected.GET("/symbols/:name", s.handleSymbolInfo)
	}

	if s.adminToken == "" {
		return
	}
	admin := s.router.Group(AdminPath)
	admin.Use(s.adminAuth())
	admin.POST("/accounts/:id/reset", s.handleResetAccount)
}

// Handler returns the router as an http.Handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests for up to grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", addr))
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

	s.log.Info("shutting down", zap.Duration("grace", grace))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
