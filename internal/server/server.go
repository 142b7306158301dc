package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"InstaTG/internal/monitoring"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Options struct {
	Addr string
	// WebhookToken is the secret path segment of the webhook route. The route
	// is only registered when it is set.
	WebhookToken string
	Updates      chan<- tgbotapi.Update
	HealthChecks []HealthCheck
}

type Server struct {
	echo         *echo.Echo
	addr         string
	webhookToken string
	updates      chan<- tgbotapi.Update
	healthChecks []HealthCheck
	startTime    time.Time
}

func NewServer(opts Options) (*Server, error) {
	if opts.WebhookToken != "" && opts.Updates == nil {
		return nil, errors.New("webhook requires an updates channel")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:         e,
		addr:         opts.Addr,
		webhookToken: opts.WebhookToken,
		updates:      opts.Updates,
		healthChecks: opts.HealthChecks,
		startTime:    time.Now(),
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.Use(requestLogger())
	s.echo.Use(middleware.Recover())

	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	if s.webhookToken != "" {
		s.echo.POST("/webhook/:token", s.handleWebhook)
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		Skipper: func(c echo.Context) bool {
			path := c.Path()
			return path == "/metrics" || strings.HasPrefix(path, "/health/")
		},
		// route pattern instead of the URI: the webhook path carries the bot token
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			entry := monitoring.Logger().WithFields(logrus.Fields{
				"method":  v.Method,
				"route":   c.Path(),
				"status":  v.Status,
				"latency": v.Latency.String(),
			})
			if v.Error != nil {
				entry.WithField("error", v.Error.Error()).Warn("request failed")
				return nil
			}
			entry.Debug("request")
			return nil
		},
	})
}

// Handler exposes the router for tests and custom listeners.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	monitoring.Logger().WithField("addr", s.addr).Info("starting http server")
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}
