package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"InstaTG/internal/monitoring"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/labstack/echo/v4"
)

const readinessProbeTimeout = 5 * time.Second

// HealthCheck is a named readiness probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	}
	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()

	for _, hc := range s.healthChecks {
		err := hc.Check(ctx)
		if err == nil {
			continue
		}

		monitoring.LogWarn(monitoring.LogEntry{Action: "readiness_" + hc.Name, Error: err})
		response := map[string]any{
			"status":       "unhealthy",
			"failed_check": hc.Name,
			"error":        err.Error(),
		}
		if err := c.JSON(http.StatusServiceUnavailable, response); err != nil {
			return fmt.Errorf("failed to send JSON response: %w", err)
		}
		return nil
	}

	if err := c.JSON(http.StatusOK, map[string]string{"status": "ready"}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

// handleWebhook accepts an update pushed by Telegram and hands it to the bot loop.
func (s *Server) handleWebhook(c echo.Context) error {
	if subtle.ConstantTimeCompare([]byte(c.Param("token")), []byte(s.webhookToken)) != 1 {
		return c.NoContent(http.StatusNotFound)
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(c.Request().Body).Decode(&update); err != nil {
		monitoring.LogWarn(monitoring.LogEntry{Action: "webhook_decode", Error: err})
		return c.NoContent(http.StatusBadRequest)
	}

	select {
	case s.updates <- update:
		return c.NoContent(http.StatusOK)
	case <-c.Request().Context().Done():
		return c.NoContent(http.StatusServiceUnavailable)
	}
}
