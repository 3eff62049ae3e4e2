package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/imgateway/internal/healthcheck"
)

type PingHandler struct {
	logger *slog.Logger
	health *healthcheck.Aggregator
}

func NewPingHandler(log *slog.Logger, health *healthcheck.Aggregator) *PingHandler {
	return &PingHandler{
		logger: log.With(slog.String("handler", "ping")),
		health: health,
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/ping", h.PingHead)
	e.GET("/health", h.Health)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// Health godoc
// @Summary Gateway health
// @Description Run every health check; 503 when any check errors
// @Tags health
// @Produce json
// @Success 200 {object} healthcheck.Report
// @Failure 503 {object} healthcheck.Report
// @Router /health [get]
func (h *PingHandler) Health(c echo.Context) error {
	report := h.health.Run(c.Request().Context())
	code := http.StatusOK
	if report.Status == healthcheck.StatusError {
		code = http.StatusServiceUnavailable
		h.logger.Warn("health check failing", slog.Int("checks", len(report.Checks)))
	}
	return c.JSON(code, report)
}
