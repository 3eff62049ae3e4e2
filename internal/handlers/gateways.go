package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/imgateway/internal/auth"
	"github.com/relaydesk/imgateway/internal/channel"
)

type NotifyRequest struct {
	Text string `json:"text"`
	// WithMedia delivers local media referenced by markers in Text.
	WithMedia bool `json:"with_media"`
}

type GatewayListResponse struct {
	Items []channel.Status `json:"items"`
}

// GatewayDetail is a gateway's status plus the optional features its
// transport supports.
type GatewayDetail struct {
	channel.Status
	Capabilities []string `json:"capabilities"`
}

type GatewayHandler struct {
	logger  *slog.Logger
	manager *channel.Manager
}

func NewGatewayHandler(log *slog.Logger, manager *channel.Manager) *GatewayHandler {
	return &GatewayHandler{
		logger:  log.With(slog.String("handler", "gateways")),
		manager: manager,
	}
}

func (h *GatewayHandler) Register(e *echo.Echo) {
	operator := auth.RequireScope(auth.ScopeOperator)
	group := e.Group("/gateways")
	group.GET("", h.ListGateways)
	group.POST("/network-online", h.NetworkOnline, operator)
	group.GET("/:platform", h.GetGateway)
	group.POST("/:platform/start", h.StartGateway, operator)
	group.POST("/:platform/stop", h.StopGateway, operator)
	group.POST("/:platform/reconnect", h.ReconnectGateway, operator)
	group.POST("/:platform/notify", h.Notify, operator)
	group.GET("/:platform/target", h.GetTarget)
	group.PUT("/:platform/target", h.PutTarget, operator)
}

// ListGateways godoc
// @Summary List gateways
// @Description Status snapshot of every configured platform gateway
// @Tags gateways
// @Produce json
// @Success 200 {object} GatewayListResponse
// @Router /gateways [get]
func (h *GatewayHandler) ListGateways(c echo.Context) error {
	return c.JSON(http.StatusOK, GatewayListResponse{Items: h.manager.Statuses()})
}

// GetGateway godoc
// @Summary Get gateway status
// @Tags gateways
// @Param platform path string true "Channel platform"
// @Success 200 {object} GatewayDetail
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /gateways/{platform} [get]
func (h *GatewayHandler) GetGateway(c echo.Context) error {
	sup, err := h.supervisor(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, GatewayDetail{
		Status:       sup.Status(),
		Capabilities: h.manager.Registry().Capabilities(sup.Type()),
	})
}

func (h *GatewayHandler) StartGateway(c echo.Context) error {
	sup, err := h.supervisor(c)
	if err != nil {
		return err
	}
	if err := h.manager.Start(c.Request().Context(), sup.Type()); err != nil {
		return gatewayError(err)
	}
	return c.JSON(http.StatusOK, sup.Status())
}

func (h *GatewayHandler) StopGateway(c echo.Context) error {
	sup, err := h.supervisor(c)
	if err != nil {
		return err
	}
	if err := h.manager.Stop(c.Request().Context(), sup.Type()); err != nil {
		return gatewayError(err)
	}
	return c.JSON(http.StatusOK, sup.Status())
}

// ReconnectGateway schedules a reconnect when the gateway is down. It
// returns immediately; poll the status for the outcome.
func (h *GatewayHandler) ReconnectGateway(c echo.Context) error {
	sup, err := h.supervisor(c)
	if err != nil {
		return err
	}
	sup.ReconnectIfNeeded()
	return c.NoContent(http.StatusAccepted)
}

// NetworkOnline is the host's "network came back" signal.
func (h *GatewayHandler) NetworkOnline(c echo.Context) error {
	h.logger.Info("network online signal received")
	h.manager.ReconnectAll()
	return c.NoContent(http.StatusAccepted)
}

// Notify godoc
// @Summary Send a notification
// @Description Send text to the last conversation that reached the bot
// @Tags gateways
// @Param platform path string true "Channel platform"
// @Param payload body NotifyRequest true "Notification"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /gateways/{platform}/notify [post]
func (h *GatewayHandler) Notify(c echo.Context) error {
	sup, err := h.supervisor(c)
	if err != nil {
		return err
	}
	var req NotifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	ctx := c.Request().Context()
	if req.WithMedia {
		err = sup.SendNotificationWithMedia(ctx, req.Text)
	} else {
		err = sup.SendNotification(ctx, req.Text)
	}
	if err != nil {
		return gatewayError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *GatewayHandler) GetTarget(c echo.Context) error {
	sup, err := h.supervisor(c)
	if err != nil {
		return err
	}
	target, ok := sup.NotificationTarget()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, channel.ErrNoConversation.Error())
	}
	return c.JSON(http.StatusOK, target)
}

func (h *GatewayHandler) PutTarget(c echo.Context) error {
	sup, err := h.supervisor(c)
	if err != nil {
		return err
	}
	var target channel.Target
	if err := c.Bind(&target); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := sup.SetNotificationTarget(c.Request().Context(), target); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	saved, _ := sup.NotificationTarget()
	return c.JSON(http.StatusOK, saved)
}

func (h *GatewayHandler) supervisor(c echo.Context) (*channel.Supervisor, error) {
	ct, err := h.manager.Registry().ParseChannelType(c.Param("platform"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sup, ok := h.manager.Supervisor(ct)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "channel not configured: "+ct.String())
	}
	return sup, nil
}
