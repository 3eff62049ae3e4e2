package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/imgateway/internal/channel"
)

// ErrorResponse is the JSON body echo writes for an HTTPError.
type ErrorResponse struct {
	Message string `json:"message"`
}

// gatewayError maps channel errors onto HTTP status codes.
func gatewayError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, channel.ErrMissingCredentials):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, channel.ErrNoConversation):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, channel.ErrNotConnected), errors.Is(err, channel.ErrSupervisorClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
}
