package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/relaydesk/imgateway/internal/auth"
)

type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AuthHandler lets API clients renew their token before it expires.
type AuthHandler struct {
	secret    string
	expiresIn time.Duration
}

func NewAuthHandler(secret string, expiresIn time.Duration) *AuthHandler {
	return &AuthHandler{secret: secret, expiresIn: expiresIn}
}

func (h *AuthHandler) Register(e *echo.Echo) {
	if h.secret == "" {
		return
	}
	e.POST("/auth/refresh", h.Refresh)
}

// Refresh godoc
// @Summary Refresh token
// @Description Re-issue the caller's token with its original lifetime
// @Tags auth
// @Produce json
// @Success 200 {object} TokenResponse
// @Failure 401 {object} ErrorResponse
// @Router /auth/refresh [post]
func (h *AuthHandler) Refresh(c echo.Context) error {
	token, expiresAt, err := auth.RefreshTokenFromContext(c, h.secret, h.expiresIn)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, TokenResponse{AccessToken: token, ExpiresAt: expiresAt})
}
