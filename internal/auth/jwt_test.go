package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseToken(t *testing.T, raw, secret string) *jwt.Token {
	t.Helper()
	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	return token
}

func TestGenerateToken(t *testing.T) {
	_, _, err := GenerateToken("", ScopeOperator, "s", time.Hour)
	assert.Error(t, err)
	_, _, err = GenerateToken("ops", ScopeOperator, "", time.Hour)
	assert.Error(t, err)
	_, _, err = GenerateToken("ops", ScopeOperator, "s", 0)
	assert.Error(t, err)
	_, _, err = GenerateToken("ops", "admin", "s", time.Hour)
	assert.Error(t, err)

	raw, expiresAt, err := GenerateToken("ops", "", "s", time.Hour)
	require.NoError(t, err)
	claims := parseToken(t, raw, "s").Claims.(jwt.MapClaims)
	assert.Equal(t, "ops", claims[claimSubject])
	assert.Equal(t, ScopeReadOnly, claims[claimScope])
	assert.Equal(t, expiresAt.Unix(), int64(claims["exp"].(float64)))
}

func TestRefreshTokenFromContext(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	secret := "test-secret"
	initialTokenStr, _, err := GenerateToken("ops", ScopeOperator, secret, 5*time.Minute)
	require.NoError(t, err)
	token := parseToken(t, initialTokenStr, secret)
	c.Set("user", token)

	// Ensure the refreshed token has a later iat.
	time.Sleep(1 * time.Second)

	newTokenStr, newExpiresAt, err := RefreshTokenFromContext(c, secret, time.Hour)
	require.NoError(t, err)

	originalClaims := token.Claims.(jwt.MapClaims)
	origIat := int64(originalClaims["iat"].(float64))

	newToken := parseToken(t, newTokenStr, secret)
	assert.True(t, newToken.Valid)
	newClaims := newToken.Claims.(jwt.MapClaims)
	assert.Equal(t, "ops", newClaims[claimSubject])
	assert.Equal(t, ScopeOperator, newClaims[claimScope])

	newIat := int64(newClaims["iat"].(float64))
	newExp := int64(newClaims["exp"].(float64))
	assert.Greater(t, newIat, origIat)
	// Original lifetime, not the fallback.
	assert.Equal(t, int64(5*60), newExp-newIat)
	assert.Equal(t, newExpiresAt.Unix(), newExp)
}

func TestRefreshTokenFromContext_MissingUser(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())

	_, _, err := RefreshTokenFromContext(c, "test-secret", time.Hour)
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, httpErr.Code)
	assert.Equal(t, "invalid token", httpErr.Message)
}

func TestJWTMiddlewareAndRequireScope(t *testing.T) {
	secret := "test-secret"
	e := echo.New()
	e.Use(JWTMiddleware(secret, func(c echo.Context) bool { return c.Path() == "/ping" }))
	ok := func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }
	e.GET("/ping", ok)
	e.GET("/gateways", ok, RequireScope(ScopeReadOnly))
	e.POST("/gateways/telegram/stop", ok, RequireScope(ScopeOperator))

	readToken, _, err := GenerateToken("viewer", ScopeReadOnly, secret, time.Hour)
	require.NoError(t, err)
	opToken, _, err := GenerateToken("ops", ScopeOperator, secret, time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{"skipped path", http.MethodGet, "/ping", "", http.StatusNoContent},
		{"missing token", http.MethodGet, "/gateways", "", 0},
		{"bad token", http.MethodGet, "/gateways", "nope", http.StatusUnauthorized},
		{"read scope reads", http.MethodGet, "/gateways", readToken, http.StatusNoContent},
		{"read scope cannot control", http.MethodPost, "/gateways/telegram/stop", readToken, http.StatusForbidden},
		{"operator controls", http.MethodPost, "/gateways/telegram/stop", opToken, http.StatusNoContent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(tc.method, tc.path, nil)
			if tc.token != "" {
				req.Header.Set(echo.HeaderAuthorization, "Bearer "+tc.token)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if tc.want == 0 {
				// echo-jwt reports a missing token as a client error.
				assert.GreaterOrEqual(t, rec.Code, http.StatusBadRequest)
				assert.Less(t, rec.Code, http.StatusInternalServerError)
				return
			}
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
