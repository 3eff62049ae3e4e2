// Package auth issues and verifies the HS256 tokens that protect the
// gateway's host API.
package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject = "sub"
	claimScope   = "scope"

	// ScopeOperator allows gateway control (start, stop, notify).
	ScopeOperator = "operator"
	// ScopeReadOnly allows status reads only.
	ScopeReadOnly = "read"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// Claims is the identity carried by a gateway token.
type Claims struct {
	Subject string
	Scope   string
}

// ClaimsFromContext extracts the verified claims placed by JWTMiddleware.
func ClaimsFromContext(c echo.Context) (Claims, error) {
	claims, err := mapClaims(c)
	if err != nil {
		return Claims{}, err
	}
	subject := claimString(claims, claimSubject)
	if subject == "" {
		return Claims{}, echo.NewHTTPError(http.StatusUnauthorized, "subject missing")
	}
	scope := claimString(claims, claimScope)
	if scope == "" {
		scope = ScopeReadOnly
	}
	return Claims{Subject: subject, Scope: scope}, nil
}

// RequireScope rejects requests whose token lacks the operator scope when
// scope is ScopeOperator. Requests that skipped JWT verification pass.
func RequireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Get("user") == nil {
				return next(c)
			}
			claims, err := ClaimsFromContext(c)
			if err != nil {
				return err
			}
			if scope == ScopeOperator && claims.Scope != ScopeOperator {
				return echo.NewHTTPError(http.StatusForbidden, "operator scope required")
			}
			return next(c)
		}
	}
}

// GenerateToken creates a signed JWT for subject.
func GenerateToken(subject, scope, secret string, expiresIn time.Duration) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("subject is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}
	switch scope {
	case "":
		scope = ScopeReadOnly
	case ScopeOperator, ScopeReadOnly:
	default:
		return "", time.Time{}, fmt.Errorf("unknown scope %q", scope)
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject: subject,
		claimScope:   scope,
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// RefreshTokenFromContext re-issues the caller's token with the same
// lifetime it was originally granted, or fallback when that is unknown.
func RefreshTokenFromContext(c echo.Context, secret string, fallback time.Duration) (string, time.Time, error) {
	claims, err := mapClaims(c)
	if err != nil {
		return "", time.Time{}, err
	}
	lifetime := fallback
	iat, iatErr := claims.GetIssuedAt()
	exp, expErr := claims.GetExpirationTime()
	if iatErr == nil && expErr == nil && iat != nil && exp != nil {
		if d := exp.Sub(iat.Time); d > 0 {
			lifetime = d
		}
	}
	return GenerateToken(claimString(claims, claimSubject), claimString(claims, claimScope), secret, lifetime)
}

func mapClaims(c echo.Context) (jwt.MapClaims, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	return claims, nil
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
