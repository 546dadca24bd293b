// Package server exposes the HTTP-01 challenge responder: a plain-HTTP
// endpoint that answers /.well-known/acme-challenge/<token> from the
// shared challenge secret store.
package server

import (
	"errors"
	"net/http"
	"regexp"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/blockadesystems/certfoundry/internal/encoding"
	"github.com/blockadesystems/certfoundry/internal/secrets"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "server"))
}

// tokenPattern matches the base64url alphabet ACME uses for challenge
// tokens. Anything else is rejected before the store is consulted.
var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config holds the responder's listen address and request budget.
type Config struct {
	Address string `env:"CERTFOUNDRY_SERVER_ADDRESS" envDefault:":8080"`
	// RateLimit is the sustained requests-per-second budget across all
	// clients; RateBurst is the momentary allowance on top of it.
	RateLimit float64 `env:"CERTFOUNDRY_SERVER_RATE_LIMIT" envDefault:"20"`
	RateBurst int     `env:"CERTFOUNDRY_SERVER_RATE_BURST" envDefault:"40"`
}

// New builds the Echo instance with the challenge route registered.
func New(cfg Config, store secrets.Store) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			c.Set("logger", logger.With(zap.String("request_id", reqID)))
			return next(c)
		}
	})

	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	RegisterChallengeRoute(e, store, limiter)

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	return e
}

// RegisterChallengeRoute mounts the well-known challenge path on an
// existing Echo instance. Split out so tests can mount it with their own
// limiter.
func RegisterChallengeRoute(e *echo.Echo, store secrets.Store, limiter *rate.Limiter) {
	e.GET("/.well-known/acme-challenge/:token", HandleChallenge(store, limiter))
}

// HandleChallenge answers an HTTP-01 validation request. The rate budget
// is checked before anything else so a flood cannot reach the store, the
// token is validated against the base64url alphabet, and a lookup miss is
// indistinguishable from any other failure to the caller.
func HandleChallenge(store secrets.Store, limiter *rate.Limiter) echo.HandlerFunc {
	return func(c echo.Context) error {
		reqLogger, _ := c.Get("logger").(*zap.Logger)
		if reqLogger == nil {
			reqLogger = logger
		}

		if !limiter.Allow() {
			reqLogger.Warn("challenge request over rate budget",
				zap.String("remote", c.RealIP()))
			return c.String(http.StatusTooManyRequests, "too many requests")
		}

		token := c.Param("token")
		if !tokenPattern.MatchString(token) {
			reqLogger.Warn("malformed challenge token rejected")
			return c.String(http.StatusBadRequest, "malformed token")
		}

		keyAuth, err := store.Get(c.Request().Context(), encoding.ChallengeSecretName(token))
		if err != nil {
			if errors.Is(err, secrets.ErrNotFound) {
				reqLogger.Info("no challenge response for token",
					zap.String("token", token))
			} else {
				// The store failure stays in the log; the CA only
				// learns the token is unanswerable.
				reqLogger.Error("challenge store lookup failed",
					zap.String("token", token), zap.Error(err))
			}
			return c.String(http.StatusNotFound, "not found")
		}

		reqLogger.Info("challenge response served", zap.String("token", token))
		return c.Blob(http.StatusOK, "text/plain", []byte(keyAuth))
	}
}
