// Package server exposes the HTTP API: accounts, history, the online set and
// the websocket upgrade.
package server

import (
	"chat-relay/auth"
	"chat-relay/contract"
	"chat-relay/errors"
	"chat-relay/services"
	goerrors "errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/nrednav/cuid2"
)

type Dependencies struct {
	Auth          services.IAuthService
	Authenticator auth.Authenticator
	Engine        contract.IDeliveryEngine
	Registry      contract.IRegistry
	// Upgrade serves GET /ws once the bearer token is accepted.
	Upgrade echo.HandlerFunc
	Log     *slog.Logger
}

// ErrorBody is what every failed request answers with.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func New(deps Dependencies) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(deps.Log)

	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			return cuid2.Generate()
		},
	}))
	e.Use(middleware.Recover())
	e.Use(requestLogger(deps.Log))

	e.POST("/api/auth/register", Register(deps.Auth))
	e.POST("/api/auth/login", Login(deps.Auth))

	authenticated := e.Group("", auth.Middleware(deps.Authenticator))
	authenticated.GET("/api/messages", ListMessages(deps.Engine))
	authenticated.GET("/api/online", Online(deps.Registry))
	if deps.Upgrade != nil {
		authenticated.GET("/ws", deps.Upgrade)
	}
	return e
}

func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			log.Debug("HTTP request",
				"method", c.Request().Method,
				"path", c.Path(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
				"error", err,
			)
			return err
		}
	}
}

// errorHandler maps domain errors to statuses and wire codes.
func errorHandler(log *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		status := errors.HTTPStatus(err)
		body := ErrorBody{Error: err.Error(), Code: errors.Code(err)}

		var httpErr *echo.HTTPError
		if goerrors.As(err, &httpErr) {
			status = httpErr.Code
			body = ErrorBody{Error: http.StatusText(status), Code: "http"}
			if msg, ok := httpErr.Message.(string); ok {
				body.Error = msg
			}
		}
		if status >= http.StatusInternalServerError {
			log.Error("Request failed", "path", c.Path(), "error", err)
		}
		if err := c.JSON(status, body); err != nil {
			log.Warn("Failed to write error response", "error", err)
		}
	}
}
