package server

import (
	"chat-relay/auth"
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/services"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

type TokenResponse struct {
	Token string `json:"token"`
}

type MessagesResponse struct {
	Messages []domain.Message `json:"messages"`
}

type OnlineResponse struct {
	UserIDs []string `json:"user_ids"`
}

func Register(svc services.IAuthService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body auth.RegisterRequest
		if err := c.Bind(&body); err != nil {
			return errors.ErrMalformedPayload
		}
		token, err := svc.Register(c.Request().Context(), body.Email, body.Password)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusCreated, TokenResponse{Token: token.String()})
	}
}

func Login(svc services.IAuthService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body auth.LoginRequest
		if err := c.Bind(&body); err != nil {
			return errors.ErrMalformedPayload
		}
		token, err := svc.Login(c.Request().Context(), body.Email, body.Password)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, TokenResponse{Token: token.String()})
	}
}

// ListMessages answers GET /api/messages?peer=<id>&tag=<tag>&limit=<n> for the
// authenticated user.
func ListMessages(engine contract.IDeliveryEngine) echo.HandlerFunc {
	return func(c echo.Context) error {
		identity, _ := auth.IdentityFrom(c)
		query := domain.HistoryQuery{
			UserID:          identity.UserID,
			PeerID:          c.QueryParam("peer"),
			ConversationTag: c.QueryParam("tag"),
		}
		if raw := c.QueryParam("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 0 {
				return errors.Validation(echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer"))
			}
			query.Limit = limit
		}
		messages, err := engine.History(c.Request().Context(), query)
		if err != nil {
			return err
		}
		if messages == nil {
			messages = []domain.Message{}
		}
		return c.JSON(http.StatusOK, MessagesResponse{Messages: messages})
	}
}

func Online(registry contract.IRegistry) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, OnlineResponse{UserIDs: registry.AllOnline()})
	}
}
