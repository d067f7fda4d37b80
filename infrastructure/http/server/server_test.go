package server

import (
	"chat-relay/auth"
	"chat-relay/domain"
	"chat-relay/errors"
	"chat-relay/mocks"
	"chat-relay/runtime"
	"chat-relay/services"
	"chat-relay/sink/sinktest"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// accounts knows a single user, alice@example.com / the password below.
type accounts struct{ tokens *auth.TokenManager }

const alicePassword = "Correct-Horse-42"

func (a accounts) Register(_ context.Context, email, password string) (services.Token, error) {
	if email == "alice@example.com" {
		return "", errors.ErrUserAlreadyExists
	}
	if err := auth.ValidateRegister(auth.RegisterRequest{Email: email, Password: password}); err != nil {
		return "", err
	}
	token, err := a.tokens.GenerateToken("new-user", []string{"user"})
	return services.Token(token), err
}

func (a accounts) Login(_ context.Context, email, password string) (services.Token, error) {
	if email != "alice@example.com" || password != alicePassword {
		return "", errors.ErrInvalidCredentials
	}
	token, err := a.tokens.GenerateToken("alice", []string{"user"})
	return services.Token(token), err
}

type fixture struct {
	e        *echo.Echo
	engine   *mocks.MockIDeliveryEngine
	registry *runtime.Registry
	tokens   *auth.TokenManager
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	tokens := auth.NewTokenManager("test-secret", time.Hour)
	engine := mocks.NewMockIDeliveryEngine(ctrl)
	registry := runtime.NewRegistry(nil)
	e := New(Dependencies{
		Auth:          accounts{tokens: tokens},
		Authenticator: tokens,
		Engine:        engine,
		Registry:      registry,
		Log:           logs.GetLoggerFromLevel(slog.LevelDebug),
	})
	return fixture{e: e, engine: engine, registry: registry, tokens: tokens}
}

func (f fixture) do(t *testing.T, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		r.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		r.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.e.ServeHTTP(w, r)
	return w
}

func (f fixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.tokens.GenerateToken(userID, []string{"user"})
	require.NoError(t, err)
	return token
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		code   string
	}{
		{"created", `{"email":"bob@example.com","password":"Another-Secret-7"}`, http.StatusCreated, ""},
		{"taken", `{"email":"alice@example.com","password":"Another-Secret-7"}`, http.StatusConflict, "user_exists"},
		{"weak password", `{"email":"bob@example.com","password":"aaaaaaaaaaaa"}`, http.StatusBadRequest, "invalid_password"},
		{"bad email", `{"email":"bob","password":"Another-Secret-7"}`, http.StatusBadRequest, "validation"},
		{"malformed", `{"email":`, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			f := newFixture(t)

			w := f.do(t, http.MethodPost, "/api/auth/register", tt.body, "")

			req.Equal(tt.status, w.Code, w.Body.String())
			if tt.code != "" {
				req.Equal(tt.code, decode[ErrorBody](t, w).Code)
				return
			}
			req.NotEmpty(decode[TokenResponse](t, w).Token)
		})
	}
}

func TestLogin(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)

	// Given the right password
	w := f.do(t, http.MethodPost, "/api/auth/login", `{"email":"alice@example.com","password":"`+alicePassword+`"}`, "")
	req.Equal(http.StatusOK, w.Code)
	identity, err := f.tokens.Authenticate(decode[TokenResponse](t, w).Token)
	req.NoError(err)
	req.Equal("alice", identity.UserID)

	// Given a wrong one
	w = f.do(t, http.MethodPost, "/api/auth/login", `{"email":"alice@example.com","password":"nope"}`, "")
	req.Equal(http.StatusUnauthorized, w.Code)
	req.Equal("invalid_credentials", decode[ErrorBody](t, w).Code)
}

func TestListMessages(t *testing.T) {
	t.Run("should refuse a missing token", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)

		w := f.do(t, http.MethodGet, "/api/messages?peer=bob", "", "")

		req.Equal(http.StatusUnauthorized, w.Code)
		req.Equal("missing_token", decode[map[string]string](t, w)["code"])
	})

	t.Run("should query the history of the caller", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)
		message := domain.Message{ID: uuid.New(), SenderID: "bob", RecipientID: "alice", Content: "hi", Status: domain.StatusSent}

		f.engine.EXPECT().
			History(gomock.Any(), domain.HistoryQuery{UserID: "alice", PeerID: "bob", ConversationTag: "task:1", Limit: 10}).
			Return([]domain.Message{message}, nil).
			Times(1)

		w := f.do(t, http.MethodGet, "/api/messages?peer=bob&tag=task:1&limit=10", "", f.token(t, "alice"))

		req.Equal(http.StatusOK, w.Code)
		body := decode[MessagesResponse](t, w)
		req.Len(body.Messages, 1)
		req.Equal(message.ID, body.Messages[0].ID)
	})

	t.Run("should answer an empty list rather than null", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)
		f.engine.EXPECT().History(gomock.Any(), gomock.Any()).Return(nil, nil).Times(1)

		w := f.do(t, http.MethodGet, "/api/messages?peer=bob", "", f.token(t, "alice"))

		req.Equal(http.StatusOK, w.Code)
		req.JSONEq(`{"messages":[]}`, w.Body.String())
	})

	t.Run("should reject a bad limit", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)

		w := f.do(t, http.MethodGet, "/api/messages?peer=bob&limit=-3", "", f.token(t, "alice"))

		req.Equal(http.StatusBadRequest, w.Code)
		req.Equal("validation", decode[ErrorBody](t, w).Code)
	})

	t.Run("should map store failures", func(t *testing.T) {
		req := require.New(t)
		f := newFixture(t)
		f.engine.EXPECT().History(gomock.Any(), gomock.Any()).Return(nil, errors.ErrPersistence).Times(1)

		w := f.do(t, http.MethodGet, "/api/messages?peer=bob", "", f.token(t, "alice"))

		req.Equal(http.StatusServiceUnavailable, w.Code)
		req.Equal("persistence", decode[ErrorBody](t, w).Code)
	})
}

func TestOnline(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	f.registry.Register("bob", uuid.New(), sinktest.NewTimeline("bob"))
	f.registry.Register("alice", uuid.New(), sinktest.NewTimeline("alice"))

	w := f.do(t, http.MethodGet, "/api/online", "", f.token(t, "alice"))

	req.Equal(http.StatusOK, w.Code)
	req.Equal([]string{"alice", "bob"}, decode[OnlineResponse](t, w).UserIDs)
}
