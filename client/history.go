package client

import (
	"chat-relay/auth"
	"chat-relay/domain"
	"chat-relay/errors"
	httpserver "chat-relay/infrastructure/http/server"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultHTTPTimeout = 10 * time.Second

// APIClient speaks the relay's HTTP api: accounts, history and the online set.
type APIClient struct {
	http  *resty.Client
	token func() string
}

// NewAPIClient targets baseURL (scheme and host). token is read on every
// authenticated request so a refreshed token is picked up.
func NewAPIClient(baseURL string, token func() string) *APIClient {
	if token == nil {
		token = func() string { return "" }
	}
	return &APIClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(DefaultHTTPTimeout).
			SetHeader("Accept", "application/json"),
		token: token,
	}
}

func (a *APIClient) Register(ctx context.Context, email, password string) (string, error) {
	return a.credentials(ctx, "/api/auth/register", email, password)
}

func (a *APIClient) Login(ctx context.Context, email, password string) (string, error) {
	return a.credentials(ctx, "/api/auth/login", email, password)
}

func (a *APIClient) credentials(ctx context.Context, path, email, password string) (string, error) {
	var (
		body    httpserver.TokenResponse
		failure httpserver.ErrorBody
	)
	resp, err := a.http.R().
		SetContext(ctx).
		SetBody(auth.LoginRequest{Email: email, Password: password}).
		SetResult(&body).
		SetError(&failure).
		Post(path)
	if err := check(resp, err, failure); err != nil {
		return "", err
	}
	return body.Token, nil
}

// Fetch returns the history shared with query.PeerID, or the whole inbox of
// the caller when PeerID is empty.
func (a *APIClient) Fetch(ctx context.Context, query domain.HistoryQuery) ([]domain.Message, error) {
	var (
		body    httpserver.MessagesResponse
		failure httpserver.ErrorBody
	)
	request := a.http.R().
		SetContext(ctx).
		SetAuthToken(a.token()).
		SetResult(&body).
		SetError(&failure)
	if query.PeerID != "" {
		request.SetQueryParam("peer", query.PeerID)
	}
	if query.ConversationTag != "" {
		request.SetQueryParam("tag", query.ConversationTag)
	}
	if query.Limit > 0 {
		request.SetQueryParam("limit", strconv.Itoa(query.Limit))
	}

	resp, err := request.Get("/api/messages")
	if err := check(resp, err, failure); err != nil {
		return nil, err
	}
	return body.Messages, nil
}

func (a *APIClient) Online(ctx context.Context) ([]string, error) {
	var (
		body    httpserver.OnlineResponse
		failure httpserver.ErrorBody
	)
	resp, err := a.http.R().
		SetContext(ctx).
		SetAuthToken(a.token()).
		SetResult(&body).
		SetError(&failure).
		Get("/api/online")
	if err := check(resp, err, failure); err != nil {
		return nil, err
	}
	return body.UserIDs, nil
}

// check turns a transport failure or an error answer into an error.
func check(resp *resty.Response, err error, failure httpserver.ErrorBody) error {
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrConnectionClosed, err)
	}
	if !resp.IsError() {
		return nil
	}
	if resp.StatusCode() == http.StatusUnauthorized && failure.Code != "invalid_credentials" {
		return errors.NewAuthError(errors.InvalidSignature, fmt.Errorf("%s", failure.Error))
	}
	return &RemoteError{Code: failure.Code, Message: failure.Error}
}
