// Package e2e drives a running relay through its public surfaces.
package e2e

import (
	"chat-relay/auth"
	"chat-relay/client"
	"chat-relay/domain/event"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gookit/color"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const password = "E2e-Password-42"

type BaseRelaySuite struct {
	suite.Suite
	Config Config
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseRelaySuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.RelayURL == "" {
		s.T().Skip("RELAY_URL is not set")
	}
}

// Step prints a colorized header then runs fn as a subtest.
func (s *BaseRelaySuite) Step(name string, fn func()) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
	s.Run(name, fn)
}

// Party is one signed up user with a live channel.
type Party struct {
	ID      string
	API     *client.APIClient
	Channel *client.Channel
	Outbox  *client.Outbox

	mu       sync.Mutex
	received []event.MessageCreated
}

func (p *Party) Received() []event.MessageCreated {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.MessageCreated(nil), p.received...)
}

// SignUp registers a fresh account, the token is read back for its user id.
func (s *BaseRelaySuite) SignUp(ctx context.Context, name string) *Party {
	log := logs.GetLoggerFromString("WARN")
	var token string
	api := client.NewAPIClient(s.Config.RelayURL, func() string { return token })

	email := fmt.Sprintf("%s-%s@example.com", name, uuid.NewString()[:8])
	token, err := api.Register(ctx, email, password)
	s.Require().NoError(err, "registering "+email)
	identity, err := auth.UnverifiedIdentity(token)
	s.Require().NoError(err)

	p := &Party{ID: identity.UserID, API: api}
	wsURL := "ws" + strings.TrimPrefix(s.Config.RelayURL, "http") + "/ws"
	p.Channel = client.NewChannel(client.WebsocketDialer(wsURL, log), log)
	p.Channel.SetToken(token)
	p.Channel.OnMessage(func(e event.MessageCreated) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.received = append(p.received, e)
	})
	p.Outbox = client.NewOutbox(p.Channel, client.NewStatusTable(0, nil), log).Attach(p.Channel)
	s.T().Cleanup(func() { _ = p.Channel.Close() })
	return p
}

// WithHealth provides a health client when RELAY_HEALTH_ADDR is set.
func (s *BaseRelaySuite) WithHealth(fn func(ctx context.Context, client healthpb.HealthClient)) {
	if s.Config.HealthAddr == "" {
		s.T().Skip("RELAY_HEALTH_ADDR is not set")
	}
	conn, err := grpc.NewClient(s.Config.HealthAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	s.Require().NoError(err, "Failed to connect to gRPC health at "+s.Config.HealthAddr)
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	fn(ctx, healthpb.NewHealthClient(conn))
}
