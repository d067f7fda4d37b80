package e2e

import (
	"chat-relay/domain"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type testMessagingSuite struct {
	BaseRelaySuite
}

func TestMessagingSuite(t *testing.T) {
	suite.Run(t, &testMessagingSuite{})
}

func (s *testMessagingSuite) TestHealthIsServing() {
	s.WithHealth(func(ctx context.Context, client healthpb.HealthClient) {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: "chat.relay"})
		s.Require().NoError(err)
		s.Require().Equal(healthpb.HealthCheckResponse_SERVING, resp.Status)
	})
}

func (s *testMessagingSuite) TestFullMessageWalk() {
	ctx := context.Background()
	sam := s.SignUp(ctx, "sam")
	rita := s.SignUp(ctx, "rita")

	var (
		mu       sync.Mutex
		statuses []domain.Status
	)
	record := func(status domain.Status) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, status)
	}
	seen := func() []domain.Status {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.Status(nil), statuses...)
	}

	// --- STEP 1: BOTH PARTIES ONLINE ---
	s.Step("Step 1: Connect both parties", func() {
		s.Require().NoError(rita.Channel.Connect(ctx))
		s.Require().NoError(sam.Channel.Connect(ctx))
		s.Require().Eventually(func() bool {
			for _, userID := range rita.Channel.OnlineUsers() {
				if userID == sam.ID {
					return true
				}
			}
			return false
		}, 5*time.Second, 20*time.Millisecond, "rita never saw sam come online")
	})

	// --- STEP 2: SEND AND DELIVER ---
	s.Step("Step 2: Send and wait for the delivery receipt", func() {
		sam.Outbox.SendMessage(ctx, "hello from e2e", rita.ID, "", record)
		s.Require().Eventually(func() bool { return len(rita.Received()) == 1 }, 5*time.Second, 20*time.Millisecond)
		s.Require().Eventually(func() bool { return len(seen()) == 3 }, 5*time.Second, 20*time.Millisecond)
	})

	// --- STEP 3: READ RECEIPT ---
	s.Step("Step 3: Read and wait for the read receipt", func() {
		message := rita.Received()[0].Message
		s.Require().NoError(rita.Outbox.MarkRead(ctx, []string{message.ID.String()}))
		s.Require().Eventually(func() bool { return len(seen()) == 4 }, 5*time.Second, 20*time.Millisecond)
		s.Require().Equal([]domain.Status{
			domain.StatusSending, domain.StatusSent, domain.StatusDelivered, domain.StatusRead,
		}, seen())
	})

	// --- STEP 4: HISTORY ---
	s.Step("Step 4: History reflects the read state", func() {
		history, err := sam.API.Fetch(ctx, domain.HistoryQuery{PeerID: rita.ID})
		s.Require().NoError(err)
		s.Require().Len(history, 1)
		s.Require().True(history[0].Read)
		s.Require().Equal(domain.StatusRead, history[0].Status)
	})
}
