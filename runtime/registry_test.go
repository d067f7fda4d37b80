package runtime

import (
	"chat-relay/contract"
	"chat-relay/sink/sinktest"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type edge struct {
	userID string
	online bool
}

// recordingListener keeps the presence edges in the order they were reported.
type recordingListener struct {
	mu    sync.Mutex
	edges []edge
}

func (l *recordingListener) OnTransition(userID string, online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.edges = append(l.edges, edge{userID, online})
}

func (l *recordingListener) Edges() []edge {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]edge(nil), l.edges...)
}

func TestRegistry_Presence_Edges_Only(t *testing.T) {
	req := require.New(t)
	listener := &recordingListener{}
	registry := NewRegistry(listener)
	c1, c2 := uuid.New(), uuid.New()

	// Given no user is connected
	req.False(registry.IsOnline("alice"))

	// When a first connection registers
	registry.Register("alice", c1, sinktest.NewTimeline("alice"))
	// Then the user goes online once
	req.Equal([]edge{{"alice", true}}, listener.Edges())

	// When a second connection registers, nothing is reported
	registry.Register("alice", c2, sinktest.NewTimeline("alice"))
	req.Len(listener.Edges(), 1)
	req.ElementsMatch([]uuid.UUID{c1, c2}, registry.ConnectionsFor("alice"))

	// When one of the two leaves the user stays online
	registry.Unregister("alice", c1)
	req.Len(listener.Edges(), 1)
	req.True(registry.IsOnline("alice"))

	// When the last one leaves the user goes offline once
	registry.Unregister("alice", c2)
	req.Equal([]edge{{"alice", true}, {"alice", false}}, listener.Edges())
	req.False(registry.IsOnline("alice"))
	req.Empty(registry.ConnectionsFor("alice"))
}

func TestRegistry_Unregister_Unknown_Is_NoOp(t *testing.T) {
	req := require.New(t)
	listener := &recordingListener{}
	registry := NewRegistry(listener)

	registry.Unregister("ghost", uuid.New())

	c1 := uuid.New()
	registry.Register("alice", c1, sinktest.NewTimeline("alice"))
	registry.Unregister("alice", uuid.New())
	registry.Unregister("alice", c1)
	registry.Unregister("alice", c1)

	req.Equal([]edge{{"alice", true}, {"alice", false}}, listener.Edges())
}

func TestRegistry_Multicast_Groups(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(nil)
	c1, c2, c3 := uuid.New(), uuid.New(), uuid.New()
	s1, s2, s3 := sinktest.NewTimeline("alice"), sinktest.NewTimeline("alice"), sinktest.NewTimeline("bob")

	registry.Register("alice", c1, s1)
	registry.Register("alice", c2, s2)
	registry.Register("bob", c3, s3)

	req.ElementsMatch([]contract.EventSink{s1, s2}, registry.SinksFor("alice"))
	req.ElementsMatch([]contract.EventSink{s2}, registry.SinksFor("alice", c1))
	req.Nil(registry.SinksFor("clara"))
	req.Len(registry.AllSinks(), 3)
	req.Equal([]string{"alice", "bob"}, registry.AllOnline())

	users, conns := registry.Count()
	req.Equal(2, users)
	req.Equal(3, conns)
}

func TestRegistry_Concurrent_Churn_Alternates_Edges(t *testing.T) {
	req := require.New(t)
	listener := &recordingListener{}
	registry := NewRegistry(listener, WithShardCount(4))

	// Given many connections of the same users coming and going in parallel
	var wg sync.WaitGroup
	for u := 0; u < 8; u++ {
		userID := fmt.Sprintf("user-%d", u)
		for c := 0; c < 50; c++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				connID := uuid.New()
				registry.Register(userID, connID, sinktest.NewTimeline(userID))
				registry.Unregister(userID, connID)
			}()
		}
	}
	wg.Wait()

	// Then every user ends offline and its edges strictly alternate
	req.Empty(registry.AllOnline())
	perUser := map[string][]bool{}
	for _, e := range listener.Edges() {
		perUser[e.userID] = append(perUser[e.userID], e.online)
	}
	req.Len(perUser, 8)
	for userID, edges := range perUser {
		req.NotEmpty(edges, userID)
		for i, online := range edges {
			req.Equal(i%2 == 0, online, "user %s edge %d", userID, i)
		}
		req.False(edges[len(edges)-1], userID)
	}
}
