package runtime

import (
	"chat-relay/contract"
	"hash/fnv"
	"slices"
	"sync"

	"github.com/google/uuid"
)

const defaultShardCount = 32

type Set map[string]struct{}

// connections of one user, keyed by connection id
type connections map[uuid.UUID]contract.EventSink

type shard struct {
	mu    sync.RWMutex
	users map[string]connections
}

// Registry maps a user to its live connections.
// Users are spread over shards by hash, a shard lock serializes the mutations of
// the users it holds so that the empty/non-empty edge is decided and reported
// atomically, while users of different shards mutate in parallel.
type Registry struct {
	shards   []*shard
	listener contract.PresenceListener
}

var _ contract.IRegistry = (*Registry)(nil)

type RegistryOption func(*Registry)

func WithShardCount(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.shards = newShards(n)
		}
	}
}

// NewRegistry builds an empty registry reporting its edges to listener.
// A nil listener drops the edges.
func NewRegistry(listener contract.PresenceListener, opts ...RegistryOption) *Registry {
	r := &Registry{shards: newShards(defaultShardCount), listener: listener}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newShards(n int) []*shard {
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{users: make(map[string]connections)}
	}
	return shards
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register adds the connection to the user's set.
// Registering the first connection of a user reports it online.
func (r *Registry) Register(userID string, connID uuid.UUID, sink contract.EventSink) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		conns = make(connections)
		s.users[userID] = conns
	}
	conns[connID] = sink
	if !ok && r.listener != nil {
		r.listener.OnTransition(userID, true)
	}
}

// Unregister removes the connection. Removing the last one deletes the entry
// and reports the user offline. Unknown connections are ignored.
func (r *Registry) Unregister(userID string, connID uuid.UUID) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	conns, ok := s.users[userID]
	if !ok {
		return
	}
	if _, known := conns[connID]; !known {
		return
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(s.users, userID)
		if r.listener != nil {
			r.listener.OnTransition(userID, false)
		}
	}
}

func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[userID]
	return ok
}

func (r *Registry) ConnectionsFor(userID string) []uuid.UUID {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(s.users[userID]))
	for id := range s.users[userID] {
		ids = append(ids, id)
	}
	return ids
}

// AllOnline returns a sorted snapshot of the online users.
// Shards are read one after the other, the snapshot is not atomic across shards.
func (r *Registry) AllOnline() []string {
	online := make(Set)
	for _, s := range r.shards {
		s.mu.RLock()
		for userID := range s.users {
			online[userID] = struct{}{}
		}
		s.mu.RUnlock()
	}
	users := make([]string, 0, len(online))
	for userID := range online {
		users = append(users, userID)
	}
	slices.Sort(users)
	return users
}

// SinksFor is the multicast group of a user, minus the excluded connections.
func (r *Registry) SinksFor(userID string, except ...uuid.UUID) []contract.EventSink {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns, ok := s.users[userID]
	if !ok {
		return nil
	}
	sinks := make([]contract.EventSink, 0, len(conns))
	for id, sink := range conns {
		if slices.Contains(except, id) {
			continue
		}
		sinks = append(sinks, sink)
	}
	return sinks
}

func (r *Registry) AllSinks() []contract.EventSink {
	var sinks []contract.EventSink
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.users {
			for _, sink := range conns {
				sinks = append(sinks, sink)
			}
		}
		s.mu.RUnlock()
	}
	return sinks
}

// Count returns the number of online users and live connections.
func (r *Registry) Count() (users int, conns int) {
	for _, s := range r.shards {
		s.mu.RLock()
		users += len(s.users)
		for _, c := range s.users {
			conns += len(c)
		}
		s.mu.RUnlock()
	}
	return users, conns
}
