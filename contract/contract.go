//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"reflect"

	"github.com/google/uuid"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// Worker doesn't protect itself, the supervisor restarts it on panic.
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker,
// used in supervision logs.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// EventSink is the outbound side of one live connection.
type EventSink interface {
	Consume(ctx context.Context, e event.DomainEvent) error
}

// PresenceListener receives the online/offline edges computed by the registry.
// It is called while the user's shard is locked and must not block.
type PresenceListener interface {
	OnTransition(userID string, online bool)
}

type IRegistry interface {
	Register(userID string, connID uuid.UUID, sink EventSink)
	Unregister(userID string, connID uuid.UUID)
	IsOnline(userID string) bool
	ConnectionsFor(userID string) []uuid.UUID
	AllOnline() []string
	SinksFor(userID string, except ...uuid.UUID) []EventSink
	AllSinks() []EventSink
}

// UserDirectory decides whether a recipient exists.
type UserDirectory interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// IDeliveryEngine is what the transport drives for each inbound frame.
type IDeliveryEngine interface {
	Send(ctx context.Context, cmd domain.SendMessageCommand, ack func(domain.Message)) (domain.Message, error)
	ConfirmDelivery(ctx context.Context, cmd domain.ConfirmDeliveryCommand) error
	MarkRead(ctx context.Context, cmd domain.MarkReadCommand) ([]domain.Message, error)
	History(ctx context.Context, query domain.HistoryQuery) ([]domain.Message, error)
}
