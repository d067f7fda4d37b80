package repositories

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	goerrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// BreakerSettings configures the circuit breaker in front of the message store.
type BreakerSettings struct {
	FailureThreshold uint32
	ResetTimeout     time.Duration
}

// GuardedMessageRepository trips after consecutive store failures so that a dead
// store fails sends fast instead of piling up blocked connections.
// Every infrastructure failure surfaces as errors.ErrPersistence, domain errors
// (not found, not recipient) pass through untouched and never count as failures.
type GuardedMessageRepository struct {
	next    IMessageRepository
	breaker *gobreaker.CircuitBreaker
}

var _ IMessageRepository = (*GuardedMessageRepository)(nil)

func NewGuardedMessageRepository(next IMessageRepository, settings BreakerSettings, log *slog.Logger) *GuardedMessageRepository {
	if settings.FailureThreshold == 0 {
		settings.FailureThreshold = 5
	}
	if settings.ResetTimeout == 0 {
		settings.ResetTimeout = 10 * time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "message-store",
		MaxRequests: 1,
		Timeout:     settings.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isDomainError(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Message store circuit breaker state changed",
				"name", name, "from", from.String(), "to", to.String())
		},
	})
	return &GuardedMessageRepository{next: next, breaker: breaker}
}

func isDomainError(err error) bool {
	return goerrors.Is(err, errors.ErrValidation) ||
		goerrors.Is(err, errors.ErrMessageNotFound) ||
		goerrors.Is(err, context.Canceled)
}

func classify(err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	if goerrors.Is(err, errors.ErrPersistence) {
		return err
	}
	return fmt.Errorf("%w: %v", errors.ErrPersistence, err)
}

func guard[T any](g *GuardedMessageRepository, fn func() (T, error)) (T, error) {
	res, err := g.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, classify(err)
	}
	return res.(T), nil
}

func (g *GuardedMessageRepository) StoreMessage(ctx context.Context, message domain.Message) (domain.Message, error) {
	return guard(g, func() (domain.Message, error) {
		return g.next.StoreMessage(ctx, message)
	})
}

func (g *GuardedMessageRepository) GetMessage(ctx context.Context, id uuid.UUID) (domain.Message, error) {
	return guard(g, func() (domain.Message, error) {
		return g.next.GetMessage(ctx, id)
	})
}

type delivered struct {
	message domain.Message
	changed bool
}

func (g *GuardedMessageRepository) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) (domain.Message, bool, error) {
	res, err := guard(g, func() (delivered, error) {
		message, changed, err := g.next.MarkDelivered(ctx, id, at)
		return delivered{message, changed}, err
	})
	return res.message, res.changed, err
}

func (g *GuardedMessageRepository) MarkRead(ctx context.Context, ids []uuid.UUID, readerID string, at time.Time) ([]domain.Message, error) {
	return guard(g, func() ([]domain.Message, error) {
		return g.next.MarkRead(ctx, ids, readerID, at)
	})
}

func (g *GuardedMessageRepository) ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, error) {
	return guard(g, func() ([]domain.Message, error) {
		return g.next.ListMessages(ctx, filter)
	})
}
