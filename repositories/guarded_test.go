package repositories

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	goerrors "errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

// flakyStore fails every call with err while err is set.
type flakyStore struct {
	IMessageRepository
	err   error
	calls int
}

func (f *flakyStore) StoreMessage(_ context.Context, message domain.Message) (domain.Message, error) {
	f.calls++
	return message, f.err
}

func (f *flakyStore) GetMessage(_ context.Context, _ uuid.UUID) (domain.Message, error) {
	f.calls++
	return domain.Message{}, f.err
}

func TestGuarded_Wraps_Store_Failures_As_Persistence(t *testing.T) {
	req := require.New(t)
	store := &flakyStore{err: goerrors.New("disk full")}
	guarded := NewGuardedMessageRepository(store, BreakerSettings{FailureThreshold: 3, ResetTimeout: time.Minute}, slog.Default())

	_, err := guarded.StoreMessage(context.Background(), newMessage("alice", "bob", "hi"))
	req.ErrorIs(err, errors.ErrPersistence)
	req.Contains(err.Error(), "disk full")
}

func TestGuarded_Opens_After_Consecutive_Failures(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := &flakyStore{err: goerrors.New("disk full")}
	guarded := NewGuardedMessageRepository(store, BreakerSettings{FailureThreshold: 3, ResetTimeout: time.Minute}, slog.Default())

	// Given three failures in a row
	for i := 0; i < 3; i++ {
		_, err := guarded.StoreMessage(ctx, newMessage("alice", "bob", "hi"))
		req.ErrorIs(err, errors.ErrPersistence)
	}

	// When the store recovers but the breaker is still open
	store.err = nil
	_, err := guarded.StoreMessage(ctx, newMessage("alice", "bob", "hi"))

	// Then the call fails fast without reaching the store
	req.ErrorIs(err, errors.ErrPersistence)
	req.ErrorContains(err, gobreaker.ErrOpenState.Error())
	req.Equal(3, store.calls)
}

func TestGuarded_Domain_Errors_Do_Not_Trip(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := &flakyStore{err: errors.ErrMessageNotFound}
	guarded := NewGuardedMessageRepository(store, BreakerSettings{FailureThreshold: 1, ResetTimeout: time.Minute}, slog.Default())

	for i := 0; i < 3; i++ {
		_, err := guarded.GetMessage(ctx, uuid.New())
		req.ErrorIs(err, errors.ErrMessageNotFound)
		req.NotErrorIs(err, errors.ErrPersistence)
	}
	req.Equal(3, store.calls)
}

func TestGuarded_Passes_Through_On_Success(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	guarded := NewGuardedMessageRepository(newBadgerMessageRepository(t, nil), BreakerSettings{}, slog.Default())

	saved, err := guarded.StoreMessage(ctx, newMessage("alice", "bob", "hi"))
	req.NoError(err)
	_, changed, err := guarded.MarkDelivered(ctx, saved.ID, time.Now())
	req.NoError(err)
	req.True(changed)
	read, err := guarded.MarkRead(ctx, []uuid.UUID{saved.ID}, "bob", time.Now())
	req.NoError(err)
	req.Len(read, 1)
}
