package main

import (
	"chat-relay/auth"
	"chat-relay/domain"
	"chat-relay/repositories"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/mama165/sdk-go/database"
)

const seedPassword = "Seed-Password-42"

var lines = []string{
	"hey, are you around?",
	"yes, just got back",
	"did you see the release notes?",
	"not yet, anything big?",
	"the reconnect fix landed",
	"finally",
}

// Seeds a badger store with a few accounts and conversations so the relay and
// the inspect tool have something to show.
func main() {
	dbPath := flag.String("db", database.DefaultPath, "Path to badger DB")
	users := flag.Int("users", 3, "Number of accounts to create")
	tag := flag.String("tag", "", "Conversation tag put on every message")
	flag.Parse()

	if err := seed(context.Background(), *dbPath, *users, *tag); err != nil {
		fmt.Fprintf(os.Stderr, "Seeding failed: %v\n", err)
		os.Exit(1)
	}
}

func seed(ctx context.Context, path string, count int, tag string) error {
	if count < 2 {
		return fmt.Errorf("at least 2 users are needed, got %d", count)
	}
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return fmt.Errorf("open badger: %w", err)
	}
	defer db.Close()

	messages, err := repositories.NewMessageRepository(db, slog.Default(), nil)
	if err != nil {
		return err
	}
	defer messages.Close()
	userRepository := repositories.NewUserRepository(db)

	hash, err := auth.HashPassword(seedPassword)
	if err != nil {
		return err
	}
	ids := make([]string, 0, count)
	for i := range count {
		email := fmt.Sprintf("seed-%d-%s@example.com", i, uuid.NewString()[:8])
		user, err := userRepository.CreateUser(ctx, email, hash)
		if err != nil {
			return fmt.Errorf("create %s: %w", email, err)
		}
		ids = append(ids, user.ID)
		fmt.Printf("user %s (%s) password %s\n", email, user.ID, seedPassword)
	}

	start := time.Now().Add(-time.Hour)
	stored := 0
	for i := 0; i+1 < len(ids); i++ {
		a, b := ids[i], ids[i+1]
		for j, content := range lines {
			sender, recipient := a, b
			if j%2 == 1 {
				sender, recipient = b, a
			}
			at := start.Add(time.Duration(stored) * time.Minute)
			message := domain.Message{
				ID:              uuid.New(),
				SenderID:        sender,
				RecipientID:     recipient,
				ConversationTag: tag,
				Content:         content,
				Status:          domain.StatusSent,
				Timestamp:       at,
			}
			// Older half of each conversation is already read
			if j < len(lines)/2 {
				message.Status = domain.StatusRead
				message.Read = true
				message.DeliveredAt = &at
				message.ReadAt = &at
			}
			if _, err := messages.StoreMessage(ctx, message); err != nil {
				return fmt.Errorf("store message: %w", err)
			}
			stored++
		}
	}
	fmt.Printf("%d messages stored in %s\n", stored, path)
	return nil
}
