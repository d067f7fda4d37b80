package repositories

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	"database/sql"
	goerrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/samber/lo"
)

// SQLStore is the SQLite backend of both the message store and the user
// directory, selected with STORE_DRIVER=sqlite.
type SQLStore struct {
	db            *sqlx.DB
	log           *slog.Logger
	limitMessages *int
}

var (
	_ IMessageRepository = (*SQLStore)(nil)
	_ IUserRepository    = (*SQLStore)(nil)
)

func NewSQLStore(dsn string, log *slog.Logger, limitMessages *int) (*SQLStore, error) {
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single writer avoids SQLITE_BUSY on concurrent status updates
	db.SetMaxOpenConns(1)

	store := &SQLStore{db: db, log: log, limitMessages: limitMessages}
	if err = store.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return store, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT UNIQUE NOT NULL,
			correlation_id  TEXT NOT NULL DEFAULT '',
			sender_id       TEXT NOT NULL,
			recipient_id    TEXT NOT NULL,
			pair_key        TEXT NOT NULL,
			conversation_tag TEXT NOT NULL DEFAULT '',
			content         TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'sent',
			read            INTEGER NOT NULL DEFAULT 0,
			read_at         INTEGER NULL,
			delivered_at    INTEGER NULL,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(pair_key, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_tag ON messages(conversation_tag, seq)`,
		`CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT UNIQUE NOT NULL,
			password_hash TEXT NOT NULL,
			roles         TEXT NOT NULL DEFAULT 'user',
			created_at    INTEGER NOT NULL
		)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return err
		}
	}
	return nil
}

type messageRow struct {
	Seq             uint64        `db:"seq"`
	ID              string        `db:"id"`
	CorrelationID   string        `db:"correlation_id"`
	SenderID        string        `db:"sender_id"`
	RecipientID     string        `db:"recipient_id"`
	PairKey         string        `db:"pair_key"`
	ConversationTag string        `db:"conversation_tag"`
	Content         string        `db:"content"`
	Status          string        `db:"status"`
	Read            bool          `db:"read"`
	ReadAt          sql.NullInt64 `db:"read_at"`
	DeliveredAt     sql.NullInt64 `db:"delivered_at"`
	CreatedAt       int64         `db:"created_at"`
}

const messageColumns = `seq, id, correlation_id, sender_id, recipient_id, pair_key,
	conversation_tag, content, status, read, read_at, delivered_at, created_at`

func (s *SQLStore) StoreMessage(ctx context.Context, message domain.Message) (domain.Message, error) {
	row := toRow(message)
	res, err := s.db.NamedExecContext(ctx, `INSERT INTO messages
		(id, correlation_id, sender_id, recipient_id, pair_key, conversation_tag, content, status, read, read_at, delivered_at, created_at)
		VALUES (:id, :correlation_id, :sender_id, :recipient_id, :pair_key, :conversation_tag, :content, :status, :read, :read_at, :delivered_at, :created_at)`, row)
	if err != nil {
		return domain.Message{}, fmt.Errorf("inserting message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return domain.Message{}, fmt.Errorf("getting sequence: %w", err)
	}
	message.Seq = uint64(seq)
	return message, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id uuid.UUID) (domain.Message, error) {
	return s.getMessage(ctx, s.db, id)
}

func (s *SQLStore) getMessage(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (domain.Message, error) {
	var row messageRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id.String())
	if goerrors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, fmt.Errorf("%w: %s", errors.ErrMessageNotFound, id)
	}
	if err != nil {
		return domain.Message{}, fmt.Errorf("fetching message: %w", err)
	}
	return fromRow(row)
}

// MarkDelivered relies on the status guard of the UPDATE for first-wins.
func (s *SQLStore) MarkDelivered(ctx context.Context, id uuid.UUID, at time.Time) (domain.Message, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET status = ?, delivered_at = ? WHERE id = ? AND status = ?`,
		string(domain.StatusDelivered), at.UTC().UnixNano(), id.String(), string(domain.StatusSent))
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("updating message: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("getting rows affected: %w", err)
	}
	message, err := s.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, false, err
	}
	return message, rows == 1, nil
}

func (s *SQLStore) MarkRead(ctx context.Context, ids []uuid.UUID, readerID string, at time.Time) ([]domain.Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var affected []domain.Message
	readAt := at.UTC()
	for _, id := range ids {
		current, err := s.getMessage(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if current.RecipientID != readerID {
			return nil, errors.ErrNotRecipient
		}
		if current.Read {
			continue
		}
		if _, err = tx.ExecContext(ctx,
			`UPDATE messages SET read = 1, status = ?, read_at = ? WHERE id = ?`,
			string(domain.StatusRead), readAt.UnixNano(), id.String()); err != nil {
			return nil, fmt.Errorf("updating message: %w", err)
		}
		current.Read = true
		current.Status = domain.StatusRead
		current.ReadAt = lo.ToPtr(readAt)
		affected = append(affected, current)
	}
	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return affected, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, filter domain.MessageFilter) ([]domain.Message, error) {
	var where []string
	var args []any
	if filter.HasPair() {
		where = append(where, "pair_key = ?")
		args = append(args, domain.PairKey(filter.ParticipantA, filter.ParticipantB))
	}
	if filter.ConversationTag != "" {
		where = append(where, "conversation_tag = ?")
		args = append(args, filter.ConversationTag)
	}
	if len(where) == 0 {
		return nil, errors.Validation(fmt.Errorf("filter needs a participant pair or a conversation tag"))
	}
	limit := filter.Limit
	if limit <= 0 && s.limitMessages != nil {
		limit = *s.limitMessages
	}
	if limit <= 0 {
		limit = -1 // no limit in SQLite
	}
	args = append(args, limit)

	// Newest page first, flipped to ascending below
	query := `SELECT ` + messageColumns + ` FROM messages WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY seq DESC LIMIT ?`
	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	messages := make([]domain.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		message, err := fromRow(rows[i])
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

type userRow struct {
	ID           string `db:"id"`
	Email        string `db:"email"`
	PasswordHash string `db:"password_hash"`
	Roles        string `db:"roles"`
	CreatedAt    int64  `db:"created_at"`
}

func (s *SQLStore) CreateUser(ctx context.Context, email, hashedPassword string) (User, error) {
	user := User{
		ID:           uuid.NewString(),
		Email:        normalizeEmail(email),
		PasswordHash: hashedPassword,
		Roles:        []string{"user"},
		CreatedAt:    time.Now().UTC(),
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO users (id, email, password_hash, roles, created_at)
		VALUES (:id, :email, :password_hash, :roles, :created_at)`, userRow{
		ID:           user.ID,
		Email:        user.Email,
		PasswordHash: user.PasswordHash,
		Roles:        strings.Join(user.Roles, ","),
		CreatedAt:    user.CreatedAt.UnixNano(),
	})
	var sqliteErr sqlite3.Error
	if goerrors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return User{}, errors.ErrUserAlreadyExists
	}
	if err != nil {
		return User{}, fmt.Errorf("inserting user: %w", err)
	}
	return user, nil
}

func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT id, email, password_hash, roles, created_at FROM users WHERE email = ?`, normalizeEmail(email))
	if goerrors.Is(err, sql.ErrNoRows) {
		return User{}, errors.ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("fetching user: %w", err)
	}
	return User{
		ID:           row.ID,
		Email:        row.Email,
		PasswordHash: row.PasswordHash,
		Roles:        strings.Split(row.Roles, ","),
		CreatedAt:    time.Unix(0, row.CreatedAt).UTC(),
	}, nil
}

func (s *SQLStore) UserExists(ctx context.Context, userID string) (bool, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(1) FROM users WHERE id = ?`, userID); err != nil {
		return false, fmt.Errorf("checking user: %w", err)
	}
	return count > 0, nil
}

func toRow(message domain.Message) messageRow {
	row := messageRow{
		Seq:             message.Seq,
		ID:              message.ID.String(),
		CorrelationID:   message.CorrelationID,
		SenderID:        message.SenderID,
		RecipientID:     message.RecipientID,
		PairKey:         domain.PairKey(message.SenderID, message.RecipientID),
		ConversationTag: message.ConversationTag,
		Content:         message.Content,
		Status:          string(message.Status),
		Read:            message.Read,
		CreatedAt:       message.Timestamp.UnixNano(),
	}
	if message.ReadAt != nil {
		row.ReadAt = sql.NullInt64{Int64: message.ReadAt.UnixNano(), Valid: true}
	}
	if message.DeliveredAt != nil {
		row.DeliveredAt = sql.NullInt64{Int64: message.DeliveredAt.UnixNano(), Valid: true}
	}
	return row
}

func fromRow(row messageRow) (domain.Message, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return domain.Message{}, err
	}
	message := domain.Message{
		ID:              id,
		Seq:             row.Seq,
		CorrelationID:   row.CorrelationID,
		SenderID:        row.SenderID,
		RecipientID:     row.RecipientID,
		ConversationTag: row.ConversationTag,
		Content:         row.Content,
		Status:          domain.Status(row.Status),
		Read:            row.Read,
		Timestamp:       time.Unix(0, row.CreatedAt).UTC(),
	}
	if row.ReadAt.Valid {
		message.ReadAt = lo.ToPtr(time.Unix(0, row.ReadAt.Int64).UTC())
	}
	if row.DeliveredAt.Valid {
		message.DeliveredAt = lo.ToPtr(time.Unix(0, row.DeliveredAt.Int64).UTC())
	}
	return message, nil
}
