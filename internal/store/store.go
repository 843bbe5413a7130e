// Package store persists chats, messages, and read receipts in Postgres.
// Users are reference data owned by the account service; this package only
// reads them to enrich messages with sender details.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a chat does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrValidation is returned when required fields are missing or empty.
	ErrValidation = errors.New("store: validation failed")
)

// Message is a persisted chat message enriched with sender details.
type Message struct {
	ID          string
	ChatID      string
	SenderID    string
	SenderName  string
	SenderEmail string
	Content     string
	CreatedAt   time.Time
	ReadBy      []string
}

// Chat is a conversation between two or more members.
type Chat struct {
	ID        string
	Members   []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store wraps the Postgres connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres, verifies the connection, and returns a Store.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres ping failed: %w", err)
	}

	return &Store{db: db}, nil
}

// DB exposes the underlying pool for migrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateMessage persists a message and marks it read by its sender. The
// returned Message carries the generated id, server timestamp, and the
// sender's name and email for fan-out payloads.
func (s *Store) CreateMessage(ctx context.Context, chatID, senderID, content string) (*Message, error) {
	if chatID == "" || senderID == "" || content == "" {
		return nil, fmt.Errorf("%w: chat id, sender id and content are required", ErrValidation)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("store: check chat: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}

	msg := &Message{
		ID:       uuid.New().String(),
		ChatID:   chatID,
		SenderID: senderID,
		Content:  content,
		ReadBy:   []string{senderID},
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, chat_id, sender_id, content)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		msg.ID, chatID, senderID, content).Scan(&msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: insert message: %w", err)
	}

	// The sender has read their own message.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_id)
		VALUES ($1, $2)`,
		msg.ID, senderID)
	if err != nil {
		return nil, fmt.Errorf("store: insert sender read: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE chats SET updated_at = now() WHERE id = $1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: touch chat: %w", err)
	}

	// Sender details may be absent if the account service has not synced
	// the user yet; the message still persists with empty name/email.
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(name, ''), COALESCE(email, '') FROM users WHERE id = $1`,
		senderID).Scan(&msg.SenderName, &msg.SenderEmail)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: load sender: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit message: %w", err)
	}
	return msg, nil
}

// ChatMembers returns the user ids of a chat's members. Returns ErrNotFound
// when the chat does not exist.
func (s *Store) ChatMembers(ctx context.Context, chatID string) ([]string, error) {
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat id is required", ErrValidation)
	}

	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("store: check chat: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM chat_members WHERE chat_id = $1`, chatID)
	if err != nil {
		return nil, fmt.Errorf("store: query members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		members = append(members, userID)
	}
	return members, rows.Err()
}

// MarkMessagesRead records a read receipt for every message in the chat the
// user has not read yet, skipping the user's own messages. Returns the
// number of messages newly marked.
func (s *Store) MarkMessagesRead(ctx context.Context, chatID, userID string) (int64, error) {
	if chatID == "" || userID == "" {
		return 0, fmt.Errorf("%w: chat id and user id are required", ErrValidation)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO message_reads (message_id, user_id)
		SELECT m.id, $2
		FROM messages m
		WHERE m.chat_id = $1
		  AND m.sender_id <> $2
		  AND NOT EXISTS (
			SELECT 1 FROM message_reads r
			WHERE r.message_id = m.id AND r.user_id = $2
		  )`,
		chatID, userID)
	if err != nil {
		return 0, fmt.Errorf("store: mark read: %w", err)
	}
	return res.RowsAffected()
}

// CreateChat finds or creates the two-member chat between a pair of users.
// Repeated calls with the same pair return the existing chat.
func (s *Store) CreateChat(ctx context.Context, userA, userB string) (*Chat, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, fmt.Errorf("%w: two distinct user ids are required", ErrValidation)
	}

	var chatID string
	err := s.db.QueryRowContext(ctx, `
		SELECT cm.chat_id
		FROM chat_members cm
		GROUP BY cm.chat_id
		HAVING COUNT(*) = 2
		   AND COUNT(*) FILTER (WHERE cm.user_id IN ($1, $2)) = 2
		LIMIT 1`,
		userA, userB).Scan(&chatID)
	if err == nil {
		return s.chatByID(ctx, chatID)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: find chat: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin tx: %w", err)
	}
	defer tx.Rollback()

	chat := &Chat{
		ID:      uuid.New().String(),
		Members: []string{userA, userB},
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO chats (id) VALUES ($1)
		RETURNING created_at, updated_at`,
		chat.ID).Scan(&chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("store: insert chat: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_members (chat_id, user_id)
		VALUES ($1, $2), ($1, $3)`,
		chat.ID, userA, userB)
	if err != nil {
		return nil, fmt.Errorf("store: insert members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit chat: %w", err)
	}
	return chat, nil
}

// chatByID loads a chat and its member list.
func (s *Store) chatByID(ctx context.Context, chatID string) (*Chat, error) {
	chat := &Chat{ID: chatID}
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at, updated_at FROM chats WHERE id = $1`,
		chatID).Scan(&chat.CreatedAt, &chat.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: chat %s", ErrNotFound, chatID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: load chat: %w", err)
	}

	chat.Members, err = s.ChatMembers(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// MessagesByChatID returns all messages of a chat in creation order, each
// with its sender details and read receipts.
func (s *Store) MessagesByChatID(ctx context.Context, chatID string) ([]*Message, error) {
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat id is required", ErrValidation)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.chat_id, m.sender_id,
		       COALESCE(u.name, ''), COALESCE(u.email, ''),
		       m.content, m.created_at
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
		ORDER BY m.created_at ASC, m.id ASC`,
		chatID)
	if err != nil {
		return nil, fmt.Errorf("store: query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	byID := make(map[string]*Message)
	for rows.Next() {
		msg := &Message{}
		err := rows.Scan(&msg.ID, &msg.ChatID, &msg.SenderID,
			&msg.SenderName, &msg.SenderEmail, &msg.Content, &msg.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		messages = append(messages, msg)
		byID[msg.ID] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return messages, nil
	}

	readRows, err := s.db.QueryContext(ctx, `
		SELECT r.message_id, r.user_id
		FROM message_reads r
		JOIN messages m ON m.id = r.message_id
		WHERE m.chat_id = $1`,
		chatID)
	if err != nil {
		return nil, fmt.Errorf("store: query reads: %w", err)
	}
	defer readRows.Close()

	for readRows.Next() {
		var messageID, userID string
		if err := readRows.Scan(&messageID, &userID); err != nil {
			return nil, fmt.Errorf("store: scan read: %w", err)
		}
		if msg, ok := byID[messageID]; ok {
			msg.ReadBy = append(msg.ReadBy, userID)
		}
	}
	return messages, readRows.Err()
}

// UnreadCount returns how many messages in a chat the user has not read.
// The user's own messages never count as unread because CreateMessage marks
// them read at insert time.
func (s *Store) UnreadCount(ctx context.Context, chatID, userID string) (int64, error) {
	if chatID == "" || userID == "" {
		return 0, fmt.Errorf("%w: chat id and user id are required", ErrValidation)
	}

	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		WHERE m.chat_id = $1
		  AND NOT EXISTS (
			SELECT 1 FROM message_reads r
			WHERE r.message_id = m.id AND r.user_id = $2
		  )`,
		chatID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: unread count: %w", err)
	}
	return count, nil
}
