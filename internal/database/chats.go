package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/planprep/enrichment/internal/apptype"
	"github.com/planprep/enrichment/internal/metrics"
)

const chatColumns = "id, title, processed, processed_at, processed_last_message_at, last_message_at"

// Timestamps are compared as strings in SQL (MAX(sent_at), ORDER BY sent_at,
// the staleness predicate), so they must be stored in a fixed-width layout.
// RFC3339Nano trims trailing fractional zeros, which breaks lexicographic
// ordering across mixed precision: "10:00:00Z" sorts after "10:00:00.5Z".
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatSQLTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

// UpsertChat creates or updates a conversation record with its messages.
// Message ids are stable, so replaying the same transcript is idempotent.
func (m *Manager) UpsertChat(ctx context.Context, studentID string, chat apptype.Chat) error {
	done := metrics.TimeOp("db_upsert_chat")
	success := false
	defer func() { done(success) }()

	if strings.TrimSpace(chat.ID) == "" {
		return &ValidationError{Field: "id", Reason: "must be a non-empty string"}
	}

	db, err := m.getDB(studentID)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "UPDATE chats SET title = ? WHERE id = ?", chat.Title, chat.ID)
	if err != nil {
		return fmt.Errorf("failed to update chat %q: %w", chat.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO chats (id, title) VALUES (?, ?)", chat.ID, chat.Title); err != nil {
			return fmt.Errorf("failed to insert chat %q: %w", chat.ID, err)
		}
	}

	for _, msg := range chat.Messages {
		if err := insertMessage(ctx, tx, chat.ID, msg); err != nil {
			return err
		}
	}
	if err := refreshLastMessageAt(ctx, tx, chat.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	success = true
	return nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, chatID string, msg apptype.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now().UTC()
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO messages (id, chat_id, sender, content, sent_at) VALUES (?, ?, ?, ?, ?)",
		msg.ID, chatID, msg.Sender, msg.Content, formatSQLTime(msg.SentAt)); err != nil {
		return fmt.Errorf("failed to insert message for chat %q: %w", chatID, err)
	}
	return nil
}

func refreshLastMessageAt(ctx context.Context, tx *sql.Tx, chatID string) error {
	if _, err := tx.ExecContext(ctx,
		"UPDATE chats SET last_message_at = (SELECT MAX(sent_at) FROM messages WHERE chat_id = ?) WHERE id = ?",
		chatID, chatID); err != nil {
		return fmt.Errorf("failed to refresh last message timestamp for chat %q: %w", chatID, err)
	}
	return nil
}

// AppendMessage adds one message to an existing chat and advances its
// last-message timestamp. The processed flag is deliberately untouched:
// staleness is reconciled explicitly, never as a side effect of a write.
func (m *Manager) AppendMessage(ctx context.Context, studentID string, chatID string, msg apptype.Message) error {
	done := metrics.TimeOp("db_append_message")
	success := false
	defer func() { done(success) }()
	db, err := m.getDB(studentID)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists string
	if err := tx.QueryRowContext(ctx, "SELECT id FROM chats WHERE id = ?", chatID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("chat not found: %s", chatID)
		}
		return fmt.Errorf("failed to check chat existence: %w", err)
	}

	if err := insertMessage(ctx, tx, chatID, msg); err != nil {
		return err
	}
	if err := refreshLastMessageAt(ctx, tx, chatID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	success = true
	return nil
}

func scanChat(row rowScanner) (*apptype.Chat, error) {
	var chat apptype.Chat
	var processed int
	var processedAt, processedLastMessageAt, lastMessageAt sql.NullString
	if err := row.Scan(&chat.ID, &chat.Title, &processed, &processedAt, &processedLastMessageAt, &lastMessageAt); err != nil {
		return nil, err
	}
	chat.Processed = processed != 0
	chat.ProcessedAt = parseNullTime(processedAt)
	chat.ProcessedLastMessageAt = parseNullTime(processedLastMessageAt)
	chat.LastMessageAt = parseNullTime(lastMessageAt)
	return &chat, nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// GetChat retrieves a chat with its full message history.
func (m *Manager) GetChat(ctx context.Context, studentID string, chatID string) (*apptype.Chat, error) {
	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx,
		"SELECT "+chatColumns+" FROM chats WHERE id = ?", chatID)
	chat, err := scanChat(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("chat not found: %s", chatID)
		}
		return nil, fmt.Errorf("failed to scan chat: %w", err)
	}

	rows, err := db.QueryContext(ctx,
		"SELECT id, sender, content, sent_at FROM messages WHERE chat_id = ? ORDER BY sent_at, id", chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var msg apptype.Message
		var sentAt string
		if err := rows.Scan(&msg.ID, &msg.Sender, &msg.Content, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, sentAt); err == nil {
			msg.SentAt = t
		}
		chat.Messages = append(chat.Messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return chat, nil
}

// ListChats returns chat summaries (no message bodies) for a student.
func (m *Manager) ListChats(ctx context.Context, studentID string) ([]apptype.Chat, error) {
	done := metrics.TimeOp("db_list_chats")
	success := false
	defer func() { done(success) }()
	chats, err := m.listChatsWhere(ctx, studentID, "", nil)
	if err != nil {
		return nil, err
	}
	success = true
	return chats, nil
}

// ListUnprocessedChats returns chats awaiting an enrichment pass, oldest first.
func (m *Manager) ListUnprocessedChats(ctx context.Context, studentID string) ([]apptype.Chat, error) {
	return m.listChatsWhere(ctx, studentID, "WHERE processed = 0", nil)
}

// ListStaleChats returns processed chats whose last message advanced past
// the timestamp recorded at processing time.
func (m *Manager) ListStaleChats(ctx context.Context, studentID string) ([]apptype.Chat, error) {
	return m.listChatsWhere(ctx, studentID,
		"WHERE processed = 1 AND last_message_at > COALESCE(processed_last_message_at, processed_at)", nil)
}

func (m *Manager) listChatsWhere(ctx context.Context, studentID string, where string, args []any) ([]apptype.Chat, error) {
	db, err := m.getDB(studentID)
	if err != nil {
		return nil, err
	}

	query := "SELECT " + chatColumns + " FROM chats " + where + " ORDER BY created_at, id"
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	chats := []apptype.Chat{}
	for rows.Next() {
		chat, err := scanChat(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		chats = append(chats, *chat)
	}
	return chats, rows.Err()
}

// DeleteChat removes a chat and its messages.
func (m *Manager) DeleteChat(ctx context.Context, studentID string, chatID string) error {
	done := metrics.TimeOp("db_delete_chat")
	success := false
	defer func() { done(success) }()
	db, err := m.getDB(studentID)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM chats WHERE id = ?", chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("chat not found: %s", chatID)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	success = true
	return nil
}

// SetProcessed flips a chat's processed flag. When marking processed, the
// last message timestamp seen by the completed pass is recorded so later
// staleness checks have a stable reference. When marking unprocessed, the
// processing timestamps are cleared; stores written by earlier passes are
// untouched (pure metadata flip).
func (m *Manager) SetProcessed(ctx context.Context, studentID string, chatID string, processed bool, lastMessageAt *time.Time) error {
	done := metrics.TimeOp("db_set_processed")
	success := false
	defer func() { done(success) }()
	db, err := m.getDB(studentID)
	if err != nil {
		return err
	}

	var result sql.Result
	if processed {
		now := formatSQLTime(time.Now())
		var seen any
		if lastMessageAt != nil {
			seen = formatSQLTime(*lastMessageAt)
		}
		result, err = db.ExecContext(ctx,
			"UPDATE chats SET processed = 1, processed_at = ?, processed_last_message_at = ? WHERE id = ?",
			now, seen, chatID)
	} else {
		result, err = db.ExecContext(ctx,
			"UPDATE chats SET processed = 0, processed_at = NULL, processed_last_message_at = NULL WHERE id = ?",
			chatID)
	}
	if err != nil {
		return fmt.Errorf("failed to set processed flag for chat %q: %w", chatID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("chat not found: %s", chatID)
	}

	success = true
	return nil
}
