package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/auralabs/aura/internal/domain"
	"github.com/auralabs/aura/internal/shared"
	"github.com/google/uuid"
)

const messageColumns = `id, idx, role, content, status, metadata, timestamp`

// CreateSession inserts a new, empty session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
	INSERT INTO chat_sessions (session_id, user_id, start_time, status, message_count, created_at, updated_at)
	VALUES (?, ?, ?, ?, 0, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.SessionID, session.UserID, session.StartTime.UnixMilli(), string(session.Status),
		session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns a session with every message in index order.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := s.GetSessionInfo(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	msgs, err := s.GetMessages(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}
	session.Messages = msgs
	return session, nil
}

// GetSessionInfo returns the session row without messages.
func (s *SQLiteStore) GetSessionInfo(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, user_id, start_time, status, message_count, created_at, updated_at
		FROM chat_sessions WHERE session_id = ?`

	session, err := scanSQLiteSession(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns a user's sessions newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT session_id, user_id, start_time, status, message_count, created_at, updated_at
		FROM chat_sessions WHERE user_id = ?
		ORDER BY created_at DESC, session_id
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	sessions := []domain.Session{}
	for rows.Next() {
		session, err := scanSQLiteSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// AppendMessages reserves len(msgs) positions by bumping message_count and
// writes the rows in the same transaction.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, msgs []domain.Message) (int, error) {
	if len(msgs) == 0 {
		return 0, fmt.Errorf("append messages: nothing to append")
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	var newCount int
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "append messages", func() error {
		n, err := s.appendOnce(ctx, sessionID, msgs)
		if err != nil {
			return err
		}
		newCount = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	return newCount, nil
}

func (s *SQLiteStore) appendOnce(ctx context.Context, sessionID string, msgs []domain.Message) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	err = tx.QueryRowContext(ctx,
		`UPDATE chat_sessions SET message_count = message_count + ?, updated_at = ?
		 WHERE session_id = ? RETURNING message_count`,
		len(msgs), time.Now().UnixMilli(), sessionID,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrSessionNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reserve message slots: %w", err)
	}

	start := count - len(msgs)
	for i := range msgs {
		m := &msgs[i]
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		m.Index = start + i

		md, err := encodeMetadata(m.Metadata)
		if err != nil {
			return 0, err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO chat_messages (session_id, idx, id, role, content, status, metadata, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, m.Index, m.ID, string(m.Role), m.Content, string(m.Status), md, m.Timestamp.UnixMilli(),
		)
		if err != nil {
			return 0, fmt.Errorf("insert message %d: %w", m.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return count, nil
}

// UpdateMessageFields writes only the named columns of one message row.
func (s *SQLiteStore) UpdateMessageFields(ctx context.Context, sessionID string, index int, update domain.MessageUpdate) error {
	if update.Empty() {
		return nil
	}
	update = foldMetadataError(update)

	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *update.Content)
	}
	if update.Metadata != nil {
		md, err := encodeMetadata(update.Metadata)
		if err != nil {
			return err
		}
		sets = append(sets, "metadata = ?")
		args = append(args, md)
	}
	if update.MetadataError != nil {
		sets = append(sets, "metadata = json_set(COALESCE(metadata, '{}'), '$.error', ?)")
		args = append(args, *update.MetadataError)
	}

	query := `UPDATE chat_messages SET ` + strings.Join(sets, ", ") + ` WHERE session_id = ? AND idx = ?`
	args = append(args, sessionID, index)

	var rows int64
	err := shared.RetryOnConflict(ctx, shared.DefaultRetryPolicy, "update message", func() error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update message: %w", err)
		}
		rows, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.GetSessionInfo(ctx, sessionID); err != nil {
			return err
		}
		return domain.ErrMessageNotFound
	}
	return nil
}

// GetMessage returns the message at index.
func (s *SQLiteStore) GetMessage(ctx context.Context, sessionID string, index int) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM chat_messages WHERE session_id = ? AND idx = ?`

	msg, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, query, sessionID, index))
	if errors.Is(err, sql.ErrNoRows) {
		if _, serr := s.GetSessionInfo(ctx, sessionID); serr != nil {
			return nil, serr
		}
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return msg, nil
}

// GetMessages returns messages in index order starting at skip.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit, skip int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	if skip < 0 {
		skip = 0
	}
	query := `SELECT ` + messageColumns + ` FROM chat_messages
		WHERE session_id = ? ORDER BY idx LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, limit, skip)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	msgs := []domain.Message{}
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

// UpdateSessionStatus sets the lifecycle status of a session.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chat_sessions SET status = ?, updated_at = ? WHERE session_id = ?`,
		string(status), time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// SaveSessionAnalysis upserts the review of a session.
func (s *SQLiteStore) SaveSessionAnalysis(ctx context.Context, analysis *domain.SessionAnalysis) error {
	body, err := encodeSessionAnalysis(analysis)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO session_analyses (session_id, analysis, analyzed_at)
		SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM chat_sessions WHERE session_id = ?)
		ON CONFLICT (session_id) DO UPDATE SET analysis = excluded.analysis, analyzed_at = excluded.analyzed_at`,
		analysis.SessionID, string(body), analysis.AnalyzedAt.UnixMilli(), analysis.SessionID)
	if err != nil {
		return fmt.Errorf("save session analysis: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save session analysis: %w", err)
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// GetSessionAnalysis returns the stored review of a session.
func (s *SQLiteStore) GetSessionAnalysis(ctx context.Context, sessionID string) (*domain.SessionAnalysis, error) {
	var body string
	var analyzedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT analysis, analyzed_at FROM session_analyses WHERE session_id = ?`, sessionID,
	).Scan(&body, &analyzedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAnalysisNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session analysis: %w", err)
	}
	return decodeSessionAnalysis(sessionID, []byte(body), time.UnixMilli(analyzedAt))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var status string
	var start, createdAt, updatedAt int64
	if err := row.Scan(&session.SessionID, &session.UserID, &start, &status,
		&session.MessageCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	session.Status = domain.SessionStatus(status)
	session.StartTime = time.UnixMilli(start)
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	return &session, nil
}

func scanSQLiteMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var role, status string
	var metadata sql.NullString
	var ts int64
	if err := row.Scan(&msg.ID, &msg.Index, &role, &msg.Content, &status, &metadata, &ts); err != nil {
		return nil, err
	}
	msg.Role = domain.Role(role)
	msg.Status = domain.MessageStatus(status)
	msg.Timestamp = time.UnixMilli(ts)
	if metadata.Valid {
		md, err := decodeMetadata([]byte(metadata.String))
		if err != nil {
			return nil, err
		}
		msg.Metadata = md
	}
	return &msg, nil
}
