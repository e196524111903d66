package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DeadLetter is a message that could not be handed to its mind.
type DeadLetter struct {
	ID         string `json:"id"`
	MessageID  string `json:"messageId,omitempty"`
	Mind       string `json:"mind"`
	Session    string `json:"session,omitempty"`
	Source     string `json:"source"` // batch, immediate
	Message    string `json:"message"`
	Error      string `json:"error"`
	CreatedAt  int64  `json:"createdAt"`
	RetryCount int    `json:"retryCount"`
	ResolvedAt int64  `json:"resolvedAt,omitempty"` // 0 = unresolved
}

// SaveDeadLetter saves a dead letter
func (s *Store) SaveDeadLetter(ctx context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dl.CreatedAt == 0 {
		dl.CreatedAt = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
	INSERT OR REPLACE INTO dead_letters (
		id, message_id, mind, session, source, message, error,
		created_at, retry_count, resolved_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, sql.NullString{String: dl.MessageID, Valid: dl.MessageID != ""},
		dl.Mind, dl.Session, dl.Source, dl.Message, dl.Error,
		dl.CreatedAt, dl.RetryCount,
		sql.NullInt64{Int64: dl.ResolvedAt, Valid: dl.ResolvedAt != 0},
	)
	if err != nil {
		return fmt.Errorf("failed to save dead letter: %w", err)
	}
	return nil
}

const deadLetterColumns = `id, message_id, mind, session, source, message, error, created_at, retry_count, resolved_at`

// ListDeadLetters returns dead letters oldest first. Resolved entries are
// included only when includeResolved is set.
func (s *Store) ListDeadLetters(ctx context.Context, includeResolved bool, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + deadLetterColumns + ` FROM dead_letters`
	if !includeResolved {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at ASC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var dls []*DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		dls = append(dls, dl)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}
	return dls, nil
}

// GetDeadLetter returns one dead letter, or nil if unknown.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+deadLetterColumns+` FROM dead_letters WHERE id = ?`, id)
	dl, err := scanDeadLetter(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return dl, err
}

func scanDeadLetter(row scanner) (*DeadLetter, error) {
	dl := &DeadLetter{}
	var messageID sql.NullString
	var resolved sql.NullInt64
	err := row.Scan(&dl.ID, &messageID, &dl.Mind, &dl.Session, &dl.Source, &dl.Message, &dl.Error,
		&dl.CreatedAt, &dl.RetryCount, &resolved)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dead letter: %w", err)
	}
	dl.MessageID = messageID.String
	dl.ResolvedAt = resolved.Int64
	return dl, nil
}

// IncrementRetry records a failed redelivery attempt.
func (s *Store) IncrementRetry(ctx context.Context, id, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE dead_letters SET retry_count = retry_count + 1, error = ? WHERE id = ?`, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to increment retry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("dead letter not found: %s", id)
	}
	return nil
}

// ResolveDeadLetter marks a dead letter as resolved
func (s *Store) ResolveDeadLetter(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `UPDATE dead_letters SET resolved_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("dead letter not found: %s", id)
	}
	return nil
}
