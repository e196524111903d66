package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Delivery statuses.
const (
	StatusQueued    = "queued"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Delivery is one journal entry for an inbound message.
type Delivery struct {
	ID          string `json:"id"`
	Mind        string `json:"mind"`
	Session     string `json:"session,omitempty"`
	Destination string `json:"destination"`
	Mode        string `json:"mode"`
	Channel     string `json:"channel,omitempty"`
	Sender      string `json:"sender,omitempty"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
	CreatedAt   int64  `json:"createdAt"` // unix ms
	UpdatedAt   int64  `json:"updatedAt"` // unix ms
}

// DeliveryFilter narrows ListDeliveries.
type DeliveryFilter struct {
	Mind   string
	Status string
	Limit  int
}

// SaveDelivery inserts or replaces a journal entry.
func (s *Store) SaveDelivery(ctx context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if d.CreatedAt == 0 {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
	INSERT OR REPLACE INTO deliveries (
		id, mind, session, destination, mode, channel, sender,
		status, error, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Mind, d.Session, d.Destination, d.Mode, d.Channel, d.Sender,
		d.Status, sql.NullString{String: d.Error, Valid: d.Error != ""},
		d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save delivery: %w", err)
	}
	return nil
}

// UpdateDeliveryStatus records the outcome of a delivery.
func (s *Store) UpdateDeliveryStatus(ctx context.Context, id, status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, sql.NullString{String: errMsg, Valid: errMsg != ""}, time.Now().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update delivery: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("delivery not found: %s", id)
	}
	return nil
}

// GetDelivery returns one journal entry, or nil if unknown.
func (s *Store) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
	SELECT id, mind, session, destination, mode, channel, sender, status, error, created_at, updated_at
	FROM deliveries WHERE id = ?`, id)
	d, err := scanDelivery(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return d, err
}

// ListDeliveries returns journal entries, newest first.
func (s *Store) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
	SELECT id, mind, session, destination, mode, channel, sender, status, error, created_at, updated_at
	FROM deliveries WHERE 1=1`
	var args []any
	if f.Mind != "" {
		query += ` AND mind = ?`
		args = append(args, f.Mind)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deliveries: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDelivery(row scanner) (*Delivery, error) {
	d := &Delivery{}
	var errMsg sql.NullString
	err := row.Scan(&d.ID, &d.Mind, &d.Session, &d.Destination, &d.Mode, &d.Channel, &d.Sender,
		&d.Status, &errMsg, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan delivery: %w", err)
	}
	d.Error = errMsg.String
	return d, nil
}
