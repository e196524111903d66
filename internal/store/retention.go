package store

import (
	"context"
	"fmt"
	"time"
)

// RunRetention cleans up old data according to retention policies
func (s *Store) RunRetention(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()

	// Journal entries older than 7 days
	sevenDaysAgo := now - (7 * 24 * 60 * 60 * 1000)
	res, err := s.db.ExecContext(ctx, "DELETE FROM deliveries WHERE created_at < ?", sevenDaysAgo)
	if err != nil {
		return fmt.Errorf("failed to delete old deliveries: %w", err)
	}
	journal, _ := res.RowsAffected()

	// Resolved dead letters older than 24 hours
	oneDayAgo := now - (24 * 60 * 60 * 1000)
	res, err = s.db.ExecContext(ctx,
		"DELETE FROM dead_letters WHERE resolved_at IS NOT NULL AND resolved_at < ?",
		oneDayAgo,
	)
	if err != nil {
		return fmt.Errorf("failed to delete old dead letters: %w", err)
	}
	dead, _ := res.RowsAffected()

	if journal > 0 || dead > 0 {
		s.logger.Info().Int64("deliveries", journal).Int64("dead_letters", dead).Msg("retention pruned rows")
	}
	return nil
}

// RunRetentionLoop prunes once per interval until ctx is cancelled.
func (s *Store) RunRetentionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunRetention(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("retention failed")
			}
		}
	}
}

// DBSizeBytes returns the database size in bytes
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount int64
	var pageSize int64

	err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	err = s.db.QueryRow("PRAGMA page_size").Scan(&pageSize)
	if err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}
	return pageCount * pageSize, nil
}
