package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/koreamedinfo/newsdigest/internal/digest"
)

// LogStore implements digest.LogStore on Postgres.
type LogStore struct {
	pool db
}

// NewLogStore creates a LogStore over an open pool.
func NewLogStore(pool db) *LogStore {
	return &LogStore{pool: pool}
}

// Append records one delivery outcome.
func (s *LogStore) Append(ctx context.Context, entry digest.EmailLog) error {
	query := `
		INSERT INTO email_logs (email, status, provider, sent_at)
		VALUES ($1, $2, $3, $4);
	`
	_, err := s.pool.Exec(ctx, query, entry.Email, entry.Status, entry.Provider, entry.SentAt)
	if err != nil {
		return fmt.Errorf("append email log: %w", err)
	}
	return nil
}

// Recent returns up to limit log entries, newest first.
func (s *LogStore) Recent(ctx context.Context, limit int) ([]digest.EmailLog, error) {
	query := `
		SELECT email, status, provider, sent_at
		FROM email_logs
		ORDER BY sent_at DESC
		LIMIT $1;
	`
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent logs: %w", err)
	}
	defer rows.Close()

	var logs []digest.EmailLog
	for rows.Next() {
		var entry digest.EmailLog
		if err := rows.Scan(&entry.Email, &entry.Status, &entry.Provider, &entry.SentAt); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// MetricsStore implements digest.MetricsStore on Postgres.
type MetricsStore struct {
	pool db
}

// NewMetricsStore creates a MetricsStore over an open pool.
func NewMetricsStore(pool db) *MetricsStore {
	return &MetricsStore{pool: pool}
}

// RecordRun persists one run's totals.
func (s *MetricsStore) RecordRun(ctx context.Context, rm digest.RunMetrics) error {
	query := `
		INSERT INTO newsletter_metrics (total_subscribers, processed_emails, success_count, failure_count, execution_ms, batches, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7);
	`
	_, err := s.pool.Exec(ctx, query,
		rm.TotalSubscribers,
		rm.ProcessedEmails,
		rm.SuccessCount,
		rm.FailureCount,
		rm.ExecutionMs,
		rm.Batches,
		rm.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record run metrics: %w", err)
	}
	return nil
}

// ProcessedSince sums emails processed by runs recorded at or after since.
// The trigger endpoint uses it to enforce the daily send quota.
func (s *MetricsStore) ProcessedSince(ctx context.Context, since time.Time) (int, error) {
	query := `
		SELECT COALESCE(SUM(processed_emails), 0)
		FROM newsletter_metrics
		WHERE created_at >= $1;
	`
	var total int
	if err := s.pool.QueryRow(ctx, query, since).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum processed emails: %w", err)
	}
	return total, nil
}
