package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/koreamedinfo/newsdigest/internal/digest"
)

// QueueStore implements digest.QueueStore on Postgres.
type QueueStore struct {
	pool       db
	maxRetries int
}

// NewQueueStore creates a QueueStore over an open pool. maxRetries bounds
// which failed entries DequeuePending still hands back.
func NewQueueStore(pool db, maxRetries int) *QueueStore {
	return &QueueStore{pool: pool, maxRetries: maxRetries}
}

// Enqueue inserts a parked delivery.
func (s *QueueStore) Enqueue(ctx context.Context, entry digest.QueueEntry) error {
	query := `
		INSERT INTO email_queue (id, email, subject, content, status, retry_count, scheduled_for, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
	`
	_, err := s.pool.Exec(ctx, query,
		entry.ID,
		entry.Email,
		entry.Subject,
		entry.Content,
		string(entry.Status),
		entry.RetryCount,
		entry.ScheduledFor,
		entry.Error,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue email: %w", err)
	}
	return nil
}

// DequeuePending returns entries due at or before now that have retries
// left, oldest first. Failed status only means the last attempt failed;
// such entries stay eligible until the retry cap.
func (s *QueueStore) DequeuePending(ctx context.Context, now time.Time) ([]digest.QueueEntry, error) {
	query := `
		SELECT id, email, subject, content, status, retry_count, scheduled_for, error, created_at
		FROM email_queue
		WHERE scheduled_for <= $1 AND retry_count < $2
		ORDER BY scheduled_for ASC, created_at ASC;
	`
	rows, err := s.pool.Query(ctx, query, now, s.maxRetries)
	if err != nil {
		return nil, fmt.Errorf("dequeue pending: %w", err)
	}
	defer rows.Close()

	var entries []digest.QueueEntry
	for rows.Next() {
		var entry digest.QueueEntry
		var status string
		err := rows.Scan(
			&entry.ID,
			&entry.Email,
			&entry.Subject,
			&entry.Content,
			&status,
			&entry.RetryCount,
			&entry.ScheduledFor,
			&entry.Error,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		entry.Status = digest.QueueEntryStatus(status)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Delete removes a queue entry.
func (s *QueueStore) Delete(ctx context.Context, id string) error {
	res, err := s.pool.Exec(ctx, `DELETE FROM email_queue WHERE id = $1;`, id)
	if err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	if res.RowsAffected() == 0 {
		return digest.ErrNotFound
	}
	return nil
}

// MarkFailed records another failed attempt on an entry.
func (s *QueueStore) MarkFailed(ctx context.Context, id string, errText string) error {
	query := `
		UPDATE email_queue
		SET status = $1, retry_count = retry_count + 1, error = $2
		WHERE id = $3;
	`
	res, err := s.pool.Exec(ctx, query, string(digest.QueueFailed), errText, id)
	if err != nil {
		return fmt.Errorf("mark queue entry failed: %w", err)
	}
	if res.RowsAffected() == 0 {
		return digest.ErrNotFound
	}
	return nil
}
