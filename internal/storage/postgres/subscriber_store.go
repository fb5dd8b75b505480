package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/koreamedinfo/newsdigest/internal/digest"
)

// SubscriberStore implements digest.SubscriberStore on Postgres.
type SubscriberStore struct {
	pool db
}

// NewSubscriberStore creates a SubscriberStore over an open pool.
func NewSubscriberStore(pool db) *SubscriberStore {
	return &SubscriberStore{pool: pool}
}

// Close closes the underlying pool.
func (s *SubscriberStore) Close() {
	s.pool.Close()
}

// ListDue returns subscribers who have not yet received a newsletter on
// now's UTC day, oldest first.
func (s *SubscriberStore) ListDue(ctx context.Context, now time.Time) ([]digest.Subscriber, error) {
	query := `
		SELECT id, email, name, phone, company, created_at, last_sent_at
		FROM news_subscribers
		WHERE last_sent_at IS NULL OR last_sent_at < $1
		ORDER BY created_at ASC, id ASC;
	`
	dayStart := now.UTC().Truncate(24 * time.Hour)
	rows, err := s.pool.Query(ctx, query, dayStart)
	if err != nil {
		return nil, fmt.Errorf("list due subscribers: %w", err)
	}
	defer rows.Close()

	var subs []digest.Subscriber
	for rows.Next() {
		var sub digest.Subscriber
		err := rows.Scan(
			&sub.ID,
			&sub.Email,
			&sub.Name,
			&sub.Phone,
			&sub.Company,
			&sub.CreatedAt,
			&sub.LastSentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscriber row: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// MarkSent stamps a subscriber's last_sent_at.
func (s *SubscriberStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE news_subscribers SET last_sent_at = $1 WHERE id = $2;`
	res, err := s.pool.Exec(ctx, query, at, id)
	if err != nil {
		return fmt.Errorf("mark subscriber sent: %w", err)
	}
	if res.RowsAffected() == 0 {
		return digest.ErrNotFound
	}
	return nil
}

// MarkSentByEmail stamps last_sent_at by address, used when draining the
// retry queue where only the address is known.
func (s *SubscriberStore) MarkSentByEmail(ctx context.Context, email string, at time.Time) error {
	query := `UPDATE news_subscribers SET last_sent_at = $1 WHERE email = $2;`
	res, err := s.pool.Exec(ctx, query, at, email)
	if err != nil {
		return fmt.Errorf("mark subscriber sent by email: %w", err)
	}
	if res.RowsAffected() == 0 {
		return digest.ErrNotFound
	}
	return nil
}

// Get retrieves a single subscriber by id.
func (s *SubscriberStore) Get(ctx context.Context, id string) (digest.Subscriber, error) {
	query := `
		SELECT id, email, name, phone, company, created_at, last_sent_at
		FROM news_subscribers
		WHERE id = $1;
	`
	var sub digest.Subscriber
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&sub.ID,
		&sub.Email,
		&sub.Name,
		&sub.Phone,
		&sub.Company,
		&sub.CreatedAt,
		&sub.LastSentAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return digest.Subscriber{}, digest.ErrNotFound
		}
		return digest.Subscriber{}, fmt.Errorf("get subscriber: %w", err)
	}
	return sub, nil
}
