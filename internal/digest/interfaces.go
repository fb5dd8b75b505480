package digest

import (
	"context"
	"io"
	"time"
)

// SubscriberStore reads recipients and advances their last-sent marker.
type SubscriberStore interface {
	// ListDue returns subscribers whose LastSentAt is null or before the start
	// of asOf's calendar day, ordered by creation time.
	ListDue(ctx context.Context, asOf time.Time) ([]Subscriber, error)
	MarkSent(ctx context.Context, subscriberID string, at time.Time) error
	// MarkSentByEmail exists for queue entries, which carry no subscriber ID.
	MarkSentByEmail(ctx context.Context, email string, at time.Time) error
}

// QueueStore persists the dead-letter/resumption queue.
type QueueStore interface {
	Enqueue(ctx context.Context, entry QueueEntry) error
	// DequeuePending returns pending entries whose ScheduledFor has elapsed.
	DequeuePending(ctx context.Context, asOf time.Time) ([]QueueEntry, error)
	Delete(ctx context.Context, entryID string) error
	// MarkFailed records another exhausted attempt; the store bumps the
	// entry's retry count.
	MarkFailed(ctx context.Context, entryID string, errText string) error
}

// LogStore appends delivery outcomes and serves the monitor endpoint.
type LogStore interface {
	Append(ctx context.Context, entry EmailLog) error
	Recent(ctx context.Context, limit int) ([]EmailLog, error)
}

// MetricsStore persists per-run aggregates and answers the daily quota check.
type MetricsStore interface {
	RecordRun(ctx context.Context, metrics RunMetrics) error
	// ProcessedSince sums processed emails across runs recorded at or after the cutoff.
	ProcessedSince(ctx context.Context, cutoff time.Time) (int, error)
}

// Mailer hands one message to the external mail provider.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SearchProvider fetches fresh articles for one keyword.
type SearchProvider interface {
	FetchArticles(ctx context.Context, keyword string) ([]Article, error)
}

// Notifier alerts a human operator about fatal conditions.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// BlobStore archives rendered digests and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run-summary events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run and queue-entry IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
