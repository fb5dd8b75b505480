// Package digest defines core types shared across subsystems.
package digest

import "time"

// Article is one normalized news item produced by the search client.
type Article struct {
	Title         string    `json:"title"`
	Link          string    `json:"link"`
	Description   string    `json:"description"`
	PublishedAt   time.Time `json:"published_at"`
	SourceKeyword string    `json:"source_keyword"`
}

// CategoryDigest groups the deduplicated articles of one category, newest first.
type CategoryDigest struct {
	Name     string    `json:"name"`
	Articles []Article `json:"articles"`
}

// Digest is the composed payload ready for delivery. Empty categories have
// already been dropped; a Digest with no categories means "nothing to send".
type Digest struct {
	Subject     string           `json:"subject"`
	HTML        string           `json:"html"`
	Categories  []CategoryDigest `json:"categories"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// Empty reports whether the digest carries no articles at all.
func (d Digest) Empty() bool {
	return len(d.Categories) == 0
}

// ArticleCount sums the articles across all categories.
func (d Digest) ArticleCount() int {
	n := 0
	for _, c := range d.Categories {
		n += len(c.Articles)
	}
	return n
}

// Subscriber is one newsletter recipient. Created by the external subscribe
// endpoint; this service only reads rows and advances LastSentAt.
type Subscriber struct {
	ID         string     `json:"id"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
	Phone      string     `json:"phone,omitempty"`
	Company    string     `json:"company,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSentAt *time.Time `json:"last_sent_at,omitempty"`
}

// QueueEntryStatus is the lifecycle state of a dead-letter queue entry.
type QueueEntryStatus string

// Queue entry states persisted in the email queue.
const (
	QueuePending QueueEntryStatus = "pending"
	QueueFailed  QueueEntryStatus = "failed"
)

// QueueEntry is a persisted delivery that must be retried by a later run.
// RetryCount only ever increases; past MaxRetries the entry is terminal.
type QueueEntry struct {
	ID           string           `json:"id"`
	Email        string           `json:"email"`
	Subject      string           `json:"subject"`
	Content      string           `json:"content"`
	Status       QueueEntryStatus `json:"status"`
	RetryCount   int              `json:"retry_count"`
	ScheduledFor time.Time        `json:"scheduled_for"`
	Error        string           `json:"error,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Email log outcome values.
const (
	LogStatusSuccess = "success"
	LogStatusFailed  = "failed"
)

// EmailLog is one append-only delivery outcome record.
type EmailLog struct {
	Email    string    `json:"email"`
	Status   string    `json:"status"`
	Provider string    `json:"provider"`
	SentAt   time.Time `json:"sent_at"`
}

// RunMetrics is the per-run aggregate row read by the monitoring collaborator.
type RunMetrics struct {
	TotalSubscribers int       `json:"total_subscribers"`
	ProcessedEmails  int       `json:"processed_emails"`
	SuccessCount     int       `json:"success_count"`
	FailureCount     int       `json:"failure_count"`
	ExecutionMs      int64     `json:"execution_ms"`
	Batches          int       `json:"batches"`
	CreatedAt        time.Time `json:"created_at"`
}

// Message is one outbound mail hand-off to the provider.
type Message struct {
	To       string
	Subject  string
	HTML     string
	SaveCopy bool
}

// DeliveryReport summarizes one delivery pass over a subscriber set.
type DeliveryReport struct {
	SuccessCount int      `json:"success_count"`
	FailureCount int      `json:"failure_count"`
	FailedEmails []string `json:"failed_emails,omitempty"`
	Batches      int      `json:"batches"`
	// Unprocessed holds the subscribers the wall-clock budget cut off before
	// any attempt was made; the coordinator requeues them for the next
	// invocation.
	Unprocessed []Subscriber `json:"unprocessed,omitempty"`
}

// RunStatus is the terminal state of one coordinator invocation.
type RunStatus string

// Run outcomes reported to the trigger caller.
const (
	RunCompleted     RunStatus = "completed"
	RunPartial       RunStatus = "partial"
	RunNoNews        RunStatus = "no_news"
	RunNoSubscribers RunStatus = "no_subscribers"
)

// RunSummary is returned by the coordinator and published for monitoring.
type RunSummary struct {
	RunID          string    `json:"run_id"`
	Status         RunStatus `json:"status"`
	Message        string    `json:"message"`
	TotalProcessed int       `json:"total_processed"`
	SuccessCount   int       `json:"success_count"`
	FailureCount   int       `json:"failure_count"`
	FailedEmails   []string  `json:"failed_emails,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	ElapsedMs      int64     `json:"elapsed_ms"`
	ArchiveURI     string    `json:"archive_uri,omitempty"`
}
