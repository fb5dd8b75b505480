// Package memory holds in-process stores used in development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/koreamedinfo/newsdigest/internal/digest"
)

// SubscriberStore keeps subscribers in a map keyed by id.
type SubscriberStore struct {
	mu   sync.RWMutex
	subs map[string]digest.Subscriber
}

func NewSubscriberStore() *SubscriberStore {
	return &SubscriberStore{subs: make(map[string]digest.Subscriber)}
}

// Put inserts or replaces a subscriber.
func (s *SubscriberStore) Put(sub digest.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[sub.ID] = sub
}

// ListDue returns subscribers whose lastSentAt is unset or older than the
// start of now's UTC day, ordered by creation time.
func (s *SubscriberStore) ListDue(_ context.Context, now time.Time) ([]digest.Subscriber, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []digest.Subscriber
	for _, sub := range s.subs {
		if sub.LastSentAt == nil || sub.LastSentAt.Before(dayStart) {
			due = append(due, sub)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	return due, nil
}

func (s *SubscriberStore) MarkSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return digest.ErrNotFound
	}
	sub.LastSentAt = &at
	s.subs[id] = sub
	return nil
}

func (s *SubscriberStore) MarkSentByEmail(_ context.Context, email string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.subs {
		if sub.Email == email {
			sub.LastSentAt = &at
			s.subs[id] = sub
			return nil
		}
	}
	return digest.ErrNotFound
}

// QueueStore keeps parked deliveries in insertion order.
type QueueStore struct {
	mu         sync.Mutex
	maxRetries int
	entries    []digest.QueueEntry
}

func NewQueueStore(maxRetries int) *QueueStore {
	return &QueueStore{maxRetries: maxRetries}
}

func (q *QueueStore) Enqueue(_ context.Context, entry digest.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entry)
	return nil
}

// DequeuePending returns entries due at or before now with retries left,
// oldest first. Both pending and failed entries qualify; failed only means
// the last attempt did not go through. Entries at the retry cap are
// terminal and never handed out again.
func (q *QueueStore) DequeuePending(_ context.Context, now time.Time) ([]digest.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []digest.QueueEntry
	for _, e := range q.entries {
		if !e.ScheduledFor.After(now) && e.RetryCount < q.maxRetries {
			due = append(due, e)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	return due, nil
}

func (q *QueueStore) Delete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return digest.ErrNotFound
}

func (q *QueueStore) MarkFailed(_ context.Context, id string, errText string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.ID == id {
			e.Status = digest.QueueFailed
			e.RetryCount++
			e.Error = errText
			q.entries[i] = e
			return nil
		}
	}
	return digest.ErrNotFound
}

// Len reports how many entries are parked.
func (q *QueueStore) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of everything in the queue.
func (q *QueueStore) Entries() []digest.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]digest.QueueEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// LogStore keeps per-message delivery outcomes.
type LogStore struct {
	mu   sync.Mutex
	logs []digest.EmailLog
}

func NewLogStore() *LogStore {
	return &LogStore{}
}

func (l *LogStore) Append(_ context.Context, entry digest.EmailLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, entry)
	return nil
}

// Recent returns up to limit log entries, newest first.
func (l *LogStore) Recent(_ context.Context, limit int) ([]digest.EmailLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]digest.EmailLog, len(l.logs))
	copy(out, l.logs)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SentAt.After(out[j].SentAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MetricsStore keeps per-run totals.
type MetricsStore struct {
	mu   sync.Mutex
	runs []digest.RunMetrics
}

func NewMetricsStore() *MetricsStore {
	return &MetricsStore{}
}

func (m *MetricsStore) RecordRun(_ context.Context, rm digest.RunMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, rm)
	return nil
}

// ProcessedSince sums emails processed by runs recorded at or after since.
func (m *MetricsStore) ProcessedSince(_ context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, rm := range m.runs {
		if !rm.CreatedAt.Before(since) {
			total += rm.ProcessedEmails
		}
	}
	return total, nil
}

// Runs returns a copy of the recorded runs.
func (m *MetricsStore) Runs() []digest.RunMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]digest.RunMetrics, len(m.runs))
	copy(out, m.runs)
	return out
}
