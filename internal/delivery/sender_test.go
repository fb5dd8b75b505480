package delivery_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/koreamedinfo/newsdigest/internal/config"
	"github.com/koreamedinfo/newsdigest/internal/delivery"
	"github.com/koreamedinfo/newsdigest/internal/digest"
	"github.com/koreamedinfo/newsdigest/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

// fakeMailer fails every send to addresses in failing, and returns fatal for
// addresses in fatal. It records attempts per address.
type fakeMailer struct {
	mu       sync.Mutex
	failing  map[string]bool
	fatal    map[string]bool
	attempts map[string]int
}

func newFakeMailer() *fakeMailer {
	return &fakeMailer{
		failing:  make(map[string]bool),
		fatal:    make(map[string]bool),
		attempts: make(map[string]int),
	}
}

func (m *fakeMailer) Send(_ context.Context, msg digest.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts[msg.To]++
	if m.fatal[msg.To] {
		return digest.Fatal(errors.New("token rejected"))
	}
	if m.failing[msg.To] {
		return errors.New("mailbox unavailable")
	}
	return nil
}

func (m *fakeMailer) attemptsFor(addr string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[addr]
}

func deliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		BatchSize:         2,
		BatchDelaySeconds: 0,
		RetryDelaysMs:     []int{1, 1, 1},
		MaxQueueRetries:   3,
	}
}

func subscribers(n int) []digest.Subscriber {
	subs := make([]digest.Subscriber, n)
	for i := range subs {
		subs[i] = digest.Subscriber{
			ID:        fmt.Sprintf("sub-%d", i+1),
			Email:     fmt.Sprintf("reader%d@example.com", i+1),
			CreatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute),
		}
	}
	return subs
}

func newSender(m digest.Mailer, subs *memory.SubscriberStore, queue *memory.QueueStore, logs *memory.LogStore, clock digest.Clock) *delivery.Sender {
	return delivery.New(deliveryConfig(), m, subs, queue, logs, &seqIDs{}, clock, zap.NewNop())
}

func testDigest() digest.Digest {
	return digest.Digest{
		Subject: "[News Digest] 2026-08-28",
		HTML:    "<p>digest</p>",
		Categories: []digest.CategoryDigest{
			{Name: "Devices", Articles: []digest.Article{{Title: "t", Link: "https://a/1"}}},
		},
	}
}

func TestDeliverPartialFailureIsIsolated(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Date(2026, 8, 28, 7, 0, 0, 0, time.UTC)}
	subsStore := memory.NewSubscriberStore()
	queue := memory.NewQueueStore(3)
	logs := memory.NewLogStore()
	mail := newFakeMailer()
	mail.failing["reader3@example.com"] = true

	subs := subscribers(5)
	for _, s := range subs {
		subsStore.Put(s)
	}

	sender := newSender(mail, subsStore, queue, logs, clock)
	report, err := sender.Deliver(context.Background(), testDigest(), subs)
	require.NoError(t, err)
	require.Equal(t, 4, report.SuccessCount)
	require.Equal(t, 1, report.FailureCount)
	require.Equal(t, []string{"reader3@example.com"}, report.FailedEmails)
	require.Empty(t, report.Unprocessed)
	require.Equal(t, 3, report.Batches)

	// The failing address got the full retry ladder.
	require.Equal(t, 4, mail.attemptsFor("reader3@example.com"))
	require.Equal(t, 1, mail.attemptsFor("reader1@example.com"))

	// It was dead-lettered with the digest content.
	entries := queue.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "reader3@example.com", entries[0].Email)
	require.Equal(t, digest.QueueFailed, entries[0].Status)
	require.Equal(t, "<p>digest</p>", entries[0].Content)

	// Successes got their last-sent marker; the failure did not.
	due, err := subsStore.ListDue(context.Background(), clock.now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "reader3@example.com", due[0].Email)
}

func TestDeliverRecordsOutcomes(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Date(2026, 8, 28, 7, 0, 0, 0, time.UTC)}
	subsStore := memory.NewSubscriberStore()
	queue := memory.NewQueueStore(3)
	logs := memory.NewLogStore()
	mail := newFakeMailer()
	mail.failing["reader2@example.com"] = true

	subs := subscribers(2)
	for _, s := range subs {
		subsStore.Put(s)
	}

	sender := newSender(mail, subsStore, queue, logs, clock)
	_, err := sender.Deliver(context.Background(), testDigest(), subs)
	require.NoError(t, err)

	recent, err := logs.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	byEmail := map[string]string{}
	for _, entry := range recent {
		byEmail[entry.Email] = entry.Status
	}
	require.Equal(t, digest.LogStatusSuccess, byEmail["reader1@example.com"])
	require.Equal(t, digest.LogStatusFailed, byEmail["reader2@example.com"])
}

func TestDeliverFatalErrorStopsRun(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Date(2026, 8, 28, 7, 0, 0, 0, time.UTC)}
	subsStore := memory.NewSubscriberStore()
	queue := memory.NewQueueStore(3)
	logs := memory.NewLogStore()
	mail := newFakeMailer()
	mail.fatal["reader2@example.com"] = true

	subs := subscribers(5)
	for _, s := range subs {
		subsStore.Put(s)
	}

	sender := newSender(mail, subsStore, queue, logs, clock)
	report, err := sender.Deliver(context.Background(), testDigest(), subs)
	require.Error(t, err)
	require.True(t, digest.IsFatal(err))
	require.Equal(t, 1, report.SuccessCount)
	require.Equal(t, 1, report.FailureCount)
	require.Len(t, report.Unprocessed, 3)
	require.Equal(t, "reader3@example.com", report.Unprocessed[0].Email)

	// No further sends were attempted after the fatal failure.
	require.Equal(t, 0, mail.attemptsFor("reader3@example.com"))
	// A fatal error is not retried.
	require.Equal(t, 1, mail.attemptsFor("reader2@example.com"))
}

func TestDeliverStopsWhenBudgetExhausted(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Date(2026, 8, 28, 7, 0, 0, 0, time.UTC)}
	subsStore := memory.NewSubscriberStore()
	queue := memory.NewQueueStore(3)
	logs := memory.NewLogStore()
	mail := newFakeMailer()

	subs := subscribers(5)
	// A deadline inside the safety margin stops delivery before any send.
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(500*time.Millisecond))
	defer cancel()

	sender := newSender(mail, subsStore, queue, logs, clock)
	report, err := sender.Deliver(ctx, testDigest(), subs)
	require.NoError(t, err)
	require.Equal(t, 0, report.SuccessCount)
	require.Len(t, report.Unprocessed, 5)
}

func TestDrainQueueDeliversParkedEntries(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Date(2026, 8, 28, 7, 0, 0, 0, time.UTC)}
	subsStore := memory.NewSubscriberStore()
	sub := subscribers(1)[0]
	subsStore.Put(sub)

	queue := memory.NewQueueStore(3)
	require.NoError(t, queue.Enqueue(context.Background(), digest.QueueEntry{
		ID:           "q-1",
		Email:        sub.Email,
		Subject:      "[News Digest] 2026-08-27",
		Content:      "<p>yesterday</p>",
		Status:       digest.QueuePending,
		ScheduledFor: clock.now.Add(-time.Hour),
		CreatedAt:    clock.now.Add(-time.Hour),
	}))

	logs := memory.NewLogStore()
	mail := newFakeMailer()
	sender := newSender(mail, subsStore, queue, logs, clock)

	report, err := sender.DrainQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.SuccessCount)
	require.Equal(t, 0, queue.Len())

	// The subscriber is marked sent so today's list skips them.
	due, err := subsStore.ListDue(context.Background(), clock.now)
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestDrainQueueEntryTerminalAtRetryCap(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Date(2026, 8, 28, 7, 0, 0, 0, time.UTC)}
	queue := memory.NewQueueStore(3)
	require.NoError(t, queue.Enqueue(context.Background(), digest.QueueEntry{
		ID:           "q-1",
		Email:        "reader1@example.com",
		Status:       digest.QueueFailed,
		RetryCount:   2,
		ScheduledFor: clock.now.Add(-time.Hour),
		CreatedAt:    clock.now.Add(-time.Hour),
	}))

	logs := memory.NewLogStore()
	mail := newFakeMailer()
	mail.failing["reader1@example.com"] = true
	sender := newSender(mail, memory.NewSubscriberStore(), queue, logs, clock)

	report, err := sender.DrainQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.FailureCount)

	// The entry stays on record with its retry count at the cap.
	entries := queue.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, 3, entries[0].RetryCount)
	require.Equal(t, digest.QueueFailed, entries[0].Status)
	require.NotEmpty(t, entries[0].Error)

	// Capped entries are never handed out again.
	due, err := queue.DequeuePending(context.Background(), clock.now)
	require.NoError(t, err)
	require.Empty(t, due)

	attempts := mail.attemptsFor("reader1@example.com")
	report, err = sender.DrainQueue(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, report.FailureCount)
	require.Equal(t, attempts, mail.attemptsFor("reader1@example.com"))
}

func TestDrainQueueKeepsEntryWithRetriesLeft(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Date(2026, 8, 28, 7, 0, 0, 0, time.UTC)}
	queue := memory.NewQueueStore(3)
	require.NoError(t, queue.Enqueue(context.Background(), digest.QueueEntry{
		ID:           "q-1",
		Email:        "reader1@example.com",
		Status:       digest.QueuePending,
		RetryCount:   0,
		ScheduledFor: clock.now.Add(-time.Hour),
		CreatedAt:    clock.now.Add(-time.Hour),
	}))

	logs := memory.NewLogStore()
	mail := newFakeMailer()
	mail.failing["reader1@example.com"] = true
	sender := newSender(mail, memory.NewSubscriberStore(), queue, logs, clock)

	_, err := sender.DrainQueue(context.Background())
	require.NoError(t, err)

	entries := queue.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, 1, entries[0].RetryCount)
	require.Equal(t, digest.QueueFailed, entries[0].Status)
	require.NotEmpty(t, entries[0].Error)
}

func TestRequeueCarriesDigestContent(t *testing.T) {
	t.Parallel()

	clock := fixedClock{now: time.Date(2026, 8, 28, 7, 0, 0, 0, time.UTC)}
	queue := memory.NewQueueStore(3)
	sender := newSender(newFakeMailer(), memory.NewSubscriberStore(), queue, memory.NewLogStore(), clock)

	subs := subscribers(2)
	require.NoError(t, sender.Requeue(context.Background(), testDigest(), subs))

	entries := queue.Entries()
	require.Len(t, entries, 2)
	for i, entry := range entries {
		require.Equal(t, subs[i].Email, entry.Email)
		require.Equal(t, digest.QueuePending, entry.Status)
		require.Equal(t, "<p>digest</p>", entry.Content)
		require.Equal(t, clock.now, entry.ScheduledFor)
	}
}
