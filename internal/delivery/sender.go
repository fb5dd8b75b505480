// Package delivery walks a subscriber list and pushes one digest to each
// recipient, in batches, with per-message retries and a dead-letter queue
// for the ones that never go through.
package delivery

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/koreamedinfo/newsdigest/internal/config"
	"github.com/koreamedinfo/newsdigest/internal/digest"
	"github.com/koreamedinfo/newsdigest/internal/metrics"
)

// budgetMargin is how much runway must remain before starting another
// send. A send with its full retry ladder can take tens of seconds, so
// stopping early beats being killed mid-message.
const budgetMargin = 2 * time.Second

// Sender delivers a digest to subscribers and records the outcome of
// every attempt.
type Sender struct {
	cfg         config.DeliveryConfig
	mailer      digest.Mailer
	subscribers digest.SubscriberStore
	queue       digest.QueueStore
	logs        digest.LogStore
	ids         digest.IDGenerator
	clock       digest.Clock
	logger      *zap.Logger
}

// New creates a Sender.
func New(
	cfg config.DeliveryConfig,
	mailer digest.Mailer,
	subscribers digest.SubscriberStore,
	queue digest.QueueStore,
	logs digest.LogStore,
	ids digest.IDGenerator,
	clock digest.Clock,
	logger *zap.Logger,
) *Sender {
	return &Sender{
		cfg:         cfg,
		mailer:      mailer,
		subscribers: subscribers,
		queue:       queue,
		logs:        logs,
		ids:         ids,
		clock:       clock,
		logger:      logger,
	}
}

// Deliver sends dg to every subscriber in subs, batch by batch. It returns
// a report covering everyone it reached a verdict on; subscribers it never
// got to, because the context deadline closed in or a fatal send error
// stopped the run, come back in Unprocessed with their lastSentAt untouched.
// The error is non-nil only for fatal conditions.
func (s *Sender) Deliver(ctx context.Context, dg digest.Digest, subs []digest.Subscriber) (digest.DeliveryReport, error) {
	report := digest.DeliveryReport{}
	delay := time.Duration(s.cfg.BatchDelaySeconds) * time.Second

	for start := 0; start < len(subs); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(subs) {
			end = len(subs)
		}
		if start > 0 && delay > 0 {
			if err := sleepCtx(ctx, delay); err != nil {
				report.Unprocessed = append(report.Unprocessed, subs[start:]...)
				return report, nil
			}
		}
		report.Batches++
		s.logger.Info("delivering batch",
			zap.Int("batch", report.Batches),
			zap.Int("size", end-start),
			zap.Int("remaining", len(subs)-start),
		)

		for i := start; i < end; i++ {
			if outOfBudget(ctx) {
				report.Unprocessed = append(report.Unprocessed, subs[i:]...)
				s.logger.Warn("delivery stopped early, budget exhausted",
					zap.Int("unprocessed", len(report.Unprocessed)))
				return report, nil
			}

			sub := subs[i]
			err := s.sendWithRetry(ctx, digest.Message{
				To:      sub.Email,
				Subject: dg.Subject,
				HTML:    dg.HTML,
			})
			switch {
			case err == nil:
				s.recordSuccess(ctx, sub.Email)
				if markErr := s.subscribers.MarkSent(ctx, sub.ID, s.clock.Now()); markErr != nil {
					s.logger.Error("mark subscriber sent", zap.String("email", sub.Email), zap.Error(markErr))
				}
				report.SuccessCount++
			case digest.IsFatal(err):
				s.recordFailure(ctx, sub.Email, err)
				report.FailureCount++
				report.FailedEmails = append(report.FailedEmails, sub.Email)
				report.Unprocessed = append(report.Unprocessed, subs[i+1:]...)
				return report, fmt.Errorf("delivery aborted: %w", err)
			default:
				s.recordFailure(ctx, sub.Email, err)
				s.deadLetter(ctx, sub.Email, dg, err)
				report.FailureCount++
				report.FailedEmails = append(report.FailedEmails, sub.Email)
			}
		}
	}
	return report, nil
}

// DrainQueue retries entries that previous runs parked, using the content
// stored with each entry rather than today's digest. Entries that fail
// again keep their failed status; once the retry count reaches the cap the
// entry is terminal and the stores stop handing it out.
func (s *Sender) DrainQueue(ctx context.Context) (digest.DeliveryReport, error) {
	report := digest.DeliveryReport{}

	entries, err := s.queue.DequeuePending(ctx, s.clock.Now())
	if err != nil {
		return report, fmt.Errorf("dequeue pending: %w", err)
	}
	if len(entries) == 0 {
		return report, nil
	}
	s.logger.Info("draining queued deliveries", zap.Int("count", len(entries)))

	for _, entry := range entries {
		if outOfBudget(ctx) {
			return report, nil
		}
		err := s.sendWithRetry(ctx, digest.Message{
			To:      entry.Email,
			Subject: entry.Subject,
			HTML:    entry.Content,
		})
		switch {
		case err == nil:
			s.recordSuccess(ctx, entry.Email)
			if delErr := s.queue.Delete(ctx, entry.ID); delErr != nil {
				s.logger.Error("delete queue entry", zap.String("id", entry.ID), zap.Error(delErr))
			}
			if markErr := s.subscribers.MarkSentByEmail(ctx, entry.Email, s.clock.Now()); markErr != nil && markErr != digest.ErrNotFound {
				s.logger.Error("mark subscriber sent", zap.String("email", entry.Email), zap.Error(markErr))
			}
			report.SuccessCount++
		case digest.IsFatal(err):
			s.recordFailure(ctx, entry.Email, err)
			report.FailureCount++
			report.FailedEmails = append(report.FailedEmails, entry.Email)
			return report, fmt.Errorf("queue drain aborted: %w", err)
		default:
			s.recordFailure(ctx, entry.Email, err)
			report.FailureCount++
			report.FailedEmails = append(report.FailedEmails, entry.Email)
			if markErr := s.queue.MarkFailed(ctx, entry.ID, err.Error()); markErr != nil {
				s.logger.Error("mark queue entry failed", zap.String("id", entry.ID), zap.Error(markErr))
			}
			if entry.RetryCount+1 >= s.cfg.MaxQueueRetries {
				// The entry stays on record as failed but the stores stop
				// handing it out once retry_count reaches the cap.
				s.logger.Warn("queue entry reached retry cap",
					zap.String("email", entry.Email), zap.Int("retries", entry.RetryCount+1))
			}
		}
	}
	return report, nil
}

// Requeue parks subscribers the run could not reach so the next run picks
// them up before anyone else, carrying the digest content they missed.
func (s *Sender) Requeue(ctx context.Context, dg digest.Digest, subs []digest.Subscriber) error {
	now := s.clock.Now()
	for _, sub := range subs {
		id, err := s.ids.NewID()
		if err != nil {
			return fmt.Errorf("generate queue id: %w", err)
		}
		entry := digest.QueueEntry{
			ID:           id,
			Email:        sub.Email,
			Subject:      dg.Subject,
			Content:      dg.HTML,
			Status:       digest.QueuePending,
			ScheduledFor: now,
			CreatedAt:    now,
		}
		if err := s.queue.Enqueue(ctx, entry); err != nil {
			return fmt.Errorf("requeue %s: %w", sub.Email, err)
		}
	}
	return nil
}

// sendWithRetry attempts one message up to 1+len(RetryDelays) times with
// fixed, escalating delays between attempts. Fatal errors short-circuit.
func (s *Sender) sendWithRetry(ctx context.Context, msg digest.Message) error {
	delays := s.cfg.RetryDelays()
	var lastErr error
	for attempt := 0; attempt <= len(delays); attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, delays[attempt-1]); err != nil {
				return lastErr
			}
			s.logger.Info("retrying send",
				zap.String("to", msg.To), zap.Int("attempt", attempt+1))
		}
		lastErr = s.mailer.Send(ctx, msg)
		if lastErr == nil || digest.IsFatal(lastErr) {
			return lastErr
		}
		s.logger.Warn("send failed", zap.String("to", msg.To), zap.Error(lastErr))
	}
	return lastErr
}

func (s *Sender) recordSuccess(ctx context.Context, email string) {
	metrics.ObserveEmail("success")
	if err := s.logs.Append(ctx, digest.EmailLog{
		Email:    email,
		Status:   digest.LogStatusSuccess,
		Provider: "hiworks",
		SentAt:   s.clock.Now(),
	}); err != nil {
		s.logger.Error("append email log", zap.String("email", email), zap.Error(err))
	}
}

func (s *Sender) recordFailure(ctx context.Context, email string, sendErr error) {
	metrics.ObserveEmail("failure")
	s.logger.Error("delivery failed", zap.String("email", email), zap.Error(sendErr))
	if err := s.logs.Append(ctx, digest.EmailLog{
		Email:    email,
		Status:   digest.LogStatusFailed,
		Provider: "hiworks",
		SentAt:   s.clock.Now(),
	}); err != nil {
		s.logger.Error("append email log", zap.String("email", email), zap.Error(err))
	}
}

func (s *Sender) deadLetter(ctx context.Context, email string, dg digest.Digest, sendErr error) {
	id, err := s.ids.NewID()
	if err != nil {
		s.logger.Error("generate queue id", zap.Error(err))
		return
	}
	entry := digest.QueueEntry{
		ID:           id,
		Email:        email,
		Subject:      dg.Subject,
		Content:      dg.HTML,
		Status:       digest.QueueFailed,
		RetryCount:   0,
		ScheduledFor: s.clock.Now(),
		Error:        sendErr.Error(),
		CreatedAt:    s.clock.Now(),
	}
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		s.logger.Error("enqueue dead letter", zap.String("email", email), zap.Error(err))
	}
}

// outOfBudget reports whether the context deadline is close enough that
// starting another send is pointless.
func outOfBudget(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return false
	}
	return time.Until(deadline) < budgetMargin
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
