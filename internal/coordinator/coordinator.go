// Package coordinator drives one newsletter run end to end: collect,
// deduplicate, compose, deliver, record.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/koreamedinfo/newsdigest/internal/compose"
	"github.com/koreamedinfo/newsdigest/internal/config"
	"github.com/koreamedinfo/newsdigest/internal/dedup"
	"github.com/koreamedinfo/newsdigest/internal/delivery"
	"github.com/koreamedinfo/newsdigest/internal/digest"
	"github.com/koreamedinfo/newsdigest/internal/metrics"
)

// notifyThreshold is the success ratio below which the admin gets a
// heads-up after a run that processed anyone at all.
const notifyThreshold = 0.8

// Coordinator owns the run pipeline. Runs are serialized by the caller;
// the Coordinator itself holds no cross-run state.
type Coordinator struct {
	cfg         *config.Config
	search      digest.SearchProvider
	composer    *compose.Composer
	sender      *delivery.Sender
	subscribers digest.SubscriberStore
	runMetrics  digest.MetricsStore
	notifier    digest.Notifier
	archive     digest.BlobStore
	events      digest.Publisher
	ids         digest.IDGenerator
	clock       digest.Clock
	logger      *zap.Logger
}

// New creates a Coordinator.
func New(
	cfg *config.Config,
	search digest.SearchProvider,
	composer *compose.Composer,
	sender *delivery.Sender,
	subscribers digest.SubscriberStore,
	runMetrics digest.MetricsStore,
	notifier digest.Notifier,
	archive digest.BlobStore,
	events digest.Publisher,
	ids digest.IDGenerator,
	clock digest.Clock,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		search:      search,
		composer:    composer,
		sender:      sender,
		subscribers: subscribers,
		runMetrics:  runMetrics,
		notifier:    notifier,
		archive:     archive,
		events:      events,
		ids:         ids,
		clock:       clock,
		logger:      logger,
	}
}

// Run executes one newsletter run under the configured time budget and
// returns a summary of what happened. It never returns an error for an
// empty digest or an empty subscriber list; those are quiet successes.
func (c *Coordinator) Run(ctx context.Context) (digest.RunSummary, error) {
	started := c.clock.Now()
	runID, err := c.ids.NewID()
	if err != nil {
		return digest.RunSummary{}, fmt.Errorf("generate run id: %w", err)
	}
	logger := c.logger.With(zap.String("run_id", runID))

	ctx, cancel := context.WithDeadline(ctx, started.Add(c.cfg.RunBudget()))
	defer cancel()

	summary := digest.RunSummary{RunID: runID, StartedAt: started}

	// Subscribers parked by earlier runs go first, with the digest they
	// originally missed.
	drained, drainErr := c.sender.DrainQueue(ctx)
	summary.SuccessCount += drained.SuccessCount
	summary.FailureCount += drained.FailureCount
	summary.FailedEmails = append(summary.FailedEmails, drained.FailedEmails...)
	if drainErr != nil {
		return c.finish(ctx, logger, summary, digest.RunPartial,
			fmt.Sprintf("queue drain aborted: %v", drainErr), started, drainErr)
	}

	dg, err := c.collect(ctx, logger)
	if err != nil {
		return c.finish(ctx, logger, summary, digest.RunPartial,
			fmt.Sprintf("collection failed: %v", err), started, err)
	}
	if dg.Empty() {
		logger.Info("no recent news, skipping delivery")
		return c.finish(ctx, logger, summary, digest.RunNoNews, "no recent news found", started, nil)
	}
	logger.Info("digest composed",
		zap.Int("articles", dg.ArticleCount()),
		zap.Int("categories", len(dg.Categories)),
	)

	if uri, archErr := c.archiveDigest(ctx, runID, started, dg); archErr != nil {
		logger.Warn("digest archive failed", zap.Error(archErr))
	} else {
		summary.ArchiveURI = uri
	}

	subs, err := c.subscribers.ListDue(ctx, started)
	if err != nil {
		return c.finish(ctx, logger, summary, digest.RunPartial,
			fmt.Sprintf("list subscribers: %v", err), started, err)
	}
	if len(subs) == 0 {
		logger.Info("no subscribers due today")
		return c.finish(ctx, logger, summary, digest.RunNoSubscribers, "no subscribers due", started, nil)
	}
	summary.TotalProcessed = len(subs)

	report, deliverErr := c.sender.Deliver(ctx, dg, subs)
	summary.SuccessCount += report.SuccessCount
	summary.FailureCount += report.FailureCount
	summary.FailedEmails = append(summary.FailedEmails, report.FailedEmails...)

	if len(report.Unprocessed) > 0 {
		logger.Warn("requeueing unprocessed subscribers", zap.Int("count", len(report.Unprocessed)))
		if rqErr := c.sender.Requeue(ctx, dg, report.Unprocessed); rqErr != nil {
			logger.Error("requeue failed", zap.Error(rqErr))
		}
	}

	c.recordRun(ctx, logger, summary, report, started)

	status := digest.RunCompleted
	msg := fmt.Sprintf("newsletter sent to %d of %d subscribers", report.SuccessCount, len(subs))
	if deliverErr != nil || report.FailureCount > 0 || len(report.Unprocessed) > 0 {
		status = digest.RunPartial
	}
	if deliverErr != nil {
		msg = fmt.Sprintf("delivery aborted: %v", deliverErr)
	} else {
		// Fatal runs are alerted in finish; only degraded-but-finished
		// runs go through the ratio check.
		c.maybeNotify(ctx, logger, summary)
	}
	return c.finish(ctx, logger, summary, status, msg, started, deliverErr)
}

// collect fans out one search per keyword, folds results into the
// deduplicator in a deterministic order, and composes the digest.
// Individual keyword failures surface as empty result sets; only a
// context-level failure aborts collection.
func (c *Coordinator) collect(ctx context.Context, logger *zap.Logger) (digest.Digest, error) {
	names := make([]string, 0, len(c.cfg.Categories))
	for name := range c.cfg.Categories {
		names = append(names, name)
	}
	sort.Strings(names)

	var wg sync.WaitGroup
	results := make(map[string]map[string][]digest.Article, len(names))
	var mu sync.Mutex
	for _, name := range names {
		results[name] = make(map[string][]digest.Article)
		for _, keyword := range c.cfg.Categories[name] {
			wg.Add(1)
			go func(category, keyword string) {
				defer wg.Done()
				articles, err := c.search.FetchArticles(ctx, keyword)
				if err != nil {
					logger.Warn("keyword search failed",
						zap.String("keyword", keyword), zap.Error(err))
					return
				}
				mu.Lock()
				results[category][keyword] = articles
				mu.Unlock()
			}(name, keyword)
		}
	}
	wg.Wait()
	if ctx.Err() != nil {
		return digest.Digest{}, ctx.Err()
	}

	// Folding happens single-threaded in category and keyword order so a
	// given input always dedupes the same way.
	state := dedup.NewState()
	for _, name := range names {
		for _, keyword := range c.cfg.Categories[name] {
			for _, article := range results[name][keyword] {
				switch state.Fold(name, article) {
				case dedup.Accepted:
					metrics.ObserveArticleAccepted(name)
				case dedup.DuplicateLink:
					metrics.ObserveDuplicateFiltered("link")
				case dedup.DuplicateTitle:
					metrics.ObserveDuplicateFiltered("title")
				case dedup.Replaced:
					metrics.ObserveDuplicateFiltered("replaced")
				}
			}
		}
	}

	categories := make([]digest.CategoryDigest, 0, len(names))
	for _, name := range names {
		categories = append(categories, digest.CategoryDigest{
			Name:     name,
			Articles: state.Articles(name),
		})
	}
	return c.composer.Compose(categories)
}

func (c *Coordinator) archiveDigest(ctx context.Context, runID string, started time.Time, dg digest.Digest) (string, error) {
	if c.archive == nil {
		return "", nil
	}
	path := fmt.Sprintf("runs/%s/%s.html", started.Format("2006-01-02"), runID)
	return c.archive.PutObject(ctx, path, c.cfg.Archive.ContentType, strings.NewReader(dg.HTML))
}

func (c *Coordinator) recordRun(ctx context.Context, logger *zap.Logger, summary digest.RunSummary, report digest.DeliveryReport, started time.Time) {
	rm := digest.RunMetrics{
		TotalSubscribers: summary.TotalProcessed,
		ProcessedEmails:  summary.SuccessCount + summary.FailureCount,
		SuccessCount:     summary.SuccessCount,
		FailureCount:     summary.FailureCount,
		ExecutionMs:      c.clock.Now().Sub(started).Milliseconds(),
		Batches:          report.Batches,
		CreatedAt:        c.clock.Now(),
	}
	if err := c.runMetrics.RecordRun(ctx, rm); err != nil {
		logger.Error("record run metrics", zap.Error(err))
	}
}

// maybeNotify pings the admin when the run's success ratio drops below
// the threshold.
func (c *Coordinator) maybeNotify(ctx context.Context, logger *zap.Logger, summary digest.RunSummary) {
	if c.notifier == nil {
		return
	}
	processed := summary.SuccessCount + summary.FailureCount
	if processed == 0 {
		return
	}
	ratio := float64(summary.SuccessCount) / float64(processed)
	if ratio >= notifyThreshold {
		return
	}
	msg := fmt.Sprintf("newsletter run %s: %d/%d delivered (%.0f%%), failed: %s",
		summary.RunID, summary.SuccessCount, processed, ratio*100,
		strings.Join(summary.FailedEmails, ", "))
	if err := c.notifier.Notify(ctx, "Newsletter delivery degraded", msg); err != nil {
		logger.Error("admin notification failed", zap.Error(err))
	}
}

// finish stamps the summary, records run-level metrics, and publishes the
// summary event. The returned error is the run's terminal error, nil for
// quiet outcomes.
func (c *Coordinator) finish(ctx context.Context, logger *zap.Logger, summary digest.RunSummary, status digest.RunStatus, msg string, started time.Time, runErr error) (digest.RunSummary, error) {
	summary.Status = status
	summary.Message = msg
	summary.ElapsedMs = c.clock.Now().Sub(started).Milliseconds()

	metrics.ObserveRun(string(status), time.Duration(summary.ElapsedMs)*time.Millisecond)
	logger.Info("run finished",
		zap.String("status", string(status)),
		zap.Int("success", summary.SuccessCount),
		zap.Int("failure", summary.FailureCount),
		zap.Int64("elapsed_ms", summary.ElapsedMs),
	)

	// A run that died on an error always alerts the operator, regardless
	// of how many sends got through first.
	if runErr != nil && c.notifier != nil {
		alert := fmt.Sprintf("newsletter run %s failed: %v (%d sent, %d failed)",
			summary.RunID, runErr, summary.SuccessCount, summary.FailureCount)
		if err := c.notifier.Notify(ctx, "Newsletter run failed", alert); err != nil {
			logger.Error("admin notification failed", zap.Error(err))
		}
	}

	if c.events != nil {
		if _, err := c.events.Publish(ctx, c.cfg.PubSub.TopicName, summary); err != nil {
			logger.Warn("publish run summary", zap.Error(err))
		}
	}
	return summary, runErr
}
