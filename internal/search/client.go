// Package search implements the keyword news-search client with rate limiting
// and bounded retry.
package search

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/koreamedinfo/newsdigest/internal/config"
	"github.com/koreamedinfo/newsdigest/internal/digest"
	"github.com/koreamedinfo/newsdigest/internal/metrics"
	"github.com/koreamedinfo/newsdigest/internal/normalize"
)

// Client issues one search request per keyword against the news-search API.
// A failed keyword never fails the run: after retries are exhausted the
// client returns an empty result set.
type Client struct {
	cfg        config.SearchConfig
	filter     Filter
	httpClient *http.Client
	limiter    *rate.Limiter
	clock      digest.Clock
	window     time.Duration
	logger     *zap.Logger
}

type searchResponse struct {
	Items []searchItem `json:"items"`
}

type searchItem struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	Description string `json:"description"`
	PubDate     string `json:"pubDate"`
}

// New constructs a Client. Missing provider credentials are a fatal
// configuration error, not a per-keyword one.
func New(cfg config.SearchConfig, filterCfg config.FilterConfig, clock digest.Clock, logger *zap.Logger) (*Client, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("search client credentials are not configured")
	}
	rps := rate.Limit(cfg.RequestsPerSecond)
	if cfg.RequestsPerSecond <= 0 {
		rps = rate.Inf
	}
	return &Client{
		cfg:    cfg,
		filter: NewFilter(filterCfg),
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		limiter: rate.NewLimiter(rps, 1),
		clock:   clock,
		window:  time.Duration(cfg.RecencyHours) * time.Hour,
		logger:  logger,
	}, nil
}

// FetchArticles fetches fresh articles for one keyword. Each call waits for
// the provider rate limiter plus random jitter before going out. HTTP 429 is
// retried after the provider's Retry-After hint; timeouts and connection
// resets after a fixed delay. Any other failure gives up immediately.
func (c *Client) FetchArticles(ctx context.Context, keyword string) ([]digest.Article, error) {
	for attempt := 1; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.waitTurn(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}

		articles, retryIn, err := c.fetchOnce(ctx, keyword)
		if err == nil {
			metrics.ObserveSearchRequest("ok")
			return articles, nil
		}
		if retryIn < 0 {
			metrics.ObserveSearchRequest("error")
			c.logger.Warn("keyword fetch failed",
				zap.String("keyword", keyword),
				zap.Error(err),
			)
			return nil, nil
		}

		c.logger.Warn("keyword fetch will be retried",
			zap.String("keyword", keyword),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", retryIn),
			zap.Error(err),
		)
		if attempt == c.cfg.MaxRetries {
			break
		}
		metrics.ObserveSearchRetry()
		if err := sleepCtx(ctx, retryIn); err != nil {
			return nil, fmt.Errorf("retry wait: %w", err)
		}
	}

	metrics.ObserveSearchRequest("exhausted")
	c.logger.Error("keyword fetch retries exhausted",
		zap.String("keyword", keyword),
		zap.Int("max_retries", c.cfg.MaxRetries),
	)
	return nil, nil
}

// fetchOnce performs a single API call. On failure it returns the delay to
// wait before the next attempt, or a negative delay when the error class is
// not worth retrying.
func (c *Client) fetchOnce(ctx context.Context, keyword string) ([]digest.Article, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.Endpoint, nil)
	if err != nil {
		return nil, -1, fmt.Errorf("build search request: %w", err)
	}
	q := url.Values{}
	q.Set("query", keyword)
	q.Set("display", strconv.Itoa(c.cfg.Display))
	q.Set("sort", c.cfg.Sort)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-Client-Id", c.cfg.ClientID)
	req.Header.Set("X-Client-Secret", c.cfg.ClientSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTransientNetErr(err) {
			metrics.ObserveSearchRequest("network_error")
			return nil, time.Duration(c.cfg.NetworkRetryMs) * time.Millisecond, fmt.Errorf("search request: %w", err)
		}
		return nil, -1, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		metrics.ObserveSearchRequest("rate_limited")
		return nil, c.retryAfter(resp), fmt.Errorf("search provider rate limit (%d)", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, -1, fmt.Errorf("search provider status %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, -1, fmt.Errorf("decode search response: %w", err)
	}
	return c.collect(keyword, body.Items), 0, nil
}

// collect normalizes, recency-filters, and content-filters raw items.
func (c *Client) collect(keyword string, items []searchItem) []digest.Article {
	now := c.clock.Now()
	out := make([]digest.Article, 0, len(items))
	for _, item := range items {
		published, err := parsePubDate(item.PubDate)
		if err != nil {
			c.logger.Debug("unparseable publication date",
				zap.String("keyword", keyword),
				zap.String("pub_date", item.PubDate),
			)
			continue
		}
		if now.Sub(published) > c.window {
			continue
		}
		article := digest.Article{
			Title:         normalize.Clean(item.Title),
			Link:          item.Link,
			Description:   normalize.Clean(item.Description),
			PublishedAt:   published,
			SourceKeyword: keyword,
		}
		if reason, ok := c.filter.Admit(article); !ok {
			c.logger.Debug("article filtered",
				zap.String("keyword", keyword),
				zap.String("title", article.Title),
				zap.String("reason", reason),
			)
			continue
		}
		out = append(out, article)
	}
	return out
}

// retryAfter reads the provider's Retry-After hint, falling back to the
// configured fixed delay.
func (c *Client) retryAfter(resp *http.Response) time.Duration {
	fallback := time.Duration(c.cfg.RetryAfterFallback) * time.Second
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// waitTurn blocks on the provider limiter and adds random jitter so bursts of
// keywords do not hit the provider in lockstep.
func (c *Client) waitTurn(ctx context.Context) error {
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := sleepCtx(ctx, randomJitter(time.Duration(c.cfg.JitterMs)*time.Millisecond)); err != nil {
		return err
	}
	metrics.ObserveRateLimitWait("search", time.Since(start))
	return nil
}

func parsePubDate(raw string) (time.Time, error) {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported publication date %q", raw)
}

func isTransientNetErr(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET)
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
