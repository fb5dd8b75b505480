// Package mailer sends rendered newsletters through the office mail API.
package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/koreamedinfo/newsdigest/internal/config"
	"github.com/koreamedinfo/newsdigest/internal/digest"
	"github.com/koreamedinfo/newsdigest/internal/metrics"
)

// Client sends mail through the provider's HTTP API. The provider reports
// errors both as HTTP status codes and as application codes in a 200 body,
// so both paths are checked.
type Client struct {
	cfg        config.MailConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// New creates a Client. The token and user id are required.
func New(cfg config.MailConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Token == "" || cfg.UserID == "" {
		return nil, digest.Fatal(fmt.Errorf("mail credentials missing"))
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger,
	}, nil
}

type sendRequest struct {
	To           []string `json:"to"`
	UserID       string   `json:"user_id"`
	Subject      string   `json:"subject"`
	Content      string   `json:"content"`
	SaveSentMail string   `json:"save_sent_mail"`
}

type sendResponse struct {
	Code    string `json:"code"`
	Message string `json:"msg"`
}

// Send delivers one message. Authorization failures and anything else that
// would fail identically for every recipient come back wrapped as fatal so
// the caller can stop the run instead of burning through the list.
func (c *Client) Send(ctx context.Context, msg digest.Message) error {
	wait := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	metrics.ObserveRateLimitWait("mail", time.Since(wait))

	save := "N"
	if msg.SaveCopy || c.cfg.SaveSentCopy {
		save = "Y"
	}
	body, err := json.Marshal(sendRequest{
		To:           []string{msg.To},
		UserID:       c.cfg.UserID,
		Subject:      msg.Subject,
		Content:      msg.HTML,
		SaveSentMail: save,
	})
	if err != nil {
		return fmt.Errorf("encode mail request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build mail request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read mail response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return digest.Fatal(fmt.Errorf("mail auth rejected: status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return fmt.Errorf("mail api status %d: %s", resp.StatusCode, truncate(raw, 200))
	}

	var parsed sendResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("decode mail response: %w", err)
	}
	if parsed.Code != "SUC" {
		if isAuthCode(parsed.Code) {
			return digest.Fatal(fmt.Errorf("mail api code %s: %s", parsed.Code, parsed.Message))
		}
		return fmt.Errorf("mail api code %s: %s", parsed.Code, parsed.Message)
	}

	c.logger.Debug("mail sent", zap.String("to", msg.To))
	return nil
}

// isAuthCode reports whether an application-level code signals an invalid
// token or account, which retrying cannot cure.
func isAuthCode(code string) bool {
	switch code {
	case "AUTH", "TOKEN_EXPIRED", "INVALID_TOKEN", "FORBIDDEN":
		return true
	}
	return false
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
