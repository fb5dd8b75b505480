package mailer_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/koreamedinfo/newsdigest/internal/config"
	"github.com/koreamedinfo/newsdigest/internal/digest"
	"github.com/koreamedinfo/newsdigest/internal/mailer"
)

func mailConfig(apiURL string) config.MailConfig {
	return config.MailConfig{
		APIURL:            apiURL,
		Token:             "token-123",
		UserID:            "newsletter",
		TimeoutSeconds:    2,
		SaveSentCopy:      true,
		RequestsPerSecond: 1000,
	}
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()

	cfg := mailConfig("http://localhost")
	cfg.Token = ""
	_, err := mailer.New(cfg, zap.NewNop())
	require.Error(t, err)
	require.True(t, digest.IsFatal(err))
}

func TestSendPostsProviderPayload(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"code":"SUC","msg":"ok"}`)
	}))
	defer srv.Close()

	client, err := mailer.New(mailConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	err = client.Send(context.Background(), digest.Message{
		To:      "reader@example.com",
		Subject: "[News Digest] 2026-08-28",
		HTML:    "<p>hello</p>",
	})
	require.NoError(t, err)
	require.Equal(t, "Bearer token-123", gotAuth)
	require.Equal(t, []any{"reader@example.com"}, gotBody["to"])
	require.Equal(t, "newsletter", gotBody["user_id"])
	require.Equal(t, "[News Digest] 2026-08-28", gotBody["subject"])
	require.Equal(t, "<p>hello</p>", gotBody["content"])
	require.Equal(t, "Y", gotBody["save_sent_mail"])
}

func TestSendApplicationErrorIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"code":"ERR","msg":"mailbox busy"}`)
	}))
	defer srv.Close()

	client, err := mailer.New(mailConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	err = client.Send(context.Background(), digest.Message{To: "reader@example.com"})
	require.Error(t, err)
	require.False(t, digest.IsFatal(err))
	require.Contains(t, err.Error(), "ERR")
}

func TestSendAuthStatusIsFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client, err := mailer.New(mailConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	err = client.Send(context.Background(), digest.Message{To: "reader@example.com"})
	require.Error(t, err)
	require.True(t, digest.IsFatal(err))
}

func TestSendAuthCodeIsFatal(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"code":"TOKEN_EXPIRED","msg":"expired"}`)
	}))
	defer srv.Close()

	client, err := mailer.New(mailConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	err = client.Send(context.Background(), digest.Message{To: "reader@example.com"})
	require.Error(t, err)
	require.True(t, digest.IsFatal(err))
}

func TestSendServerErrorIsRetryable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := mailer.New(mailConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)

	err = client.Send(context.Background(), digest.Message{To: "reader@example.com"})
	require.Error(t, err)
	require.False(t, digest.IsFatal(err))
}

func TestAdminNotifierWrapsSubject(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		fmt.Fprint(w, `{"code":"SUC","msg":"ok"}`)
	}))
	defer srv.Close()

	client, err := mailer.New(mailConfig(srv.URL), zap.NewNop())
	require.NoError(t, err)
	notifier, err := mailer.NewAdminNotifier(client, "admin@example.com")
	require.NoError(t, err)

	require.NoError(t, notifier.Notify(context.Background(), "delivery degraded", "3 of 10 failed"))
	require.Equal(t, []any{"admin@example.com"}, gotBody["to"])
	require.Equal(t, "[newsdigest] delivery degraded", gotBody["subject"])
}
