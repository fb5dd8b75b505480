package mailer

import (
	"context"
	"fmt"

	"github.com/koreamedinfo/newsdigest/internal/digest"
)

// AdminNotifier alerts the operator by mailing the configured admin address.
type AdminNotifier struct {
	mailer digest.Mailer
	admin  string
}

// NewAdminNotifier creates an AdminNotifier.
func NewAdminNotifier(mailer digest.Mailer, adminEmail string) (*AdminNotifier, error) {
	if adminEmail == "" {
		return nil, fmt.Errorf("admin email is required")
	}
	return &AdminNotifier{mailer: mailer, admin: adminEmail}, nil
}

// Notify sends the alert. Failures come back to the caller; there is no
// retry here since alerts already ride on a degraded run.
func (n *AdminNotifier) Notify(ctx context.Context, subject, body string) error {
	return n.mailer.Send(ctx, digest.Message{
		To:      n.admin,
		Subject: "[newsdigest] " + subject,
		HTML:    "<pre>" + body + "</pre>",
	})
}
