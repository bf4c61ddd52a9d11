// Package notify delivers per-order digests to the operator chat channel and
// receives the replies that drive corrections.
package notify

import (
	"context"
	"log/slog"
	"time"

	"ordermail/internal/audit"
	"ordermail/internal/mailbox"
	"ordermail/internal/model"
)

// Update is one inbound operator message.
type Update struct {
	UpdateID    int64
	MessageID   int64
	Text        string
	ReplyToText string
	From        string
	Timestamp   time.Time
}

// ChatGateway is the chat transport. SendMessage returns the id of the sent
// message so replies can be tied back to it.
type ChatGateway interface {
	SendMessage(ctx context.Context, text string) (int64, error)
	Updates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
}

// Notifier sends processing digests. Disabled notification still logs the
// digest so a headless deployment keeps a visible trail.
type Notifier struct {
	gateway ChatGateway
	enabled bool
	logger  *slog.Logger

	mail   mailbox.AlertSender
	mailTo string
}

// New creates a Notifier.
func New(gateway ChatGateway, enabled bool, logger *slog.Logger) *Notifier {
	return &Notifier{gateway: gateway, enabled: enabled, logger: logger}
}

// SetAdminMail routes alerts to an email address alongside the chat channel.
func (n *Notifier) SetAdminMail(sender mailbox.AlertSender, to string) {
	n.mail = sender
	n.mailTo = to
}

// NotifyResult sends the digest for one processing record and returns the
// chat message id, or 0 when notifications are disabled.
func (n *Notifier) NotifyResult(ctx context.Context, result *model.ProcessingResult) (int64, error) {
	digest := audit.Summary(result)
	if !n.enabled || n.gateway == nil {
		n.logger.Info("notification suppressed", "order_id", result.OrderID, "status", result.Status)
		return 0, nil
	}
	id, err := n.gateway.SendMessage(ctx, digest)
	if err != nil {
		return 0, err
	}
	n.logger.Info("digest sent", "order_id", result.OrderID, "chat_message_id", id)
	return id, nil
}

// Alert sends an operational alert line to the chat channel and, when
// configured, the admin mail address.
func (n *Notifier) Alert(ctx context.Context, text string) error {
	if n.mail != nil && n.mailTo != "" {
		if err := n.mail.Send(ctx, n.mailTo, "ordermail alert", text); err != nil {
			n.logger.Warn("alert mail delivery failed", "to", n.mailTo, "error", err)
		}
	}
	if !n.enabled || n.gateway == nil {
		n.logger.Warn("alert suppressed", "text", text)
		return nil
	}
	_, err := n.gateway.SendMessage(ctx, "ALERT: "+text)
	return err
}
