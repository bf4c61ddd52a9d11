package mailbox

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"
)

// SMTPConfig configures the alert mail sender.
type SMTPConfig struct {
	// Addr is the host:port of the submission endpoint.
	Addr     string
	From     string
	User     string
	Password string
}

// SMTPSender delivers alert emails over SMTP. It implements AlertSender.
type SMTPSender struct {
	config *SMTPConfig
}

// NewSMTPSender creates an SMTPSender.
func NewSMTPSender(config *SMTPConfig) *SMTPSender {
	return &SMTPSender{config: config}
}

// Send delivers one plain-text mail to the given address.
func (s *SMTPSender) Send(ctx context.Context, to, subject, body string) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", s.config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	msg.WriteString("\r\n")

	var auth smtp.Auth
	if s.config.User != "" {
		host := s.config.Addr
		if idx := strings.LastIndex(host, ":"); idx > 0 {
			host = host[:idx]
		}
		auth = smtp.PlainAuth("", s.config.User, s.config.Password, host)
	}

	// net/smtp has no context support; the send runs aside so cancellation
	// still returns promptly.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(s.config.Addr, auth, s.config.From, []string{to}, []byte(msg.String()))
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send alert mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
