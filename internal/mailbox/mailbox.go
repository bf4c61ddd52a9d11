// Package mailbox defines the mailbox surface the supervisor consumes and
// provides an IMAP implementation of it.
package mailbox

import (
	"context"
	"time"
)

// Attachment is one decoded message part.
type Attachment struct {
	Filename string
	Mime     string
	Bytes    []byte
	Inline   bool
}

// Message is a fetched email, MIME-decoded.
type Message struct {
	ID          string
	Subject     string
	From        string
	FromName    string
	Date        time.Time
	BodyText    string
	BodyHTML    string
	Headers     map[string]string
	Attachments []Attachment

	// Raw is the undecoded RFC 5322 message, kept for the audit trail.
	Raw []byte
}

// Client is the narrow mailbox interface: list unread, fetch, mark read.
type Client interface {
	ListUnread(ctx context.Context) ([]string, error)
	Fetch(ctx context.Context, messageID string) (*Message, error)
	MarkRead(ctx context.Context, messageID string) error
	Close() error
}

// AlertSender delivers operator alert emails.
type AlertSender interface {
	Send(ctx context.Context, to, subject, body string) error
}
