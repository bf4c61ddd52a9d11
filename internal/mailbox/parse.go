package mailbox

import (
	"bytes"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
)

// headerAllowlist limits which headers survive parsing; the pipeline only
// consumes sender, reply and threading headers.
var headerAllowlist = []string{
	"Message-ID", "In-Reply-To", "References", "Date",
	"From", "To", "Cc", "Reply-To", "Subject",
}

// ParseMIME decodes a raw RFC 5322 message into a Message.
func ParseMIME(raw []byte) (*Message, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Subject:  env.GetHeader("Subject"),
		BodyText: env.Text,
		BodyHTML: env.HTML,
		Headers:  make(map[string]string, len(headerAllowlist)),
		Raw:      raw,
	}

	for _, h := range headerAllowlist {
		if v := env.GetHeader(h); v != "" {
			msg.Headers[h] = v
		}
	}

	if from, err := env.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = strings.ToLower(from[0].Address)
		msg.FromName = from[0].Name
	}

	if dateStr := env.GetHeader("Date"); dateStr != "" {
		if t, err := mail.ParseDate(dateStr); err == nil {
			msg.Date = t.UTC()
		}
	}
	if msg.Date.IsZero() {
		msg.Date = time.Now().UTC()
	}

	for _, part := range env.Attachments {
		msg.Attachments = append(msg.Attachments, attachmentFromPart(part, false))
	}
	for _, part := range env.Inlines {
		// Inline text parts are already folded into env.Text; only binary
		// inlines (scanned order images) matter here.
		if strings.HasPrefix(part.ContentType, "text/") {
			continue
		}
		msg.Attachments = append(msg.Attachments, attachmentFromPart(part, true))
	}

	return msg, nil
}

func attachmentFromPart(part *enmime.Part, inline bool) Attachment {
	return Attachment{
		Filename: part.FileName,
		Mime:     part.ContentType,
		Bytes:    part.Content,
		Inline:   inline,
	}
}

// SenderDomain returns the domain of the sender address, lowercased.
func (m *Message) SenderDomain() string {
	if idx := strings.LastIndex(m.From, "@"); idx >= 0 {
		return strings.ToLower(m.From[idx+1:])
	}
	return ""
}
