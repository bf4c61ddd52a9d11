// Package cleaner turns a raw email (body plus attachments) into a single
// cleaned text blob with per-attachment markers, ready for extraction.
package cleaner

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"ordermail/internal/mailbox"
)

const (
	// Attachments below this many extracted characters fall back to OCR.
	minPDFChars = 50

	// T&C attachments at or above this size are reduced to an excerpt.
	termsSizeThreshold = 10000
	termsExcerptLimit  = 3000

	attachmentMarker    = "=== ATTACHMENT: %s ==="
	attachmentEndMarker = "=== END ATTACHMENT ==="
)

// PDFExtractor converts PDF bytes to text.
type PDFExtractor interface {
	PDFToText(ctx context.Context, data []byte) (string, error)
}

// OCRClient recognizes text in image bytes (and rasterized PDF pages).
type OCRClient interface {
	OCRImage(ctx context.Context, data []byte) (string, error)
}

// AttachmentMeta describes how one attachment was handled.
type AttachmentMeta struct {
	Filename string `json:"filename"`
	Mime     string `json:"mime"`
	Size     int    `json:"size"`
	Chars    int    `json:"chars"`
	UsedOCR  bool   `json:"used_ocr"`
	Reduced  bool   `json:"reduced"`
}

// CleanedMessage is the cleaner output.
type CleanedMessage struct {
	Text        string           `json:"-"`
	Attachments []AttachmentMeta `json:"attachments"`
	UsedOCR     bool             `json:"used_ocr"`
	BodyChars   int              `json:"body_chars"`
	Empty       bool             `json:"empty"`
}

// Cleaner strips quoted threads and signatures from bodies, decodes
// attachments and reduces oversized terms-and-conditions documents.
type Cleaner struct {
	pdf    PDFExtractor
	ocr    OCRClient
	logger *slog.Logger
}

// New creates a Cleaner with the given collaborators.
func New(pdf PDFExtractor, ocr OCRClient, logger *slog.Logger) *Cleaner {
	return &Cleaner{pdf: pdf, ocr: ocr, logger: logger}
}

// Clean produces the cleaned text blob for one message.
func (c *Cleaner) Clean(ctx context.Context, msg *mailbox.Message) (*CleanedMessage, error) {
	body := msg.BodyText
	if strings.TrimSpace(body) == "" && msg.BodyHTML != "" {
		body = htmlToText(msg.BodyHTML)
	}
	body = normalizeWhitespace(body)

	out := &CleanedMessage{}
	var sb strings.Builder
	sb.WriteString(stripQuotedThread(body))

	for _, att := range msg.Attachments {
		text, meta, err := c.decodeAttachment(ctx, att)
		if err != nil {
			c.logger.Warn("attachment decode failed", "filename", att.Filename, "error", err)
			meta = AttachmentMeta{Filename: att.Filename, Mime: att.Mime, Size: len(att.Bytes)}
			out.Attachments = append(out.Attachments, meta)
			continue
		}
		if meta.UsedOCR {
			out.UsedOCR = true
		}
		out.Attachments = append(out.Attachments, meta)
		if strings.TrimSpace(text) == "" {
			continue
		}
		sb.WriteString("\n\n")
		sb.WriteString(fmt.Sprintf(attachmentMarker, att.Filename))
		sb.WriteString("\n")
		sb.WriteString(text)
		sb.WriteString("\n")
		sb.WriteString(attachmentEndMarker)
	}

	full := sb.String()
	// Signature stripping runs over the assembled text so the cut is vetoed
	// whenever attachment content follows the would-be cut point. Naive cuts
	// have destroyed order data that appeared after a signature.
	full = stripSignature(full)

	out.Text = strings.TrimSpace(full)
	out.BodyChars = len(out.Text)
	out.Empty = out.BodyChars == 0
	return out, nil
}

func (c *Cleaner) decodeAttachment(ctx context.Context, att mailbox.Attachment) (string, AttachmentMeta, error) {
	meta := AttachmentMeta{Filename: att.Filename, Mime: att.Mime, Size: len(att.Bytes)}

	var text string
	switch {
	case strings.Contains(att.Mime, "pdf") || strings.HasSuffix(strings.ToLower(att.Filename), ".pdf"):
		extracted, err := c.pdf.PDFToText(ctx, att.Bytes)
		if err != nil {
			return "", meta, fmt.Errorf("pdf extraction: %w", err)
		}
		text = extracted
		if len(strings.TrimSpace(text)) < minPDFChars {
			ocrText, err := c.ocr.OCRImage(ctx, att.Bytes)
			if err != nil {
				return "", meta, fmt.Errorf("ocr fallback: %w", err)
			}
			text = ocrText
			meta.UsedOCR = true
		}
	case strings.HasPrefix(att.Mime, "image/"):
		ocrText, err := c.ocr.OCRImage(ctx, att.Bytes)
		if err != nil {
			return "", meta, fmt.Errorf("ocr: %w", err)
		}
		text = ocrText
		meta.UsedOCR = true
	case strings.HasPrefix(att.Mime, "text/"):
		text = string(att.Bytes)
	default:
		// Binary formats without a text path are skipped; the metadata still
		// records their presence.
		return "", meta, nil
	}

	text = normalizeWhitespace(text)
	if len(text) >= termsSizeThreshold && isTermsFilename(att.Filename) {
		text = extractBusinessTerms(text)
		meta.Reduced = true
	}
	meta.Chars = len(text)
	return text, meta, nil
}

var termsFilenamePattern = regexp.MustCompile(`(?i)(terms|agb|conditions|gesch.?ftsbedingungen)`)

func isTermsFilename(name string) bool {
	return termsFilenamePattern.MatchString(name)
}

// Patterns that identify business-relevant terms inside a T&C document.
var termsLinePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)payment.{0,40}net|net\s+\d+\s+days|zahlungsziel`),
	regexp.MustCompile(`(?i)incoterms?|\b(exw|fca|fob|cif|dap|ddp)\b`),
	regexp.MustCompile(`(?i)tolerances?|toleranz`),
	regexp.MustCompile(`(?i)warrant(y|ies)|gew.?hrleistung`),
	regexp.MustCompile(`(?i)discount|skonto|rabatt`),
}

var termsSectionPattern = regexp.MustCompile(`(?im)^\s*\d*\.?\s*(payment|delivery|warranty|liability|zahlung|lieferung|gew.?hrleistung|haftung)\b.*$`)

// extractBusinessTerms reduces a large T&C text to the business-relevant
// excerpt: pattern-matched lines plus the four headed sections.
func extractBusinessTerms(text string) string {
	lines := strings.Split(text, "\n")
	var picked []string
	seen := make(map[int]bool)

	add := func(i int) {
		if i >= 0 && i < len(lines) && !seen[i] {
			seen[i] = true
			picked = append(picked, strings.TrimSpace(lines[i]))
		}
	}

	for i, line := range lines {
		for _, pat := range termsLinePatterns {
			if pat.MatchString(line) {
				add(i)
				break
			}
		}
		if termsSectionPattern.MatchString(line) {
			// Keep the heading and a short window of the section body. Long
			// lines are boilerplate paragraphs and end the window.
			add(i)
			for j := i + 1; j < i+6 && j < len(lines); j++ {
				if len(lines[j]) > 300 || termsSectionPattern.MatchString(lines[j]) {
					break
				}
				add(j)
			}
		}
	}

	excerpt := strings.Join(picked, "\n")
	if len(excerpt) > termsExcerptLimit {
		excerpt = excerpt[:termsExcerptLimit]
	}
	return "[terms excerpt]\n" + excerpt
}

// Quote markers that start a quoted thread trailer.
var quoteMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*On .{5,80} wrote:\s*$`),
	regexp.MustCompile(`(?m)^\s*Am .{5,80} schrieb .{1,60}:\s*$`),
	regexp.MustCompile(`(?m)^-{2,}\s*Original Message\s*-{2,}`),
	regexp.MustCompile(`(?m)^\s*Von:\s.+$`),
	regexp.MustCompile(`(?m)^\s*From:\s.+@.+$`),
	regexp.MustCompile(`(?m)^>{1,}\s`),
}

// stripQuotedThread removes the quoted trailer of a reply. Runs on the bare
// body before attachments are appended, so it cannot eat attachment text.
func stripQuotedThread(body string) string {
	cut := len(body)
	for _, pat := range quoteMarkers {
		if loc := pat.FindStringIndex(body); loc != nil && loc[0] < cut {
			cut = loc[0]
		}
	}
	// A marker in the first lines is more likely a forwarded order than a
	// reply trailer; keep those intact.
	if cut < 40 {
		return body
	}
	return strings.TrimSpace(body[:cut])
}

var signatureMarkers = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^--\s*$`),
	regexp.MustCompile(`(?im)^\s*(mit freundlichen gr|best regards|kind regards|freundliche gr)`),
	regexp.MustCompile(`(?im)^\s*(gesch.?ftsf.?hrer|managing director):?\s`),
}

// stripSignature cuts a trailing signature block, but only if no attachment
// marker appears after the cut point.
func stripSignature(text string) string {
	cut := -1
	for _, pat := range signatureMarkers {
		if loc := pat.FindStringIndex(text); loc != nil && (cut == -1 || loc[0] < cut) {
			cut = loc[0]
		}
	}
	if cut <= 0 {
		return text
	}
	if strings.Contains(text[cut:], "=== ATTACHMENT:") {
		return text
	}
	return strings.TrimSpace(text[:cut])
}

var whitespacePattern = regexp.MustCompile(`[ \t]+`)

func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
